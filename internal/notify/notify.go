// Package notify sends lead notifications over SMS through the Twilio API.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/SiteVoice/internal/store"
)

// Notifier delivers a text message to a phone number.
type Notifier interface {
	Send(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number in E.164 format.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// SMSClient wraps the Twilio REST API for plain SMS.
type SMSClient struct {
	client *twilio.RestClient
	from   string
}

// NewSMSClient creates a client. Unset options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewSMSClient(opts ...Option) (*SMSClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("SMSClient.NewSMSClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSClient{client: client, from: cfg.FromNumber}, nil
}

// Send sends an SMS.
func (c *SMSClient) Send(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("SMSClient.Send: failed", "to", to, "error", err)
		return fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("SMSClient.Send: sent", "to", to, "sid", sid)
	return nil
}

// Renderer turns an outbox message into message text.
type Renderer func(msg store.OutboxMessage) (string, error)

// OutboxSendFunc adapts a Notifier to the outbox sender: each claimed message is rendered and sent
// to its recipient.
func OutboxSendFunc(n Notifier, render Renderer) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		body, err := render(msg)
		if err != nil {
			return fmt.Errorf("render outbox message %s: %w", msg.ID, err)
		}
		return n.Send(ctx, msg.Recipient, body)
	}
}

// LogNotifier logs messages instead of sending them. Used when Twilio is not configured.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, to string, body string) error {
	slog.Info("LogNotifier.Send: SMS delivery not configured, logging notification", "to", to, "body", body)
	return nil
}

// MockNotifier records sent messages for tests.
type MockNotifier struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
}

// SentMessage is one message captured by MockNotifier.
type SentMessage struct {
	To   string
	Body string
}

func (m *MockNotifier) Send(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the captured messages.
func (m *MockNotifier) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
