// Package elevenlabs connects voice sessions to the ElevenLabs Conversational AI WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/SiteVoice/internal/voice"
	"github.com/gorilla/websocket"
)

const (
	// DefaultBaseURL is the ElevenLabs API origin.
	DefaultBaseURL = "https://api.elevenlabs.io"
	// DefaultQuietWindow is how long after the last agent audio frame the agent is considered listening.
	DefaultQuietWindow = 800 * time.Millisecond

	defaultDialTimeout = 15 * time.Second
	conversationPath   = "/v1/convai/conversation"
	signedURLPath      = "/v1/convai/conversation/get-signed-url"
)

// ErrMissingAgentID is returned by Connect when no agent is configured.
var ErrMissingAgentID = errors.New("elevenlabs agent id is required")

// Opts holds configuration options for the Backend.
type Opts struct {
	BaseURL     string
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	QuietWindow time.Duration
	DialTimeout time.Duration
}

// Option defines a configuration option for the Backend.
type Option func(*Opts)

// WithBaseURL overrides the API origin (scheme and host).
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient sets the client used to request signed URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *Opts) { o.Dialer = d }
}

// WithQuietWindow sets the speaking-to-listening fallback delay.
func WithQuietWindow(d time.Duration) Option {
	return func(o *Opts) { o.QuietWindow = d }
}

// WithDialTimeout bounds dialing when the caller's context has no deadline.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DialTimeout = d }
}

// Backend implements voice.Backend.
type Backend struct {
	baseURL     string
	httpClient  *http.Client
	dialer      *websocket.Dialer
	quietWindow time.Duration
	dialTimeout time.Duration
}

// New creates a Backend.
func New(opts ...Option) *Backend {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = DefaultQuietWindow
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Backend{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  cfg.HTTPClient,
		dialer:      cfg.Dialer,
		quietWindow: cfg.QuietWindow,
		dialTimeout: cfg.DialTimeout,
	}
}

// Connect dials a conversation and sends the initiation frame.
func (b *Backend) Connect(ctx context.Context, req voice.ConnectRequest) (voice.Conn, error) {
	if strings.TrimSpace(req.Credentials.AgentID) == "" {
		return nil, ErrMissingAgentID
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, b.dialTimeout)
		defer cancel()
	}

	wsURL, err := b.conversationURL(dialCtx, req.Credentials)
	if err != nil {
		return nil, err
	}

	ws, resp, err := b.dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if err := ws.WriteJSON(newInitiationFrame(req)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send conversation initiation: %w", err)
	}

	slog.Debug("Backend.Connect: conversation opened", "session_id", req.SessionID, "agent_id", req.Credentials.AgentID, "signed", req.Credentials.APIKey != "")
	return newConn(ws, req.SessionID, b.quietWindow), nil
}

// conversationURL returns the WebSocket URL for the agent. Private agents (an API key is set)
// use a short-lived signed URL.
func (b *Backend) conversationURL(ctx context.Context, creds voice.Credentials) (string, error) {
	if creds.APIKey == "" {
		u, err := url.Parse(b.baseURL + conversationPath)
		if err != nil {
			return "", fmt.Errorf("invalid base url: %w", err)
		}
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
		q := u.Query()
		q.Set("agent_id", creds.AgentID)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return b.signedURL(ctx, creds)
}

func (b *Backend) signedURL(ctx context.Context, creds voice.Credentials) (string, error) {
	endpoint := b.baseURL + signedURLPath + "?agent_id=" + url.QueryEscape(creds.AgentID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build signed url request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", creds.APIKey)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request signed url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request signed url: unexpected status %d", resp.StatusCode)
	}

	var body signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	if body.SignedURL == "" {
		return "", fmt.Errorf("decode signed url: empty signed_url")
	}
	return body.SignedURL, nil
}
