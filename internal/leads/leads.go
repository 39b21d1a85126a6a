// Package leads turns contact details collected by the voice assistant into stored leads and
// queues a notification for the sales team.
package leads

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SiteVoice/internal/models"
	"github.com/BTreeMap/SiteVoice/internal/store"
	"github.com/BTreeMap/SiteVoice/internal/util"
	"github.com/BTreeMap/SiteVoice/internal/voice"
)

// OutboxKind is the outbox message kind used for lead notifications.
const OutboxKind = "lead_sms"

// Repo is the subset of store.Store the service needs.
type Repo interface {
	AddLead(l models.Lead) error
	EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error)
}

// Notification is the outbox payload for a captured lead.
type Notification struct {
	LeadID     string `json:"lead_id"`
	ContextKey string `json:"context_key"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Opts holds configuration options for the lead service.
type Opts struct {
	NotifyTo string // SMS recipient for new leads; empty disables notifications
	Trigger  func() // called after a notification is queued
	Now      func() time.Time
}

// Option defines a configuration option for the lead service.
type Option func(*Opts)

// WithNotifyTo sets the phone number that receives new lead notifications.
func WithNotifyTo(to string) Option {
	return func(o *Opts) { o.NotifyTo = to }
}

// WithTrigger sets a hook that wakes the outbox sender after a notification is queued.
func WithTrigger(fn func()) Option {
	return func(o *Opts) { o.Trigger = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Service records leads.
type Service struct {
	repo     Repo
	notifyTo string
	trigger  func()
	now      func() time.Time
}

// NewService creates a lead service backed by repo.
func NewService(repo Repo, opts ...Option) *Service {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		repo:     repo,
		notifyTo: strings.TrimSpace(cfg.NotifyTo),
		trigger:  cfg.Trigger,
		now:      cfg.Now,
	}
}

// HandleContact implements voice.ContactHandler.
func (s *Service) HandleContact(ctx context.Context, req voice.ContactRequest) error {
	_, err := s.Record(ctx, req)
	return err
}

// Record validates and stores the contact details, then queues a notification.
// A failed enqueue is logged and does not fail the call: the lead itself is already stored.
func (s *Service) Record(ctx context.Context, req voice.ContactRequest) (models.Lead, error) {
	if err := ctx.Err(); err != nil {
		return models.Lead{}, err
	}
	lead := models.Lead{
		ID:         util.GenerateLeadID(),
		SessionID:  req.SessionID,
		ContextKey: req.ContextKey,
		Language:   req.Language,
		Name:       strings.TrimSpace(req.Name),
		Email:      strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:      strings.TrimSpace(req.Phone),
		Notes:      strings.TrimSpace(req.Notes),
		CreatedAt:  s.now().UTC(),
	}
	if err := lead.Validate(); err != nil {
		slog.Warn("Service.Record: invalid contact details", "session_id", req.SessionID, "error", err)
		return models.Lead{}, err
	}
	if err := s.repo.AddLead(lead); err != nil {
		return models.Lead{}, fmt.Errorf("failed to store lead: %w", err)
	}
	slog.Info("Service.Record: lead captured", "id", lead.ID, "session_id", lead.SessionID, "context", lead.ContextKey)

	if s.notifyTo == "" {
		return lead, nil
	}
	payload, err := json.Marshal(Notification{
		LeadID:     lead.ID,
		ContextKey: lead.ContextKey,
		Name:       lead.Name,
		Email:      lead.Email,
		Phone:      lead.Phone,
		Notes:      lead.Notes,
	})
	if err != nil {
		slog.Error("Service.Record: marshal notification failed", "id", lead.ID, "error", err)
		return lead, nil
	}
	if _, err := s.repo.EnqueueOutboxMessage(s.notifyTo, OutboxKind, string(payload), dedupeKey(lead)); err != nil {
		slog.Error("Service.Record: enqueue notification failed", "id", lead.ID, "error", err)
		return lead, nil
	}
	if s.trigger != nil {
		s.trigger()
	}
	return lead, nil
}

// dedupeKey collapses repeated tool calls for the same visitor within one session.
func dedupeKey(l models.Lead) string {
	contact := l.Email
	if contact == "" {
		contact = l.Phone
	}
	return "lead:" + l.SessionID + ":" + contact
}

// RenderSMS formats a queued lead notification as SMS text.
func RenderSMS(msg store.OutboxMessage) (string, error) {
	if msg.Kind != OutboxKind {
		return "", fmt.Errorf("unsupported outbox kind %q", msg.Kind)
	}
	var n Notification
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &n); err != nil {
		return "", fmt.Errorf("invalid lead payload: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "New website lead (%s)", n.ContextKey)
	for _, line := range [][2]string{{"Name", n.Name}, {"Email", n.Email}, {"Phone", n.Phone}, {"Notes", n.Notes}} {
		if line[1] != "" {
			fmt.Fprintf(&b, "\n%s: %s", line[0], line[1])
		}
	}
	return b.String(), nil
}
