// Package store provides storage backends for SiteVoice.
//
// It persists captured leads, session lifecycle records and the lead notification outbox.
// Conversation transcripts are never stored. Backends: in-memory, SQLite and PostgreSQL.
package store

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SiteVoice/internal/models"
	"github.com/BTreeMap/SiteVoice/internal/util"
)

// DefaultListLimit caps list queries when the caller passes a non-positive limit.
const DefaultListLimit = 100

// Store is the persistence interface used by the API and lead capture.
type Store interface {
	OutboxRepo

	AddLead(l models.Lead) error
	ListLeads(limit int) ([]models.Lead, error)
	AddSessionRecord(r models.SessionRecord) error
	ListSessionRecords(limit int) ([]models.SessionRecord, error)
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for URLs and
// key=value connection strings, "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "=") && (strings.Contains(lower, "dbname=") || strings.Contains(lower, "host=") || strings.Contains(lower, "user=")) {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the store selected by opts: PostgreSQL or SQLite depending on the DSN, or an
// in-memory store when no DSN is configured.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Info("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. It is used when no database is configured
// and in tests.
type InMemoryStore struct {
	mu       sync.Mutex
	leads    []models.Lead
	sessions []models.SessionRecord
	outbox   []OutboxMessage
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) AddLead(l models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads = append(s.leads, l)
	return nil
}

// ListLeads returns the most recent leads first.
func (s *InMemoryStore) ListLeads(limit int) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Lead, 0, len(s.leads))
	for i := len(s.leads) - 1; i >= 0 && len(out) < normalizeLimit(limit); i-- {
		out = append(out, s.leads[i])
	}
	return out, nil
}

func (s *InMemoryStore) AddSessionRecord(r models.SessionRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, r)
	return nil
}

// ListSessionRecords returns the most recent records first.
func (s *InMemoryStore) ListSessionRecords(limit int) ([]models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SessionRecord, 0, len(s.sessions))
	for i := len(s.sessions) - 1; i >= 0 && len(out) < normalizeLimit(limit); i-- {
		out = append(out, s.sessions[i])
	}
	return out, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	msg := OutboxMessage{
		ID:          util.GenerateRandomID("outbox_", 32),
		Recipient:   recipient,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox = append(s.outbox, msg)
	return msg.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := make([]int, 0)
	for i, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return s.outbox[idx[a]].CreatedAt.Before(s.outbox[idx[b]].CreatedAt) })
	var out []OutboxMessage
	for _, i := range idx {
		if len(out) >= limit {
			break
		}
		lockedAt := now
		s.outbox[i].Status = OutboxStatusSending
		s.outbox[i].LockedAt = &lockedAt
		s.outbox[i].UpdatedAt = now
		out = append(out, s.outbox[i])
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		next := nextAttemptAt
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) AbandonOutboxMessage(id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// GetOutboxMessage returns a copy of the message with id, or nil.
func (s *InMemoryStore) GetOutboxMessage(id string) *OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.outbox {
		if m.ID == id {
			cp := m
			return &cp
		}
	}
	return nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			s.outbox[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrOutboxMessageNotFound
}

func (s *InMemoryStore) Close() error {
	return nil
}
