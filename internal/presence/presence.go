// Package presence shares open-panel counts between SiteVoice instances so /health can report
// a cluster-wide figure. Each instance publishes its own count under a key that expires unless
// refreshed; the cluster total is the sum of all live keys.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a published count stays valid without a refresh.
const DefaultTTL = 30 * time.Second

// ErrInvalidConfig is returned when a store is built without a client.
var ErrInvalidConfig = errors.New("presence: invalid configuration")

// Store publishes and aggregates per-instance panel counts.
type Store interface {
	Publish(ctx context.Context, instanceID string, panels int) error
	Remove(ctx context.Context, instanceID string) error
	Total(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is a single-process Store, used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	panels  int
	expires time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-process store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Publish(ctx context.Context, instanceID string, panels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[instanceID] = memoryEntry{panels: panels, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, instanceID)
	return nil
}

func (s *MemoryStore) Total(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	total := 0
	for id, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, id)
			continue
		}
		total += e.panels
	}
	return total, nil
}

func (s *MemoryStore) Close() error { return nil }

// Heartbeat publishes count() every interval until ctx is done, then removes the instance.
func Heartbeat(ctx context.Context, s Store, instanceID string, count func() int, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTTL / 3
	}
	publish := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := s.Publish(pctx, instanceID, count()); err != nil {
			slog.Warn("presence.Heartbeat: publish failed", "instance", instanceID, "error", err)
		}
	}

	publish()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.Remove(rctx, instanceID); err != nil {
				slog.Warn("presence.Heartbeat: remove failed", "instance", instanceID, "error", err)
			}
			cancel()
			slog.Debug("presence.Heartbeat: stopped", "instance", instanceID)
			return
		case <-ticker.C:
			publish()
		}
	}
}
