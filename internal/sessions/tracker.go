// Package sessions tracks the panels open on this instance so shutdown can warn, cancel and
// wait for every one of them.
package sessions

import (
	"context"
	"sync"
)

// Handle is how the tracker reaches a registered panel.
type Handle struct {
	// Cancel tears the panel down. It must be safe to call more than once.
	Cancel func()
	// Notify sends an advisory message to the browser. Optional.
	Notify func(message string) error
}

// Tracker is a registry of live panels keyed by panel ID. The zero value is not usable;
// a nil *Tracker is a valid no-op tracker.
type Tracker struct {
	mu     sync.Mutex
	panels map[string]*entry
	wg     sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{panels: make(map[string]*entry)}
}

// Register adds a panel and returns the function that removes it. Registering an ID twice
// replaces (and unregisters) the earlier entry. The returned func is idempotent.
func (t *Tracker) Register(id string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	e := &entry{handle: h}

	t.mu.Lock()
	old := t.panels[id]
	t.panels[id] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.remove(id, old)
	}
	return func() { t.remove(id, e) }
}

func (t *Tracker) remove(id string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.panels[id] == e {
			delete(t.panels, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count returns the number of registered panels.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.panels)
}

// handles snapshots the registered handles so callbacks run without the lock held.
func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.panels))
	for _, e := range t.panels {
		out = append(out, e.handle)
	}
	return out
}

// NotifyAll sends message to every panel that accepts notifications and returns how many
// were delivered.
func (t *Tracker) NotifyAll(message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Notify == nil {
			continue
		}
		if err := h.Notify(message); err == nil {
			sent++
		}
	}
	return sent
}

// CancelAll cancels every registered panel and returns how many were cancelled.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered panel has unregistered or ctx is done. It reports whether
// all panels finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
