// Package voice manages the lifecycle of a single live voice conversation.
//
// A Manager owns at most one backend session at a time. Every Start opens a new epoch and
// every inbound backend event is checked against the current epoch before it is applied, so
// events from a session that was stopped, timed out or torn down are dropped.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SiteVoice/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrSessionActive is returned by Start while a session is connecting or connected.
	ErrSessionActive = errors.New("voice session already active")
	// ErrManagerRetired is returned once Teardown has been called.
	ErrManagerRetired = errors.New("voice manager has been torn down")
	// ErrLanguageLocked is returned by SetLanguage unless the manager is idle.
	ErrLanguageLocked = errors.New("language can only be changed while idle")
	// ErrEmptyLanguage is returned by SetLanguage for an empty language code.
	ErrEmptyLanguage = errors.New("language cannot be empty")
	// ErrNotConnected is returned by SendAudio unless a session is connected.
	ErrNotConnected = errors.New("voice session not connected")
	// ErrConnectTimeout is recorded when a session does not connect within the connect timeout.
	ErrConnectTimeout = errors.New("connection timed out")
)

const (
	// DefaultLanguage is the language selected when none is configured.
	DefaultLanguage = "en"
	// toolHandlerTimeout bounds a single client tool invocation.
	toolHandlerTimeout = 10 * time.Second
)

// Resolver looks up the prompt configuration for a context key. Lookup is total.
type Resolver interface {
	Resolve(contextKey string) models.PromptConfiguration
}

// Opts holds configuration options for a Manager.
type Opts struct {
	Observer       func(State)
	AudioSink      func([]byte)
	ContactHandler ContactHandler
	Recorder       Recorder
	ConnectTimeout time.Duration // 0 disables the timeout
	Credentials    Credentials
	Language       string
}

// Option defines a configuration option for a Manager.
type Option func(*Opts)

// WithObserver sets the function that receives a snapshot after every state change.
// The observer must not call back into the Manager.
func WithObserver(fn func(State)) Option {
	return func(o *Opts) { o.Observer = fn }
}

// WithAudioSink sets the function that receives agent audio while connected.
func WithAudioSink(fn func([]byte)) Option {
	return func(o *Opts) { o.AudioSink = fn }
}

// WithContactHandler enables the record_contact tool for configurations that collect contact info.
func WithContactHandler(fn ContactHandler) Option {
	return func(o *Opts) { o.ContactHandler = fn }
}

// WithRecorder sets the lifecycle recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithConnectTimeout fails a session that has not connected within d.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ConnectTimeout = d }
}

// WithCredentials sets the backend credentials sent with every connection.
func WithCredentials(c Credentials) Option {
	return func(o *Opts) { o.Credentials = c }
}

// WithLanguage sets the initially selected language.
func WithLanguage(lang string) Option {
	return func(o *Opts) { o.Language = lang }
}

// Manager drives one voice conversation at a time for a single panel.
type Manager struct {
	registry Resolver
	backend  Backend
	opts     Opts

	mu       sync.Mutex
	notifyMu sync.Mutex // serializes observer and recorder delivery in transition order

	state   State
	epoch   uint64
	retired bool
	conn    Conn
	cancel  context.CancelFunc
	timer   *time.Timer
	active  models.PromptConfiguration
	session SessionInfo
}

// NewManager creates an idle Manager.
func NewManager(registry Resolver, backend Backend, opts ...Option) *Manager {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	return &Manager{
		registry: registry,
		backend:  backend,
		opts:     cfg,
		state:    State{Phase: PhaseIdle, Language: cfg.Language},
	}
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start opens a session for contextKey. An empty language keeps the current selection.
// It returns immediately; the outcome is reported through state snapshots.
func (m *Manager) Start(contextKey, language string) error {
	m.mu.Lock()
	if m.retired {
		m.mu.Unlock()
		return ErrManagerRetired
	}
	if phase := m.state.Phase; phase != PhaseIdle {
		m.mu.Unlock()
		slog.Debug("Manager.Start: session already active, ignoring", "phase", phase)
		return ErrSessionActive
	}

	cfg := m.registry.Resolve(contextKey)
	if language != "" {
		m.state.Language = language
	}
	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.active = cfg

	sessionID := uuid.NewString()
	m.state.Phase = PhaseConnecting
	m.state.LastError = ""
	m.state.IsListening = false
	m.state.IsSpeaking = false
	m.state.ContextKey = cfg.ContextKey
	m.state.SessionID = sessionID
	m.state.ConversationID = ""
	m.session = SessionInfo{
		SessionID:  sessionID,
		ContextKey: cfg.ContextKey,
		Language:   m.state.Language,
		StartedAt:  time.Now(),
	}
	if m.opts.ConnectTimeout > 0 {
		m.timer = time.AfterFunc(m.opts.ConnectTimeout, func() { m.connectTimedOut(epoch) })
	}

	req := ConnectRequest{
		SessionID:    sessionID,
		ContextKey:   cfg.ContextKey,
		Prompt:       cfg.SystemPrompt,
		FirstMessage: cfg.OpeningUtterance,
		Language:     m.state.Language,
		Credentials:  m.opts.Credentials,
	}
	if cfg.CollectsContactInfo && m.opts.ContactHandler != nil {
		req.Tools = []Tool{RecordContactTool()}
	}
	info := m.session

	slog.Debug("Manager.Start: connecting", "session_id", sessionID, "context", cfg.ContextKey, "language", req.Language)
	m.commit(transition{after: func() {
		if m.opts.Recorder != nil {
			m.opts.Recorder.SessionStarted(info)
		}
	}})

	go m.connect(ctx, epoch, req)
	return nil
}

// Stop ends the current session. It is a no-op while idle.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state.Phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	slog.Debug("Manager.Stop: stopping session", "session_id", m.state.SessionID, "phase", m.state.Phase)
	m.end(models.OutcomeStopped, nil)
}

// Teardown stops the current session and retires the manager. Later events, Start calls and
// connection results are ignored. It is safe to call more than once.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.retired {
		m.mu.Unlock()
		return
	}
	m.retired = true
	if m.state.Phase == PhaseIdle {
		m.epoch++
		m.mu.Unlock()
		slog.Debug("Manager.Teardown: retired while idle")
		return
	}
	slog.Debug("Manager.Teardown: retiring active session", "session_id", m.state.SessionID, "phase", m.state.Phase)
	m.end(models.OutcomeTeardown, nil)
}

// SetLanguage changes the language used by the next session. It is only allowed while idle.
func (m *Manager) SetLanguage(language string) error {
	if language == "" {
		return ErrEmptyLanguage
	}
	m.mu.Lock()
	if m.retired {
		m.mu.Unlock()
		return ErrManagerRetired
	}
	if m.state.Phase != PhaseIdle {
		m.mu.Unlock()
		return ErrLanguageLocked
	}
	if m.state.Language == language {
		m.mu.Unlock()
		return nil
	}
	m.state.Language = language
	m.commit(transition{})
	return nil
}

// SendAudio relays microphone audio to the connected session.
func (m *Manager) SendAudio(chunk []byte) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state.Phase == PhaseConnected && !m.retired
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.SendAudio(chunk); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

type transition struct {
	release Conn
	after   func()
}

// commit publishes the current state and releases m.mu. It must be called with m.mu held.
// The released handle, if any, is closed before observers see the new state.
func (m *Manager) commit(t transition) {
	snap := m.state
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	if t.release != nil {
		if err := t.release.Close(); err != nil {
			slog.Warn("Manager.commit: failed to close backend session", "session_id", snap.SessionID, "error", err)
		}
	}
	if m.opts.Observer != nil {
		m.opts.Observer(snap)
	}
	if t.after != nil {
		t.after()
	}
}

// end retires the current epoch, forces Idle and releases m.mu. It must be called with m.mu held.
func (m *Manager) end(outcome models.SessionOutcome, cause error) {
	m.epoch++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.state.Phase = PhaseIdle
	m.state.IsListening = false
	m.state.IsSpeaking = false
	if cause != nil {
		m.state.LastError = cause.Error()
	}
	info := m.session

	m.commit(transition{release: conn, after: func() {
		if m.opts.Recorder != nil {
			m.opts.Recorder.SessionEnded(info, outcome, cause)
		}
	}})
}

// current reports whether epoch still identifies the live session. It must be called with m.mu held.
func (m *Manager) current(epoch uint64) bool {
	return !m.retired && epoch == m.epoch
}

func (m *Manager) connect(ctx context.Context, epoch uint64, req ConnectRequest) {
	conn, err := m.backend.Connect(ctx, req)

	m.mu.Lock()
	if !m.current(epoch) {
		m.mu.Unlock()
		if conn != nil {
			slog.Debug("Manager.connect: discarding connection for retired session", "session_id", req.SessionID)
			if cerr := conn.Close(); cerr != nil {
				slog.Warn("Manager.connect: failed to close stale backend session", "session_id", req.SessionID, "error", cerr)
			}
		}
		return
	}
	if err != nil {
		slog.Error("Manager.connect: backend connection failed", "session_id", req.SessionID, "error", err)
		m.end(models.OutcomeConnectFailed, fmt.Errorf("connection failed: %w", err))
		return
	}
	m.conn = conn
	m.mu.Unlock()

	slog.Debug("Manager.connect: transport open, serving", "session_id", req.SessionID)
	conn.Serve(&sessionEvents{m: m, epoch: epoch})
}

func (m *Manager) connectTimedOut(epoch uint64) {
	m.mu.Lock()
	if !m.current(epoch) || m.state.Phase != PhaseConnecting {
		m.mu.Unlock()
		return
	}
	slog.Warn("Manager.connectTimedOut: session did not connect in time", "session_id", m.state.SessionID, "timeout", m.opts.ConnectTimeout)
	m.end(models.OutcomeTimeout, ErrConnectTimeout)
}

// sessionEvents binds backend callbacks to the epoch they were opened for.
type sessionEvents struct {
	m     *Manager
	epoch uint64
}

func (e *sessionEvents) Connected(conversationID string) {
	m := e.m
	m.mu.Lock()
	if !m.current(e.epoch) {
		m.mu.Unlock()
		slog.Debug("Manager.Connected: dropping event for retired session", "epoch", e.epoch)
		return
	}
	if m.state.Phase != PhaseConnecting {
		m.mu.Unlock()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state.Phase = PhaseConnected
	m.state.ConversationID = conversationID
	m.session.ConnectedAt = time.Now()
	info := m.session
	slog.Debug("Manager.Connected: session live", "session_id", info.SessionID, "conversation_id", conversationID)
	m.commit(transition{after: func() {
		if m.opts.Recorder != nil {
			m.opts.Recorder.SessionConnected(info)
		}
	}})
}

func (e *sessionEvents) Disconnected(reason string) {
	m := e.m
	m.mu.Lock()
	if !m.current(e.epoch) || m.state.Phase == PhaseIdle {
		m.mu.Unlock()
		slog.Debug("Manager.Disconnected: dropping event for retired session", "epoch", e.epoch)
		return
	}
	slog.Debug("Manager.Disconnected: backend ended session", "session_id", m.state.SessionID, "reason", reason)
	if m.state.Phase == PhaseConnecting {
		m.end(models.OutcomeConnectFailed, fmt.Errorf("connection closed: %s", reason))
		return
	}
	m.end(models.OutcomeDisconnected, nil)
}

func (e *sessionEvents) Error(message string) {
	m := e.m
	m.mu.Lock()
	if !m.current(e.epoch) || m.state.Phase == PhaseIdle {
		m.mu.Unlock()
		slog.Debug("Manager.Error: dropping event for retired session", "epoch", e.epoch, "message", message)
		return
	}
	slog.Error("Manager.Error: backend reported error", "session_id", m.state.SessionID, "phase", m.state.Phase, "message", message)
	outcome := models.OutcomeError
	if m.state.Phase == PhaseConnecting {
		outcome = models.OutcomeConnectFailed
	}
	m.end(outcome, errors.New(message))
}

func (e *sessionEvents) ModeChanged(mode Mode) {
	m := e.m
	m.mu.Lock()
	if !m.current(e.epoch) || m.state.Phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	listening, speaking := false, false
	switch mode {
	case ModeListening:
		listening = true
	case ModeSpeaking:
		speaking = true
	}
	if m.state.IsListening == listening && m.state.IsSpeaking == speaking {
		m.mu.Unlock()
		return
	}
	m.state.IsListening = listening
	m.state.IsSpeaking = speaking
	m.commit(transition{})
}

func (e *sessionEvents) Audio(chunk []byte) {
	m := e.m
	m.mu.Lock()
	ok := m.current(e.epoch) && m.state.Phase == PhaseConnected
	sink := m.opts.AudioSink
	m.mu.Unlock()
	if ok && sink != nil {
		sink(chunk)
	}
}

func (e *sessionEvents) ToolCall(call ToolCall) {
	m := e.m
	m.mu.Lock()
	if !m.current(e.epoch) || m.state.Phase != PhaseConnected || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	cfg := m.active
	info := m.session
	m.mu.Unlock()

	go m.answerTool(conn, cfg, info, call)
}

func (m *Manager) answerTool(conn Conn, cfg models.PromptConfiguration, info SessionInfo, call ToolCall) {
	result, isError := m.runTool(cfg, info, call)
	if err := conn.SendToolResult(call.ID, result, isError); err != nil {
		slog.Warn("Manager.answerTool: failed to send tool result", "session_id", info.SessionID, "tool", call.Name, "error", err)
	}
}

func (m *Manager) runTool(cfg models.PromptConfiguration, info SessionInfo, call ToolCall) (string, bool) {
	if call.Name != RecordContactToolName || !cfg.CollectsContactInfo || m.opts.ContactHandler == nil {
		slog.Warn("Manager.runTool: unsupported tool call", "session_id", info.SessionID, "tool", call.Name)
		return fmt.Sprintf("tool %q is not available", call.Name), true
	}
	req, err := parseContactRequest(call.Parameters)
	if err != nil {
		slog.Warn("Manager.runTool: bad contact payload", "session_id", info.SessionID, "error", err)
		return err.Error(), true
	}
	req.SessionID = info.SessionID
	req.ContextKey = info.ContextKey
	req.Language = info.Language

	ctx, cancel := context.WithTimeout(context.Background(), toolHandlerTimeout)
	defer cancel()
	if err := m.opts.ContactHandler(ctx, req); err != nil {
		slog.Error("Manager.runTool: contact handler failed", "session_id", info.SessionID, "error", err)
		return fmt.Sprintf("could not save contact details: %v", err), true
	}
	slog.Debug("Manager.runTool: contact recorded", "session_id", info.SessionID)
	return "Contact details saved.", false
}
