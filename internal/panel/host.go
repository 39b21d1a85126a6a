// Package panel bridges a browser assistant panel, connected over WebSocket, to one voice
// Session Manager. The panel sends commands and microphone audio; the host pushes state
// snapshots and agent audio back. Closing the socket tears the manager down.
package panel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BTreeMap/SiteVoice/internal/sessions"
	"github.com/BTreeMap/SiteVoice/internal/voice"
)

// Connection tuning.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultReadLimit    = 1 << 20
	writeWait           = 10 * time.Second
	priorityQueueSize   = 64
	audioQueueSize      = 256
)

// Metrics receives panel-level measurements. Optional.
type Metrics interface {
	PanelOpened()
	PanelClosed()
	RecordAudio(direction string, bytes int)
}

// Opts holds configuration options for the panel server.
type Opts struct {
	ManagerOptions []voice.Option
	Tracker        *sessions.Tracker
	Metrics        Metrics
	PingInterval   time.Duration
	ReadLimit      int64
	AllowedOrigins []string // empty allows any origin
}

// Option defines a configuration option for the panel server.
type Option func(*Opts)

// WithManagerOptions sets options applied to every panel's Session Manager.
func WithManagerOptions(opts ...voice.Option) Option {
	return func(o *Opts) { o.ManagerOptions = append(o.ManagerOptions, opts...) }
}

// WithTracker registers every panel with t.
func WithTracker(t *sessions.Tracker) Option {
	return func(o *Opts) { o.Tracker = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithPingInterval sets the keepalive ping interval. Read deadlines are twice the interval.
func WithPingInterval(d time.Duration) Option {
	return func(o *Opts) { o.PingInterval = d }
}

// WithAllowedOrigins restricts which Origin headers may open a panel.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// Server upgrades panel requests and runs one Host per connection.
type Server struct {
	registry voice.Resolver
	backend  voice.Backend
	opts     Opts
	upgrader websocket.Upgrader
}

// NewServer creates a panel server.
func NewServer(registry voice.Resolver, backend voice.Backend, opts ...Option) *Server {
	cfg := Opts{PingInterval: DefaultPingInterval, ReadLimit: DefaultReadLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	s := &Server{registry: registry, backend: backend, opts: cfg}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	slog.Warn("Server.checkOrigin: origin rejected", "origin", origin)
	return false
}

// ServeHTTP upgrades the request and blocks until the panel disconnects.
// Query parameters: context (page context key) and lang (initial language).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Server.ServeHTTP: upgrade failed", "error", err)
		return
	}
	q := r.URL.Query()
	h := s.newHost(ws, q.Get("context"), q.Get("lang"))
	h.run()
}

// Host is one browser panel and the Session Manager it owns.
type Host struct {
	id         string
	ws         *websocket.Conn
	manager    *voice.Manager
	contextKey string
	opts       Opts

	priority  chan serverFrame
	audio     chan serverFrame
	done      chan struct{}
	closeOnce sync.Once
	downOnce  sync.Once
}

func (s *Server) newHost(ws *websocket.Conn, contextKey, language string) *Host {
	h := &Host{
		id:         uuid.NewString(),
		ws:         ws,
		contextKey: contextKey,
		opts:       s.opts,
		priority:   make(chan serverFrame, priorityQueueSize),
		audio:      make(chan serverFrame, audioQueueSize),
		done:       make(chan struct{}),
	}
	mopts := append([]voice.Option(nil), s.opts.ManagerOptions...)
	if language != "" {
		mopts = append(mopts, voice.WithLanguage(language))
	}
	mopts = append(mopts, voice.WithObserver(h.onState), voice.WithAudioSink(h.onAudio))
	h.manager = voice.NewManager(s.registry, s.backend, mopts...)
	return h
}

func (h *Host) run() {
	slog.Debug("Host.run: panel connected", "panel", h.id, "context", h.contextKey)
	unregister := h.opts.Tracker.Register(h.id, sessions.Handle{
		Cancel: h.close,
		Notify: h.notify,
	})
	if h.opts.Metrics != nil {
		h.opts.Metrics.PanelOpened()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop()
	}()

	h.push(stateFrame(h.manager.Snapshot()))
	h.readLoop()

	h.teardown()
	h.close()
	<-writerDone
	h.ws.Close()
	unregister()
	if h.opts.Metrics != nil {
		h.opts.Metrics.PanelClosed()
	}
	slog.Debug("Host.run: panel closed", "panel", h.id)
}

// teardown retires the manager. Runs once per panel.
func (h *Host) teardown() {
	h.downOnce.Do(h.manager.Teardown)
}

// close stops the writer and unblocks the reader. Safe to call from any goroutine.
func (h *Host) close() {
	h.closeOnce.Do(func() {
		close(h.done)
		_ = h.ws.SetReadDeadline(time.Now())
	})
}

func (h *Host) readLoop() {
	pongWait := 2 * h.opts.PingInterval
	if h.opts.ReadLimit > 0 {
		h.ws.SetReadLimit(h.opts.ReadLimit)
	}
	_ = h.ws.SetReadDeadline(time.Now().Add(pongWait))
	h.ws.SetPongHandler(func(string) error {
		return h.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := h.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("Host.readLoop: panel connection lost", "panel", h.id, "error", err)
			}
			return
		}
		select {
		case <-h.done:
			return
		default:
		}
		_ = h.ws.SetReadDeadline(time.Now().Add(pongWait))

		if kind == websocket.BinaryMessage {
			h.relayAudio(data)
			continue
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.push(errorFrame("bad_frame", "invalid JSON frame"))
			continue
		}
		h.handle(frame)
	}
}

func (h *Host) handle(frame clientFrame) {
	switch frame.Type {
	case FrameStart:
		key := frame.Context
		if key == "" {
			key = h.contextKey
		}
		if err := h.manager.Start(key, frame.Language); err != nil {
			// Start while active is ignored by contract.
			slog.Debug("Host.handle: start ignored", "panel", h.id, "error", err)
		}
	case FrameStop:
		h.manager.Stop()
	case FrameSetLanguage:
		if err := h.manager.SetLanguage(frame.Language); err != nil {
			code := "bad_language"
			if errors.Is(err, voice.ErrLanguageLocked) {
				code = "language_locked"
			}
			h.push(errorFrame(code, err.Error()))
		}
	case FrameAudio:
		h.relayAudio(frame.Data)
	default:
		h.push(errorFrame("unknown_frame", "unknown frame type "+frame.Type))
	}
}

func (h *Host) relayAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if err := h.manager.SendAudio(chunk); err != nil {
		// Audio captured before connect or after stop is expected; drop it.
		if !errors.Is(err, voice.ErrNotConnected) {
			slog.Warn("Host.relayAudio: send failed", "panel", h.id, "error", err)
		}
		return
	}
	if h.opts.Metrics != nil {
		h.opts.Metrics.RecordAudio("in", len(chunk))
	}
}

// onState is the manager observer. It must not block.
func (h *Host) onState(st voice.State) {
	h.push(stateFrame(st))
}

// onAudio is the manager audio sink. Chunks are dropped when the browser falls behind.
func (h *Host) onAudio(chunk []byte) {
	select {
	case h.audio <- serverFrame{Type: FrameAudio, Data: chunk}:
		if h.opts.Metrics != nil {
			h.opts.Metrics.RecordAudio("out", len(chunk))
		}
	case <-h.done:
	default:
		slog.Debug("Host.onAudio: panel queue full, dropping chunk", "panel", h.id)
	}
}

func (h *Host) notify(message string) error {
	if !h.push(serverFrame{Type: FrameNotice, Message: message}) {
		return errors.New("panel closed")
	}
	return nil
}

// push queues a control frame. A panel whose control queue overflows is closed, since it would
// otherwise miss state changes.
func (h *Host) push(f serverFrame) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.priority <- f:
		return true
	default:
		slog.Warn("Host.push: panel not keeping up, closing", "panel", h.id)
		h.close()
		return false
	}
}

func (h *Host) writeLoop() {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		// Control frames first.
		select {
		case f := <-h.priority:
			if !h.write(f) {
				return
			}
			continue
		default:
		}
		select {
		case <-h.done:
			h.drain()
			return
		case f := <-h.priority:
			if !h.write(f) {
				return
			}
		case f := <-h.audio:
			if !h.write(f) {
				return
			}
		case <-ticker.C:
			if err := h.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.close()
				return
			}
		}
	}
}

// drain flushes queued control frames and says goodbye to the browser.
func (h *Host) drain() {
	for {
		select {
		case f := <-h.priority:
			if !h.write(f) {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = h.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

func (h *Host) write(f serverFrame) bool {
	_ = h.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := h.ws.WriteJSON(f); err != nil {
		slog.Debug("Host.write: write failed", "panel", h.id, "error", err)
		h.close()
		return false
	}
	return true
}
