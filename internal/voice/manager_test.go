package voice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SiteVoice/internal/models"
	"github.com/BTreeMap/SiteVoice/internal/prompts"
	"github.com/BTreeMap/SiteVoice/internal/testutil"
)

type toolResult struct {
	id      string
	result  string
	isError bool
}

type fakeConn struct {
	mu       sync.Mutex
	events   Events
	audio    [][]byte
	closed   int
	closeErr error

	served    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	results   chan toolResult
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		served:  make(chan struct{}),
		done:    make(chan struct{}),
		results: make(chan toolResult, 4),
	}
}

func (c *fakeConn) Serve(events Events) {
	c.mu.Lock()
	c.events = events
	c.mu.Unlock()
	close(c.served)
	<-c.done
	events.Disconnected("closed by client")
}

func (c *fakeConn) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, chunk)
	return nil
}

func (c *fakeConn) SendToolResult(callID, result string, isError bool) error {
	c.results <- toolResult{id: callID, result: result, isError: isError}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	err := c.closeErr
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return err
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ev blocks until Serve has been called and returns the epoch-bound event sink.
func (c *fakeConn) ev(t *testing.T) Events {
	t.Helper()
	select {
	case <-c.served:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Serve")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []ConnectRequest
	connect  func(ctx context.Context, req ConnectRequest) (Conn, error)
}

func (b *fakeBackend) Connect(ctx context.Context, req ConnectRequest) (Conn, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	fn := b.connect
	b.mu.Unlock()
	return fn(ctx, req)
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *fakeBackend) request(i int) ConnectRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[i]
}

// connBackend returns a backend that hands out a fresh fakeConn per Connect call.
func connBackend() (*fakeBackend, chan *fakeConn) {
	conns := make(chan *fakeConn, 8)
	b := &fakeBackend{connect: func(ctx context.Context, req ConnectRequest) (Conn, error) {
		c := newFakeConn()
		conns <- c
		return c, nil
	}}
	return b, conns
}

func nextConn(t *testing.T, conns chan *fakeConn) *fakeConn {
	t.Helper()
	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend connection")
		return nil
	}
}

func testRegistry(t *testing.T) *prompts.Registry {
	t.Helper()
	reg, err := prompts.LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault failed: %v", err)
	}
	return reg
}

type recorded struct {
	kind    string
	info    SessionInfo
	outcome models.SessionOutcome
	err     error
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *fakeRecorder) SessionStarted(info SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{kind: "started", info: info})
}

func (r *fakeRecorder) SessionConnected(info SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{kind: "connected", info: info})
}

func (r *fakeRecorder) SessionEnded(info SessionInfo, outcome models.SessionOutcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{kind: "ended", info: info, outcome: outcome, err: err})
}

func (r *fakeRecorder) snapshot() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	backend, _ := connBackend()
	notified := 0
	m := NewManager(testRegistry(t), backend, WithObserver(func(State) { notified++ }))

	before := m.Snapshot()
	m.Stop()
	m.Stop()

	if got := m.Snapshot(); got != before {
		t.Errorf("state changed on idle stop: before %+v, after %+v", before, got)
	}
	if backend.calls() != 0 {
		t.Errorf("expected no backend calls, got %d", backend.calls())
	}
	if notified != 0 {
		t.Errorf("expected no observer notifications, got %d", notified)
	}
}

func TestStartIsSingleFlight(t *testing.T) {
	backend := &fakeBackend{connect: func(ctx context.Context, req ConnectRequest) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := NewManager(testRegistry(t), backend)

	if err := m.Start("homepage", "en"); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := m.Start("services", "de"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	testutil.WaitFor(t, "connect call", func() bool { return backend.calls() == 1 })
	time.Sleep(10 * time.Millisecond)
	if backend.calls() != 1 {
		t.Fatalf("expected exactly one backend connect, got %d", backend.calls())
	}
	snap := m.Snapshot()
	if snap.Phase != PhaseConnecting || snap.ContextKey != "homepage" || snap.Language != "en" {
		t.Errorf("rejected Start altered state: %+v", snap)
	}

	m.Stop()
	if got := m.Snapshot(); got.Phase != PhaseIdle || got.LastError != "" {
		t.Errorf("expected clean idle after stop, got %+v", got)
	}
}

func TestContactSessionScenario(t *testing.T) {
	backend, conns := connBackend()
	reg := testRegistry(t)
	m := NewManager(reg, backend)

	if err := m.Start("contact", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := m.Snapshot(); got.Phase != PhaseConnecting {
		t.Fatalf("expected connecting, got %s", got.Phase)
	}
	conn := nextConn(t, conns)
	ev := conn.ev(t)

	req := backend.request(0)
	want := reg.Resolve("contact")
	if req.Prompt != want.SystemPrompt || req.FirstMessage != want.OpeningUtterance || req.Language != "en" {
		t.Errorf("unexpected connect request: %+v", req)
	}

	ev.Connected("conv_1")
	snap := m.Snapshot()
	if snap.Phase != PhaseConnected || snap.ConversationID != "conv_1" {
		t.Fatalf("expected connected, got %+v", snap)
	}

	ev.ModeChanged(ModeListening)
	if snap := m.Snapshot(); !snap.IsListening || snap.IsSpeaking {
		t.Errorf("expected listening only, got %+v", snap)
	}
	ev.ModeChanged(ModeSpeaking)
	if snap := m.Snapshot(); snap.IsListening || !snap.IsSpeaking {
		t.Errorf("expected speaking only, got %+v", snap)
	}

	m.Stop()
	snap = m.Snapshot()
	if snap.Phase != PhaseIdle || snap.IsListening || snap.IsSpeaking {
		t.Errorf("expected idle with cleared flags, got %+v", snap)
	}
	if conn.closeCount() != 1 {
		t.Errorf("expected handle closed once, got %d", conn.closeCount())
	}

	m.Stop()
	if conn.closeCount() != 1 {
		t.Errorf("second stop touched the handle again: %d closes", conn.closeCount())
	}
}

func TestUnknownContextUsesDefault(t *testing.T) {
	backend, conns := connBackend()
	reg := testRegistry(t)
	m := NewManager(reg, backend)

	if err := m.Start("unknown-key", "fr"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	nextConn(t, conns)

	req := backend.request(0)
	def := reg.Default()
	if req.Prompt != def.SystemPrompt || req.FirstMessage != def.OpeningUtterance {
		t.Errorf("expected default prompt and utterance, got %+v", req)
	}
	if req.Language != "fr" {
		t.Errorf("expected language fr, got %q", req.Language)
	}
	if snap := m.Snapshot(); snap.LastError != "" || snap.ContextKey != def.ContextKey {
		t.Errorf("unexpected state: %+v", snap)
	}
	m.Stop()
}

func TestTeardownDiscardsLateEvents(t *testing.T) {
	backend, conns := connBackend()
	m := NewManager(testRegistry(t), backend)

	if err := m.Start("homepage", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := nextConn(t, conns)
	ev := conn.ev(t)

	m.Teardown()
	ev.Connected("late")
	ev.ModeChanged(ModeSpeaking)
	ev.Error("late error")

	snap := m.Snapshot()
	if snap.Phase != PhaseIdle || snap.IsSpeaking || snap.LastError != "" || snap.ConversationID != "" {
		t.Errorf("late event was applied after teardown: %+v", snap)
	}
	if conn.closeCount() == 0 {
		t.Error("expected handle released on teardown")
	}
	if err := m.Start("homepage", "en"); !errors.Is(err, ErrManagerRetired) {
		t.Errorf("expected ErrManagerRetired, got %v", err)
	}
	if err := m.SetLanguage("de"); !errors.Is(err, ErrManagerRetired) {
		t.Errorf("expected ErrManagerRetired from SetLanguage, got %v", err)
	}
	m.Teardown()
}

func TestTeardownClosesLateConnection(t *testing.T) {
	release := make(chan struct{})
	conn := newFakeConn()
	backend := &fakeBackend{connect: func(ctx context.Context, req ConnectRequest) (Conn, error) {
		<-release
		return conn, nil
	}}
	m := NewManager(testRegistry(t), backend)

	if err := m.Start("services", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	testutil.WaitFor(t, "connect call", func() bool { return backend.calls() == 1 })
	m.Teardown()
	close(release)

	testutil.WaitFor(t, "late connection closed", func() bool { return conn.closeCount() == 1 })
	select {
	case <-conn.served:
		t.Error("late connection was served after teardown")
	default:
	}
	if snap := m.Snapshot(); snap.Phase != PhaseIdle {
		t.Errorf("expected idle, got %s", snap.Phase)
	}
}

func TestConnectionFailureRecovers(t *testing.T) {
	conns := make(chan *fakeConn, 1)
	attempt := 0
	backend := &fakeBackend{}
	backend.connect = func(ctx context.Context, req ConnectRequest) (Conn, error) {
		attempt++
		if attempt == 1 {
			return nil, errors.New("agent unavailable")
		}
		c := newFakeConn()
		conns <- c
		return c, nil
	}
	m := NewManager(testRegistry(t), backend)

	if err := m.Start("homepage", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	testutil.WaitFor(t, "failure", func() bool { return m.Snapshot().LastError != "" })
	snap := m.Snapshot()
	if snap.Phase != PhaseIdle {
		t.Fatalf("expected idle after failure, got %s", snap.Phase)
	}

	if err := m.Start("homepage", "en"); err != nil {
		t.Fatalf("retry Start failed: %v", err)
	}
	if snap := m.Snapshot(); snap.Phase != PhaseConnecting || snap.LastError != "" {
		t.Errorf("expected connecting with cleared error, got %+v", snap)
	}
	nextConn(t, conns).ev(t).Connected("conv_2")
	if snap := m.Snapshot(); snap.Phase != PhaseConnected {
		t.Errorf("expected connected after retry, got %s", snap.Phase)
	}
	m.Stop()
}

func TestLanguageLock(t *testing.T) {
	backend, conns := connBackend()
	m := NewManager(testRegistry(t), backend, WithLanguage("es"))

	if got := m.Snapshot().Language; got != "es" {
		t.Fatalf("expected initial language es, got %q", got)
	}
	if err := m.SetLanguage("de"); err != nil {
		t.Fatalf("SetLanguage while idle failed: %v", err)
	}
	if err := m.SetLanguage(""); !errors.Is(err, ErrEmptyLanguage) {
		t.Errorf("expected ErrEmptyLanguage, got %v", err)
	}

	if err := m.Start("homepage", ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.SetLanguage("fr"); !errors.Is(err, ErrLanguageLocked) {
		t.Errorf("expected ErrLanguageLocked while connecting, got %v", err)
	}
	ev := nextConn(t, conns).ev(t)
	if backend.request(0).Language != "de" {
		t.Errorf("expected session language de, got %q", backend.request(0).Language)
	}
	ev.Connected("conv")
	if err := m.SetLanguage("fr"); !errors.Is(err, ErrLanguageLocked) {
		t.Errorf("expected ErrLanguageLocked while connected, got %v", err)
	}
	if got := m.Snapshot().Language; got != "de" {
		t.Errorf("language changed while locked: %q", got)
	}

	m.Stop()
	if err := m.SetLanguage("fr"); err != nil {
		t.Errorf("SetLanguage after stop failed: %v", err)
	}
}

func TestBackendErrorMidSession(t *testing.T) {
	backend, conns := connBackend()
	rec := &fakeRecorder{}
	m := NewManager(testRegistry(t), backend, WithRecorder(rec))

	if err := m.Start("about", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := nextConn(t, conns)
	ev := conn.ev(t)
	ev.Connected("conv")
	ev.ModeChanged(ModeSpeaking)
	ev.Error("quota exceeded")

	snap := m.Snapshot()
	if snap.Phase != PhaseIdle || snap.LastError != "quota exceeded" || snap.IsSpeaking {
		t.Errorf("unexpected state after error: %+v", snap)
	}
	if conn.closeCount() != 1 {
		t.Errorf("expected handle released, got %d closes", conn.closeCount())
	}

	events := rec.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 recorder events, got %+v", events)
	}
	last := events[2]
	if last.kind != "ended" || last.outcome != models.OutcomeError || last.err == nil {
		t.Errorf("unexpected end record: %+v", last)
	}
	if last.info.ConnectedAt.IsZero() {
		t.Error("expected connected timestamp on end record")
	}
}

func TestBackendDisconnect(t *testing.T) {
	backend, conns := connBackend()
	m := NewManager(testRegistry(t), backend)

	if err := m.Start("homepage", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := nextConn(t, conns)
	ev := conn.ev(t)
	ev.Connected("conv")
	ev.ModeChanged(ModeListening)
	ev.Disconnected("agent ended call")

	snap := m.Snapshot()
	if snap.Phase != PhaseIdle || snap.IsListening || snap.LastError != "" {
		t.Errorf("unexpected state after disconnect: %+v", snap)
	}
	if conn.closeCount() != 1 {
		t.Errorf("expected handle released, got %d closes", conn.closeCount())
	}
}

func TestConnectTimeout(t *testing.T) {
	backend, conns := connBackend()
	rec := &fakeRecorder{}
	m := NewManager(testRegistry(t), backend, WithConnectTimeout(20*time.Millisecond), WithRecorder(rec))

	if err := m.Start("homepage", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := nextConn(t, conns)
	ev := conn.ev(t)

	testutil.WaitFor(t, "timeout", func() bool { return m.Snapshot().Phase == PhaseIdle })
	if got := m.Snapshot().LastError; got != ErrConnectTimeout.Error() {
		t.Errorf("expected timeout error, got %q", got)
	}
	if conn.closeCount() != 1 {
		t.Errorf("expected handle released, got %d closes", conn.closeCount())
	}

	ev.Connected("too late")
	if m.Snapshot().Phase != PhaseIdle {
		t.Error("late connected event applied after timeout")
	}
	events := rec.snapshot()
	if len(events) != 2 || events[1].outcome != models.OutcomeTimeout {
		t.Errorf("unexpected recorder events: %+v", events)
	}
}

func TestModeIgnoredUnlessConnected(t *testing.T) {
	backend, conns := connBackend()
	m := NewManager(testRegistry(t), backend)

	if err := m.Start("homepage", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ev := nextConn(t, conns).ev(t)
	ev.ModeChanged(ModeSpeaking)
	if snap := m.Snapshot(); snap.IsSpeaking || snap.IsListening {
		t.Errorf("mode applied while connecting: %+v", snap)
	}
	ev.Connected("conv")
	ev.ModeChanged("thinking")
	if snap := m.Snapshot(); snap.IsSpeaking || snap.IsListening {
		t.Errorf("expected neither flag for unknown mode: %+v", snap)
	}
	m.Stop()
}

func TestStopSwallowsCloseError(t *testing.T) {
	conn := newFakeConn()
	conn.closeErr = errors.New("socket already gone")
	backend := &fakeBackend{connect: func(ctx context.Context, req ConnectRequest) (Conn, error) {
		return conn, nil
	}}
	m := NewManager(testRegistry(t), backend)

	if err := m.Start("homepage", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn.ev(t).Connected("conv")
	m.Stop()
	if snap := m.Snapshot(); snap.Phase != PhaseIdle || snap.LastError != "" {
		t.Errorf("expected clean idle despite close error, got %+v", snap)
	}
}

func TestAudioRelay(t *testing.T) {
	backend, conns := connBackend()
	var sunk [][]byte
	var sinkMu sync.Mutex
	m := NewManager(testRegistry(t), backend, WithAudioSink(func(b []byte) {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		sunk = append(sunk, b)
	}))

	if err := m.SendAudio([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected while idle, got %v", err)
	}
	if err := m.Start("homepage", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := nextConn(t, conns)
	ev := conn.ev(t)
	ev.Audio([]byte{9})
	if err := m.SendAudio([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected while connecting, got %v", err)
	}

	ev.Connected("conv")
	if err := m.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	ev.Audio([]byte{3, 4})

	conn.mu.Lock()
	sent := len(conn.audio)
	conn.mu.Unlock()
	if sent != 1 {
		t.Errorf("expected 1 chunk sent to backend, got %d", sent)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if len(sunk) != 1 || sunk[0][0] != 3 {
		t.Errorf("expected only connected audio relayed to sink, got %v", sunk)
	}
	m.Stop()
}

func TestRecordContactTool(t *testing.T) {
	backend, conns := connBackend()
	got := make(chan ContactRequest, 1)
	m := NewManager(testRegistry(t), backend, WithContactHandler(func(ctx context.Context, req ContactRequest) error {
		got <- req
		return nil
	}))

	if err := m.Start("contact", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn := nextConn(t, conns)
	ev := conn.ev(t)
	req := backend.request(0)
	if len(req.Tools) != 1 || req.Tools[0].Name != RecordContactToolName {
		t.Fatalf("expected record_contact tool advertised, got %+v", req.Tools)
	}
	ev.Connected("conv")

	params, _ := json.Marshal(map[string]string{"name": "Ada", "email": "ada@example.com"})
	ev.ToolCall(ToolCall{ID: "call_1", Name: RecordContactToolName, Parameters: params})

	select {
	case contact := <-got:
		if contact.Name != "Ada" || contact.Email != "ada@example.com" || contact.ContextKey != "contact" || contact.SessionID != req.SessionID {
			t.Errorf("unexpected contact request: %+v", contact)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("contact handler not called")
	}
	res := <-conn.results
	if res.id != "call_1" || res.isError {
		t.Errorf("unexpected tool result: %+v", res)
	}

	ev.ToolCall(ToolCall{ID: "call_2", Name: "book_meeting"})
	res = <-conn.results
	if res.id != "call_2" || !res.isError {
		t.Errorf("expected error result for unknown tool, got %+v", res)
	}
	m.Stop()
}

func TestContactToolNotAdvertisedWithoutFlag(t *testing.T) {
	backend, conns := connBackend()
	m := NewManager(testRegistry(t), backend, WithContactHandler(func(ctx context.Context, req ContactRequest) error {
		return nil
	}))
	if err := m.Start("services", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	nextConn(t, conns)
	if tools := backend.request(0).Tools; len(tools) != 0 {
		t.Errorf("expected no tools for services context, got %+v", tools)
	}
	m.Stop()
}

func TestObserverSeesTransitionsInOrder(t *testing.T) {
	backend, conns := connBackend()
	var mu sync.Mutex
	var phases []Phase
	m := NewManager(testRegistry(t), backend, WithObserver(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, s.Phase)
	}))

	if err := m.Start("homepage", "en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	nextConn(t, conns).ev(t).Connected("conv")
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []Phase{PhaseConnecting, PhaseConnected, PhaseIdle}
	if len(phases) != len(want) {
		t.Fatalf("expected %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], phases[i])
		}
	}
}

func TestRecordersFanOut(t *testing.T) {
	a, b := &fakeRecorder{}, &fakeRecorder{}
	r := Recorders(a, nil, b)
	info := SessionInfo{SessionID: "s1"}
	r.SessionStarted(info)
	r.SessionEnded(info, models.OutcomeStopped, nil)
	if len(a.snapshot()) != 2 || len(b.snapshot()) != 2 {
		t.Errorf("expected both recorders to receive 2 calls, got %d and %d", len(a.snapshot()), len(b.snapshot()))
	}
}

func TestSessionInfoRecord(t *testing.T) {
	start := time.Now()
	info := SessionInfo{SessionID: "s1", ContextKey: "contact", Language: "en", StartedAt: start}
	rec := info.Record(models.OutcomeConnectFailed, errors.New("nope"), start.Add(time.Second))
	if rec.ConnectedAt != nil || rec.Error != "nope" || rec.Outcome != models.OutcomeConnectFailed {
		t.Errorf("unexpected record: %+v", rec)
	}
	info.ConnectedAt = start.Add(100 * time.Millisecond)
	rec = info.Record(models.OutcomeStopped, nil, start.Add(time.Second))
	if rec.ConnectedAt == nil || rec.Error != "" {
		t.Errorf("unexpected record: %+v", rec)
	}
}
