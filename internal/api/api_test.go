package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SiteVoice/internal/metrics"
	"github.com/BTreeMap/SiteVoice/internal/models"
	"github.com/BTreeMap/SiteVoice/internal/presence"
	"github.com/BTreeMap/SiteVoice/internal/prompts"
	"github.com/BTreeMap/SiteVoice/internal/sessions"
	"github.com/BTreeMap/SiteVoice/internal/store"
	"github.com/BTreeMap/SiteVoice/internal/testutil"
)

type fakeChat struct {
	reply string
	err   error
	got   []models.PromptConfiguration
}

func (f *fakeChat) Reply(ctx context.Context, cfg models.PromptConfiguration, req models.ChatRequest) (string, error) {
	f.got = append(f.got, cfg)
	return f.reply, f.err
}

func newTestServer(t *testing.T, chat ChatClient, opts ...Option) (*Server, *store.InMemoryStore) {
	t.Helper()
	reg, err := prompts.LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault failed: %v", err)
	}
	st := store.NewInMemoryStore()
	deps := Deps{
		Registry: reg,
		Records:  st,
		Tracker:  sessions.NewTracker(),
		Metrics:  metrics.NewMetrics(""),
		Panels: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	}
	if chat != nil {
		deps.Chat = chat
	}
	return NewServer(deps, opts...), st
}

func do(t *testing.T, s *Server, method, path, body string, header ...string) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var payload any
	if body != "" {
		payload = body
	}
	req := testutil.NewRequest(t, method, path, payload)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	var resp models.APIResponse
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		resp = testutil.DecodeAPIResponse(t, rr)
	}
	return rr, resp
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.deps.Tracker.Register("p1", sessions.Handle{})
	pres := presence.NewMemoryStore(time.Minute)
	pres.Publish(context.Background(), "other", 4)
	s.deps.Presence = pres

	rr, resp := do(t, s, "GET", "/health", "")
	if rr.Code != http.StatusOK || resp.Status != "ok" {
		t.Fatalf("unexpected response %d %+v", rr.Code, resp)
	}
	result := resp.Result.(map[string]any)
	if result["panels"] != float64(1) || result["cluster_panels"] != float64(4) || result["chat"] != false {
		t.Errorf("unexpected health result: %+v", result)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestListPrompts(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr, resp := do(t, s, "GET", "/prompts", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	items := resp.Result.([]any)
	if len(items) != 5 {
		t.Fatalf("expected 5 configurations, got %d", len(items))
	}
	if first := items[0].(map[string]any); first["key"] != "homepage" {
		t.Errorf("expected table order, first = %v", first["key"])
	}
}

func TestGetPromptFallsBackToDefault(t *testing.T) {
	s, _ := newTestServer(t, nil)

	_, resp := do(t, s, "GET", "/prompts/contact", "")
	got := resp.Result.(map[string]any)
	if got["exists"] != true || got["configuration"].(map[string]any)["key"] != "contact" {
		t.Errorf("unexpected contact lookup: %+v", got)
	}

	_, resp = do(t, s, "GET", "/prompts/pricing-v2", "")
	got = resp.Result.(map[string]any)
	if got["exists"] != false || got["configuration"].(map[string]any)["key"] != "homepage" {
		t.Errorf("expected default configuration, got %+v", got)
	}
}

func TestChatNotConfigured(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr, resp := do(t, s, "POST", "/chat", `{"message":"hi"}`)
	if rr.Code != http.StatusServiceUnavailable || resp.Status != "error" {
		t.Errorf("expected 503 error, got %d %+v", rr.Code, resp)
	}
}

func TestChat(t *testing.T) {
	chat := &fakeChat{reply: "Happy to help!"}
	s, _ := newTestServer(t, chat)

	rr, resp := do(t, s, "POST", "/chat", `{"context_key":"services","message":"What do you offer?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	got := resp.Result.(map[string]any)
	if got["reply"] != "Happy to help!" || got["context_key"] != "services" {
		t.Errorf("unexpected chat result: %+v", got)
	}
	if len(chat.got) != 1 || chat.got[0].ContextKey != "services" {
		t.Errorf("chat client did not receive the resolved configuration: %+v", chat.got)
	}
}

func TestChatValidation(t *testing.T) {
	s, _ := newTestServer(t, &fakeChat{reply: "x"})
	cases := []string{
		`{not json`,
		`{"message":""}`,
		`{"message":"hi","unexpected":1}`,
		`{"message":"hi","history":[{"role":"system","content":"x"}]}`,
	}
	for _, body := range cases {
		if rr, _ := do(t, s, "POST", "/chat", body); rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestChatUpstreamError(t *testing.T) {
	s, _ := newTestServer(t, &fakeChat{err: errors.New("rate limited")})
	rr, resp := do(t, s, "POST", "/chat", `{"message":"hi"}`)
	if rr.Code != http.StatusBadGateway || strings.Contains(resp.Message, "rate limited") {
		t.Errorf("expected opaque 502, got %d %+v", rr.Code, resp)
	}
}

func TestLeadsAndSessionsRequireToken(t *testing.T) {
	s, st := newTestServer(t, nil, WithAdminToken("secret"))
	st.AddLead(models.Lead{ID: "lead_1", SessionID: "s1", Email: "ada@example.com", CreatedAt: time.Now()})
	st.AddSessionRecord(models.SessionRecord{SessionID: "s1", Outcome: models.OutcomeStopped, StartedAt: time.Now(), EndedAt: time.Now()})

	rr, _ := do(t, s, "GET", "/leads", "")
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "leads without token")
	if rr, _ := do(t, s, "GET", "/sessions", "", "Authorization", "Bearer wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", rr.Code)
	}

	rr, resp := do(t, s, "GET", "/leads?limit=10", "", "Authorization", "Bearer secret")
	if rr.Code != http.StatusOK || len(resp.Result.([]any)) != 1 {
		t.Errorf("unexpected leads response %d %+v", rr.Code, resp)
	}
	rr, resp = do(t, s, "GET", "/sessions", "", "Authorization", "Bearer secret")
	if rr.Code != http.StatusOK || len(resp.Result.([]any)) != 1 {
		t.Errorf("unexpected sessions response %d %+v", rr.Code, resp)
	}
	if rr, _ := do(t, s, "GET", "/leads?limit=-1", "", "Authorization", "Bearer secret"); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", rr.Code)
	}
}

func TestPanelsAndMetricsRoutes(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if rr, _ := do(t, s, "GET", "/voice/ws", ""); rr.Code != http.StatusTeapot {
		t.Errorf("expected panel handler, got %d", rr.Code)
	}
	do(t, s, "GET", "/health", "")
	rr, _ := do(t, s, "GET", "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `route="/health"`) {
		t.Errorf("expected request metrics with route label, got %d", rr.Code)
	}
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, nil, WithCORSAllowAll(true))
	rr, _ := do(t, s, "OPTIONS", "/chat", "")
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("unexpected preflight response %d %v", rr.Code, rr.Header())
	}

	s, _ = newTestServer(t, nil)
	rr, _ = do(t, s, "GET", "/health", "")
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should be off by default")
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}

func TestWriteJSONResponseFallback(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(func() {}))
	if rr.Code != http.StatusInternalServerError || !strings.Contains(rr.Body.String(), "Internal server error") {
		t.Errorf("expected fallback response, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestServeShutsDownPanels(t *testing.T) {
	s, _ := newTestServer(t, nil, WithShutdownTimeout(2*time.Second))
	cancelled := make(chan struct{})
	var unregister func()
	unregister = s.deps.Tracker.Register("p1", sessions.Handle{Cancel: func() {
		close(cancelled)
		unregister()
	}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serveListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	select {
	case <-cancelled:
	default:
		t.Error("open panel was not cancelled")
	}
}
