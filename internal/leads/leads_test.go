package leads

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SiteVoice/internal/models"
	"github.com/BTreeMap/SiteVoice/internal/store"
	"github.com/BTreeMap/SiteVoice/internal/voice"
)

func fixedClock() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestRecordStoresLeadAndQueuesNotification(t *testing.T) {
	st := store.NewInMemoryStore()
	triggered := 0
	svc := NewService(st, WithNotifyTo("+15550199"), WithTrigger(func() { triggered++ }), WithClock(fixedClock))

	lead, err := svc.Record(context.Background(), voice.ContactRequest{
		SessionID: "s1", ContextKey: "contact", Language: "en",
		Name: " Ada ", Email: "Ada@Example.com", Notes: "needs a quote",
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !strings.HasPrefix(lead.ID, "lead_") || lead.Email != "ada@example.com" || lead.Name != "Ada" {
		t.Errorf("unexpected lead: %+v", lead)
	}
	if !lead.CreatedAt.Equal(fixedClock()) {
		t.Errorf("expected injected clock, got %v", lead.CreatedAt)
	}

	stored, _ := st.ListLeads(0)
	if len(stored) != 1 || stored[0].ID != lead.ID {
		t.Fatalf("expected stored lead, got %+v", stored)
	}
	if triggered != 1 {
		t.Errorf("expected trigger once, got %d", triggered)
	}

	msgs, err := st.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one queued notification, got %v %v", msgs, err)
	}
	if msgs[0].Recipient != "+15550199" || msgs[0].Kind != OutboxKind || msgs[0].DedupeKey != "lead:s1:ada@example.com" {
		t.Errorf("unexpected outbox message: %+v", msgs[0])
	}

	body, err := RenderSMS(msgs[0])
	if err != nil {
		t.Fatalf("RenderSMS failed: %v", err)
	}
	for _, want := range []string{"(contact)", "Name: Ada", "Email: ada@example.com", "Notes: needs a quote"} {
		if !strings.Contains(body, want) {
			t.Errorf("SMS body %q missing %q", body, want)
		}
	}
	if strings.Contains(body, "Phone:") {
		t.Errorf("empty phone should be omitted: %q", body)
	}
}

func TestRepeatedToolCallIsDeduplicated(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := NewService(st, WithNotifyTo("+1"))
	req := voice.ContactRequest{SessionID: "s1", ContextKey: "contact", Phone: "+15550100"}
	for i := 0; i < 2; i++ {
		if err := svc.HandleContact(context.Background(), req); err != nil {
			t.Fatalf("HandleContact failed: %v", err)
		}
	}
	msgs, _ := st.ClaimDueOutboxMessages(time.Now(), 10)
	if len(msgs) != 1 {
		t.Errorf("expected one notification for repeated calls, got %d", len(msgs))
	}
}

func TestRecordRejectsMissingContact(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := NewService(st, WithNotifyTo("+1"))
	_, err := svc.Record(context.Background(), voice.ContactRequest{SessionID: "s1", Name: "Ada"})
	if !errors.Is(err, models.ErrMissingContact) {
		t.Fatalf("expected ErrMissingContact, got %v", err)
	}
	if leads, _ := st.ListLeads(0); len(leads) != 0 {
		t.Errorf("invalid lead was stored: %+v", leads)
	}
}

func TestRecordWithoutNotifyTarget(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := NewService(st)
	if _, err := svc.Record(context.Background(), voice.ContactRequest{SessionID: "s1", Email: "a@b.co"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if msgs, _ := st.ClaimDueOutboxMessages(time.Now(), 10); len(msgs) != 0 {
		t.Errorf("expected no notification, got %+v", msgs)
	}
}

type failingRepo struct{}

func (failingRepo) AddLead(models.Lead) error { return errors.New("disk full") }
func (failingRepo) EnqueueOutboxMessage(string, string, string, string) (string, error) {
	return "", nil
}

func TestRecordWrapsStoreError(t *testing.T) {
	svc := NewService(failingRepo{})
	_, err := svc.Record(context.Background(), voice.ContactRequest{SessionID: "s1", Email: "a@b.co"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}

func TestRenderSMSRejectsOtherKinds(t *testing.T) {
	if _, err := RenderSMS(store.OutboxMessage{Kind: "other"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := RenderSMS(store.OutboxMessage{Kind: OutboxKind, PayloadJSON: "{"}); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestSessionLogStoresEndedSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	log := NewSessionLog(st)
	log.now = fixedClock
	info := voice.SessionInfo{SessionID: "s1", ContextKey: "homepage", Language: "en", StartedAt: fixedClock().Add(-time.Minute)}

	log.SessionStarted(info)
	log.SessionConnected(info)
	log.SessionEnded(info, models.OutcomeConnectFailed, errors.New("connection failed: refused"))

	records, err := st.ListSessionRecords(0)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one record, got %v %v", records, err)
	}
	r := records[0]
	if r.Outcome != models.OutcomeConnectFailed || r.Error != "connection failed: refused" || !r.EndedAt.Equal(fixedClock()) {
		t.Errorf("unexpected record: %+v", r)
	}
}
