package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/SiteVoice/internal/elevenlabs"
	"github.com/BTreeMap/SiteVoice/internal/genai"
	"github.com/BTreeMap/SiteVoice/internal/leads"
	"github.com/BTreeMap/SiteVoice/internal/metrics"
	"github.com/BTreeMap/SiteVoice/internal/notify"
	"github.com/BTreeMap/SiteVoice/internal/panel"
	"github.com/BTreeMap/SiteVoice/internal/presence"
	"github.com/BTreeMap/SiteVoice/internal/prompts"
	"github.com/BTreeMap/SiteVoice/internal/sessions"
	"github.com/BTreeMap/SiteVoice/internal/store"
	"github.com/BTreeMap/SiteVoice/internal/voice"
)

// DefaultOutboxPollInterval is how often queued lead notifications are retried.
const DefaultOutboxPollInterval = 30 * time.Second

// Modules carries the per-module options assembled by the entrypoint.
type Modules struct {
	Store      []store.Option
	GenAI      []genai.Option
	ElevenLabs []elevenlabs.Option
	Voice      []voice.Option
	Notify     []notify.Option
	Leads      []leads.Option
	Panel      []panel.Option

	PromptsFile    string // empty uses the embedded table
	RedisURL       string // empty keeps presence in process
	SMSEnabled     bool   // send lead notifications through Twilio
	GenAIEnabled   bool   // serve /chat
	OutboxInterval time.Duration
}

// Run wires every module, serves until ctx is done and then shuts everything down.
func Run(ctx context.Context, mods Modules, apiOpts ...Option) error {
	reg, err := loadRegistry(mods.PromptsFile)
	if err != nil {
		return err
	}

	st, err := store.Open(mods.Store...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	m := metrics.NewMetrics(metrics.DefaultNamespace)
	tracker := sessions.NewTracker()

	bgCtx, stopBackground := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	defer func() {
		stopBackground()
		bg.Wait()
	}()

	// Lead notifications.
	var notifier notify.Notifier = notify.LogNotifier{}
	if mods.SMSEnabled {
		sms, err := notify.NewSMSClient(mods.Notify...)
		if err != nil {
			return fmt.Errorf("failed to create SMS client: %w", err)
		}
		notifier = sms
	}
	sender := store.NewOutboxSender(st, notify.OutboxSendFunc(notifier, leads.RenderSMS), mods.OutboxInterval)
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Warn("Run: outbox recovery failed", "error", err)
	}
	bg.Add(1)
	go func() {
		defer bg.Done()
		sender.Run(bgCtx)
	}()

	leadSvc := leads.NewService(st, append([]leads.Option{leads.WithTrigger(sender.Trigger)}, mods.Leads...)...)
	contactHandler := func(ctx context.Context, req voice.ContactRequest) error {
		if err := leadSvc.HandleContact(ctx, req); err != nil {
			return err
		}
		m.RecordLead()
		return nil
	}

	// Presence.
	var pres presence.Store
	if mods.RedisURL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rs, err := presence.NewRedisStoreFromURL(pingCtx, mods.RedisURL, presence.DefaultTTL)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect presence store: %w", err)
		}
		pres = rs
	} else {
		pres = presence.NewMemoryStore(presence.DefaultTTL)
	}
	defer pres.Close()
	instanceID := uuid.NewString()
	bg.Add(1)
	go func() {
		defer bg.Done()
		presence.Heartbeat(bgCtx, pres, instanceID, tracker.Count, presence.DefaultTTL/3)
	}()

	// Voice panels.
	voiceOpts := append([]voice.Option{
		voice.WithContactHandler(contactHandler),
		voice.WithRecorder(voice.Recorders(leads.NewSessionLog(st), m)),
	}, mods.Voice...)
	panelOpts := append([]panel.Option{
		panel.WithTracker(tracker),
		panel.WithMetrics(m),
		panel.WithManagerOptions(voiceOpts...),
	}, mods.Panel...)
	panels := panel.NewServer(m.CountMisses(reg), elevenlabs.New(mods.ElevenLabs...), panelOpts...)

	deps := Deps{
		Registry: reg,
		Records:  st,
		Panels:   panels,
		Tracker:  tracker,
		Presence: pres,
		Metrics:  m,
	}
	if mods.GenAIEnabled {
		chat, err := genai.NewClient(mods.GenAI...)
		if err != nil {
			return fmt.Errorf("failed to create GenAI client: %w", err)
		}
		deps.Chat = chat
	} else {
		slog.Info("Run: OpenAI key not configured, text chat disabled")
	}

	slog.Info("Run: SiteVoice starting", "instance", instanceID, "contexts", len(reg.ListAll()), "sms", mods.SMSEnabled, "chat", deps.Chat != nil)
	err = NewServer(deps, apiOpts...).Serve(ctx)

	// Workers go before the stores they write to.
	stopBackground()
	bg.Wait()
	return err
}

func loadRegistry(path string) (*prompts.Registry, error) {
	if path == "" {
		return prompts.LoadDefault()
	}
	reg, err := prompts.LoadFile(path)
	if err != nil {
		return nil, err
	}
	slog.Info("Run: loaded prompt table", "path", path)
	return reg, nil
}
