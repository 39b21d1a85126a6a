package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"

	"github.com/BTreeMap/SiteVoice/internal/api"
	"github.com/BTreeMap/SiteVoice/internal/elevenlabs"
	"github.com/BTreeMap/SiteVoice/internal/genai"
	"github.com/BTreeMap/SiteVoice/internal/leads"
	"github.com/BTreeMap/SiteVoice/internal/lockfile"
	"github.com/BTreeMap/SiteVoice/internal/notify"
	"github.com/BTreeMap/SiteVoice/internal/panel"
	"github.com/BTreeMap/SiteVoice/internal/store"
	"github.com/BTreeMap/SiteVoice/internal/util"
	"github.com/BTreeMap/SiteVoice/internal/voice"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SiteVoice state data
	DefaultStateDir = "/var/lib/sitevoice"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "sitevoice.db"
	// DefaultConnectTimeout bounds how long a voice session may stay connecting
	DefaultConnectTimeout = 15 * time.Second
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if *flags.qr {
		if err := printPanelQR(os.Stdout, *flags.publicURL, *flags.context); err != nil {
			slog.Error("Failed to print panel QR code", "error", err)
			os.Exit(1)
		}
	}

	lock, err := lockStateDir(*flags.dbDSN)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}

	mods := buildModules(flags)
	apiOpts := buildAPIOptions(flags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SiteVoice with configured modules")
	slog.Debug("Module options counts", "store", len(mods.Store), "genai", len(mods.GenAI), "elevenlabs", len(mods.ElevenLabs),
		"voice", len(mods.Voice), "notify", len(mods.Notify), "leads", len(mods.Leads), "panel", len(mods.Panel), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	err = api.Run(ctx, mods, apiOpts...)
	lock.Release()
	if err != nil {
		slog.Error("SiteVoice failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SiteVoice exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	APIAddr          string
	PublicURL        string
	PromptsFile      string
	ElevenLabsKey    string
	ElevenLabsAgent  string
	ElevenLabsURL    string
	ConnectTimeout   time.Duration
	OpenAIKey        string
	OpenAIModel      string
	RedisURL         string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	LeadNotifyTo     string
	AllowedOrigins   string
	CORSAllowAll     bool
	AdminToken       string
}

// Flags holds command line flag values
type Flags struct {
	qr             *bool
	context        *string
	stateDir       *string
	dbDSN          *string
	apiAddr        *string
	publicURL      *string
	promptsFile    *string
	elevenLabsKey  *string
	agentID        *string
	elevenLabsURL  *string
	connectTimeout *time.Duration
	openaiKey      *string
	openaiModel    *string
	redisURL       *string
	twilioSID      *string
	twilioToken    *string
	twilioFrom     *string
	notifyTo       *string
	allowedOrigins *string
	corsAllowAll   *bool
	adminToken     *string
}

// initializeLogger sets up structured logging; the level defaults to debug.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelDebug
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         util.GetEnvWithDefault("SITEVOICE_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicURL:        os.Getenv("PUBLIC_URL"),
		PromptsFile:      os.Getenv("PROMPTS_FILE"),
		ElevenLabsKey:    os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsAgent:  os.Getenv("ELEVENLABS_AGENT_ID"),
		ElevenLabsURL:    os.Getenv("ELEVENLABS_BASE_URL"),
		ConnectTimeout:   util.ParseDurationEnv("CONNECT_TIMEOUT", DefaultConnectTimeout),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		LeadNotifyTo:     os.Getenv("LEAD_NOTIFY_TO"),
		AllowedOrigins:   os.Getenv("ALLOWED_ORIGINS"),
		CORSAllowAll:     util.ParseBoolEnv("CORS_ALLOW_ALL", false),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"SITEVOICE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"PROMPTS_FILE", config.PromptsFile,
		"ELEVENLABS_API_KEY_SET", config.ElevenLabsKey != "",
		"ELEVENLABS_AGENT_ID", config.ElevenLabsAgent,
		"CONNECT_TIMEOUT", config.ConnectTimeout,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"LEAD_NOTIFY_TO_SET", config.LeadNotifyTo != "",
		"CORS_ALLOW_ALL", config.CORSAllowAll,
		"ADMIN_TOKEN_SET", config.AdminToken != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		qr:             fs.Bool("qr", false, "print a QR code of the panel URL at startup"),
		context:        fs.String("qr-context", "", "context key appended to the QR panel URL"),
		stateDir:       fs.String("state-dir", config.StateDir, "state directory for SiteVoice data (overrides $SITEVOICE_STATE_DIR)"),
		dbDSN:          fs.String("db-dsn", config.DatabaseURL, "database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:        fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicURL:      fs.String("public-url", config.PublicURL, "public site URL hosting the panel (overrides $PUBLIC_URL)"),
		promptsFile:    fs.String("prompts-file", config.PromptsFile, "YAML prompt table (overrides $PROMPTS_FILE)"),
		elevenLabsKey:  fs.String("elevenlabs-api-key", config.ElevenLabsKey, "ElevenLabs API key (overrides $ELEVENLABS_API_KEY)"),
		agentID:        fs.String("agent-id", config.ElevenLabsAgent, "ElevenLabs agent ID (overrides $ELEVENLABS_AGENT_ID)"),
		elevenLabsURL:  fs.String("elevenlabs-base-url", config.ElevenLabsURL, "ElevenLabs API origin (overrides $ELEVENLABS_BASE_URL)"),
		connectTimeout: fs.Duration("connect-timeout", config.ConnectTimeout, "voice connect timeout, 0 disables (overrides $CONNECT_TIMEOUT)"),
		openaiKey:      fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key for text chat (overrides $OPENAI_API_KEY)"),
		openaiModel:    fs.String("openai-model", config.OpenAIModel, "OpenAI model for text chat (overrides $OPENAI_MODEL)"),
		redisURL:       fs.String("redis-url", config.RedisURL, "Redis URL for cluster presence (overrides $REDIS_URL)"),
		twilioSID:      fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:    fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:     fs.String("twilio-from", config.TwilioFromNumber, "Twilio sender number (overrides $TWILIO_FROM_NUMBER)"),
		notifyTo:       fs.String("lead-notify-to", config.LeadNotifyTo, "phone number notified of new leads (overrides $LEAD_NOTIFY_TO)"),
		allowedOrigins: fs.String("allowed-origins", config.AllowedOrigins, "comma-separated origins allowed to open panels (overrides $ALLOWED_ORIGINS)"),
		corsAllowAll:   fs.Bool("cors-allow-all", config.CORSAllowAll, "send permissive CORS headers (overrides $CORS_ALLOW_ALL)"),
		adminToken:     fs.String("admin-token", config.AdminToken, "bearer token for /leads and /sessions (overrides $ADMIN_TOKEN)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"qr", *flags.qr,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"agentID", *flags.agentID,
		"connectTimeout", *flags.connectTimeout,
		"openaiKeySet", *flags.openaiKey != "",
		"redisSet", *flags.redisURL != "")

	// Update database DSN if not explicitly set but state directory is provided
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// lockStateDir locks the directory holding a SQLite database so a second instance cannot
// write to it. Postgres and in-memory stores need no lock.
func lockStateDir(dsn string) (*lockfile.Lock, error) {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return nil, nil
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return lockfile.Acquire(filepath.Dir(path))
}

// buildModules assembles the per-module options passed to api.Run.
func buildModules(flags Flags) api.Modules {
	return api.Modules{
		Store:          buildStoreOptions(flags),
		GenAI:          buildGenAIOptions(flags),
		ElevenLabs:     buildElevenLabsOptions(flags),
		Voice:          buildVoiceOptions(flags),
		Notify:         buildNotifyOptions(flags),
		Leads:          buildLeadsOptions(flags),
		Panel:          buildPanelOptions(flags),
		PromptsFile:    *flags.promptsFile,
		RedisURL:       *flags.redisURL,
		SMSEnabled:     *flags.twilioSID != "" && *flags.twilioToken != "" && *flags.twilioFrom != "",
		GenAIEnabled:   *flags.openaiKey != "",
		OutboxInterval: api.DefaultOutboxPollInterval,
	}
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildElevenLabsOptions constructs voice backend options
func buildElevenLabsOptions(flags Flags) []elevenlabs.Option {
	var elOpts []elevenlabs.Option
	if *flags.elevenLabsURL != "" {
		elOpts = append(elOpts, elevenlabs.WithBaseURL(*flags.elevenLabsURL))
	}
	return elOpts
}

// buildVoiceOptions constructs session manager options shared by every panel
func buildVoiceOptions(flags Flags) []voice.Option {
	if *flags.agentID == "" {
		slog.Warn("No ElevenLabs agent ID configured, voice sessions will fail to connect")
	}
	return []voice.Option{
		voice.WithCredentials(voice.Credentials{APIKey: *flags.elevenLabsKey, AgentID: *flags.agentID}),
		voice.WithConnectTimeout(*flags.connectTimeout),
	}
}

// buildNotifyOptions constructs SMS notifier options
func buildNotifyOptions(flags Flags) []notify.Option {
	var notifyOpts []notify.Option
	if *flags.twilioSID != "" {
		notifyOpts = append(notifyOpts, notify.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		notifyOpts = append(notifyOpts, notify.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		notifyOpts = append(notifyOpts, notify.WithFromNumber(*flags.twilioFrom))
	}
	return notifyOpts
}

// buildLeadsOptions constructs lead capture options
func buildLeadsOptions(flags Flags) []leads.Option {
	var leadOpts []leads.Option
	if *flags.notifyTo != "" {
		leadOpts = append(leadOpts, leads.WithNotifyTo(*flags.notifyTo))
	}
	return leadOpts
}

// buildPanelOptions constructs panel host options
func buildPanelOptions(flags Flags) []panel.Option {
	var panelOpts []panel.Option
	if origins := splitList(*flags.allowedOrigins); len(origins) > 0 {
		panelOpts = append(panelOpts, panel.WithAllowedOrigins(origins...))
	}
	return panelOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.corsAllowAll {
		apiOpts = append(apiOpts, api.WithCORSAllowAll(true))
	}
	if *flags.adminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(*flags.adminToken))
	} else {
		slog.Warn("No ADMIN_TOKEN configured, /leads and /sessions are unauthenticated")
	}
	return apiOpts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// panelURL returns the site URL that opens the panel for contextKey.
func panelURL(publicURL, contextKey string) (string, error) {
	if publicURL == "" {
		return "", fmt.Errorf("public URL not set")
	}
	u, err := url.Parse(publicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid public URL %q", publicURL)
	}
	if contextKey != "" {
		q := u.Query()
		q.Set("voice", contextKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// printPanelQR writes a terminal QR code for the panel URL, for testing on a phone.
func printPanelQR(w io.Writer, publicURL, contextKey string) error {
	target, err := panelURL(publicURL, contextKey)
	if err != nil {
		return err
	}
	slog.Debug("Printing panel QR code", "url", target)
	qrterminal.GenerateHalfBlock(target, qrterminal.L, w)
	fmt.Fprintln(w, target)
	return nil
}
