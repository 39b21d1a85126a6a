// Package metrics exposes SiteVoice's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/SiteVoice/internal/models"
	"github.com/BTreeMap/SiteVoice/internal/voice"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "sitevoice"

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Panels and voice sessions
	PanelsOpen         prometheus.Gauge
	SessionsActive     prometheus.Gauge
	SessionsStarted    *prometheus.CounterVec
	SessionsEnded      *prometheus.CounterVec
	ConnectLatency     prometheus.Histogram
	SessionDuration    *prometheus.HistogramVec
	AudioBytesTotal    *prometheus.CounterVec
	ConfigurationMiss  prometheus.Counter
	LeadsCapturedTotal prometheus.Counter

	// Text chat fallback
	ChatRequestsTotal *prometheus.CounterVec
}

var _ voice.Recorder = (*Metrics)(nil)

// NewMetrics creates a Metrics instance with all metrics registered on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
		PanelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "panels_open",
			Help:      "Number of connected assistant panels",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_sessions_active",
			Help:      "Number of voice sessions connecting or connected",
		}),
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_sessions_started_total",
			Help:      "Total number of voice sessions started",
		}, []string{"context", "language"}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_sessions_ended_total",
			Help:      "Total number of voice sessions ended",
		}, []string{"outcome"}),
		ConnectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "voice_connect_seconds",
			Help:      "Time from start to connected",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 15},
		}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "voice_session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"context"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_audio_bytes_total",
			Help:      "Total audio bytes relayed",
		}, []string{"direction"}),
		ConfigurationMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_configuration_miss_total",
			Help:      "Context keys that fell back to the default configuration",
		}),
		LeadsCapturedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leads_captured_total",
			Help:      "Total number of leads captured by the assistant",
		}),
		ChatRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Total number of text chat requests",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.PanelsOpen,
		m.SessionsActive,
		m.SessionsStarted,
		m.SessionsEnded,
		m.ConnectLatency,
		m.SessionDuration,
		m.AudioBytesTotal,
		m.ConfigurationMiss,
		m.LeadsCapturedTotal,
		m.ChatRequestsTotal,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// PanelOpened records a new panel connection.
func (m *Metrics) PanelOpened() { m.PanelsOpen.Inc() }

// PanelClosed records a panel disconnect.
func (m *Metrics) PanelClosed() { m.PanelsOpen.Dec() }

// RecordAudio records relayed audio bytes. direction is "in" (microphone) or "out" (agent).
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if bytes > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordConfigurationMiss records a context key that resolved to the default.
func (m *Metrics) RecordConfigurationMiss() { m.ConfigurationMiss.Inc() }

// RecordLead records a captured lead.
func (m *Metrics) RecordLead() { m.LeadsCapturedTotal.Inc() }

// RecordChat records a chat request outcome ("ok", "error", "invalid").
func (m *Metrics) RecordChat(status string) { m.ChatRequestsTotal.WithLabelValues(status).Inc() }

func (m *Metrics) SessionStarted(info voice.SessionInfo) {
	m.SessionsActive.Inc()
	m.SessionsStarted.WithLabelValues(info.ContextKey, info.Language).Inc()
}

func (m *Metrics) SessionConnected(info voice.SessionInfo) {
	if !info.ConnectedAt.IsZero() {
		m.ConnectLatency.Observe(info.ConnectedAt.Sub(info.StartedAt).Seconds())
	}
}

func (m *Metrics) SessionEnded(info voice.SessionInfo, outcome models.SessionOutcome, err error) {
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(string(outcome)).Inc()
	if !info.ConnectedAt.IsZero() {
		m.SessionDuration.WithLabelValues(info.ContextKey).Observe(time.Since(info.ConnectedAt).Seconds())
	}
}

// PromptResolver is a prompt registry that can tell dedicated entries from the fallback.
type PromptResolver interface {
	Resolve(key string) models.PromptConfiguration
	Exists(key string) bool
}

type missCounter struct {
	PromptResolver
	m *Metrics
}

func (c missCounter) Resolve(key string) models.PromptConfiguration {
	if !c.Exists(key) {
		c.m.RecordConfigurationMiss()
	}
	return c.PromptResolver.Resolve(key)
}

// CountMisses wraps r so that keys resolving to the default are counted.
func (m *Metrics) CountMisses(r PromptResolver) PromptResolver {
	return missCounter{PromptResolver: r, m: m}
}
