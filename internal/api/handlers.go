package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/SiteVoice/internal/models"
)

const (
	chatTimeout     = 30 * time.Second
	presenceTimeout = 2 * time.Second
)

// healthResponse is the /health result.
type healthResponse struct {
	Panels        int  `json:"panels"`
	ClusterPanels *int `json:"cluster_panels,omitempty"`
	Chat          bool `json:"chat"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Panels: s.deps.Tracker.Count(),
		Chat:   s.deps.Chat != nil,
	}
	if s.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(r.Context(), presenceTimeout)
		defer cancel()
		if total, err := s.deps.Presence.Total(ctx); err != nil {
			slog.Warn("Server.healthHandler: presence lookup failed", "error", err)
		} else {
			res.ClusterPanels = &total
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) listPromptsHandler(w http.ResponseWriter, r *http.Request) {
	configs := s.deps.Registry.ListAll()
	slog.Debug("Server.listPromptsHandler: listing prompt configurations", "count", len(configs))
	writeJSONResponse(w, http.StatusOK, models.Success(configs))
}

// promptResponse is the /prompts/{key} result. Exists is false when the default was used.
type promptResponse struct {
	Configuration models.PromptConfiguration `json:"configuration"`
	Exists        bool                       `json:"exists"`
}

func (s *Server) getPromptHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	writeJSONResponse(w, http.StatusOK, models.Success(promptResponse{
		Configuration: s.deps.Registry.Resolve(key),
		Exists:        s.deps.Registry.Exists(key),
	}))
}

// chatResponse is the /chat result.
type chatResponse struct {
	ContextKey string `json:"context_key"`
	Reply      string `json:"reply"`
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Text chat is not configured"))
		return
	}
	var req models.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		s.recordChat("invalid")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		s.recordChat("invalid")
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	cfg := s.deps.Registry.Resolve(req.ContextKey)
	ctx, cancel := context.WithTimeout(r.Context(), chatTimeout)
	defer cancel()
	reply, err := s.deps.Chat.Reply(ctx, cfg, req)
	if err != nil {
		slog.Error("Server.chatHandler: reply failed", "context", cfg.ContextKey, "error", err)
		s.recordChat("error")
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeJSONResponse(w, status, models.Error("Failed to generate a reply"))
		return
	}
	s.recordChat("ok")
	writeJSONResponse(w, http.StatusOK, models.Success(chatResponse{ContextKey: cfg.ContextKey, Reply: reply}))
}

func (s *Server) recordChat(status string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordChat(status)
	}
}

func (s *Server) listLeadsHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	leads, err := s.deps.Records.ListLeads(limit)
	if err != nil {
		slog.Error("Server.listLeadsHandler: failed to list leads", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list leads"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	records, err := s.deps.Records.ListSessionRecords(limit)
	if err != nil {
		slog.Error("Server.listSessionsHandler: failed to list session records", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list session records"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

// parseLimit reads the optional ?limit= query parameter. Zero means the store default.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
		return 0, false
	}
	return n, true
}
