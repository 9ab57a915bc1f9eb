// Package httpapi exposes the chat service over HTTP: REST endpoints for
// one-shot messages, growth and retention reads, and a websocket for
// streaming conversations.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leafwise/sprout/internal/companion"
	"github.com/leafwise/sprout/internal/config"
	"github.com/leafwise/sprout/internal/growth"
	"github.com/leafwise/sprout/internal/llm"
	"github.com/leafwise/sprout/internal/observability"
	"github.com/leafwise/sprout/internal/persona"
	"github.com/leafwise/sprout/internal/prompt"
	"github.com/leafwise/sprout/internal/retention"
	"github.com/leafwise/sprout/internal/session"
	"github.com/leafwise/sprout/internal/store"
)

// Orchestrator is the conversational pipeline behind the chat endpoints.
type Orchestrator interface {
	SendMessage(ctx context.Context, req companion.SendRequest) (companion.SendResult, error)
	SendMessageStream(ctx context.Context, req companion.SendRequest, onDelta llm.DeltaHandler) (companion.SendResult, error)
}

// Deps bundles everything the server serves. Tracker and Retention may be
// nil in tests that only exercise chat routes.
type Deps struct {
	Config    config.Config
	Sessions  *session.Manager
	Orch      Orchestrator
	Tracker   *growth.Tracker
	Retention *retention.Manager
	Policy    retention.Policy
	Personas  *persona.Catalog
	Metrics   *observability.Metrics
	Log       zerolog.Logger
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	orch      Orchestrator
	tracker   *growth.Tracker
	retention *retention.Manager
	policy    retention.Policy
	personas  *persona.Catalog
	metrics   *observability.Metrics
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

func New(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		sessions:  d.Sessions,
		orch:      d.Orch,
		tracker:   d.Tracker,
		retention: d.Retention,
		policy:    d.Policy,
		personas:  d.Personas,
		metrics:   d.Metrics,
		log:       d.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin only unless explicitly opened up, so other
				// websites cannot drive a user's chat session.
				if d.Config.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat/message", s.handleChatMessage)
	r.Post("/v1/chat/session", s.handleCreateSession)
	r.Post("/v1/chat/session/{id}/end", s.handleEndSession)
	r.Get("/v1/chat/ws", s.handleSessionWS)
	r.Get("/v1/personas", s.handleListPersonas)
	r.Get("/v1/growth/{userID}", s.handleGrowth)
	r.Get("/v1/growth/{userID}/milestones", s.handleMilestones)
	r.Post("/v1/retention/retarget", s.handleRetarget)
	r.Get("/v1/retention/jobs/{id}", s.handleRetargetJob)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"generate_mode":   s.cfg.GenerateMode,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type chatMessageRequest struct {
	UserID    string `json:"user_id"`
	Tier      string `json:"tier"`
	PersonaID string `json:"persona_id"`
	Mode      string `json:"mode"`
	Text      string `json:"text"`
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req chatMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.applyIdentityDefaults(&req.Tier, &req.PersonaID)

	res, err := s.orch.SendMessage(r.Context(), companion.SendRequest{
		UserID:    req.UserID,
		Tier:      req.Tier,
		PersonaID: req.PersonaID,
		Mode:      req.Mode,
		Text:      req.Text,
	})
	if err != nil {
		if companion.IsValidation(err) {
			respondError(w, http.StatusBadRequest, "invalid_message", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "message processing failed")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// applyIdentityDefaults fills the fields a gateway normally supplies:
// cheapest tier, first catalog persona.
func (s *Server) applyIdentityDefaults(tier, personaID *string) {
	if strings.TrimSpace(*tier) == "" {
		*tier = "free"
	}
	if strings.TrimSpace(*personaID) == "" {
		if list := s.personas.List(); len(list) > 0 {
			*personaID = list[0].ID
		}
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	s.applyIdentityDefaults(&req.Tier, &req.PersonaID)
	if _, err := s.personas.Get(req.PersonaID); err != nil {
		respondError(w, http.StatusBadRequest, "unknown_persona", err.Error())
		return
	}
	if _, err := s.policy.Days(req.Tier); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_tier", err.Error())
		return
	}
	mode, err := prompt.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}

	sess := s.sessions.Create(req.UserID, req.PersonaID, req.Tier, string(mode))
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		PersonaID:       sess.PersonaID,
		Tier:            sess.Tier,
		Mode:            sess.Mode,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"personas": s.personas.List()})
}

type growthResponse struct {
	UserID           string `json:"user_id"`
	Stage            int    `json:"stage"`
	CumulativeSize   int64  `json:"cumulative_size"`
	NextThreshold    *int64 `json:"next_threshold,omitempty"`
	LastMilestoneDay string `json:"last_milestone_day,omitempty"`
}

func (s *Server) handleGrowth(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	snap, err := s.tracker.Snapshot(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "growth state unavailable")
		return
	}
	resp := growthResponse{
		UserID:           userID,
		Stage:            snap.Stage,
		CumulativeSize:   snap.CumulativeSize,
		LastMilestoneDay: snap.LastMilestoneDay,
	}
	if next, ok := s.tracker.NextThreshold(snap.Stage); ok {
		resp.NextThreshold = &next
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMilestones(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := 30
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if n > 100 {
			n = 100
		}
		limit = n
	}
	ms, err := s.tracker.Milestones(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "milestones unavailable")
		return
	}
	if ms == nil {
		ms = []store.MilestoneRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "milestones": ms})
}

type retargetRequest struct {
	UserID  string `json:"user_id"`
	NewTier string `json:"new_tier"`
}

func (s *Server) handleRetarget(w http.ResponseWriter, r *http.Request) {
	var req retargetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	if _, err := s.policy.Days(req.NewTier); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_tier", err.Error())
		return
	}

	job, err := s.retention.Retarget(r.Context(), req.UserID, req.NewTier)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "could not persist retarget job")
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRetargetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.retention.Job(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job_not_found", "no such retarget job")
			return
		}
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "job state unavailable")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
