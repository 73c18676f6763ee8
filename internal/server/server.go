// Package server implements the HTTP surface (spec §6): POST /ask,
// POST /chain, GET /logs, GET /metrics (+ /metrics/prom), GET /health,
// and the GET/DELETE /memory/* routes, grounded on the teacher's
// go-chi/chi-based pkg/server/http.go.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ensemble-run/ensemble/internal/apperr"
	"github.com/ensemble-run/ensemble/internal/chain"
	"github.com/ensemble-run/ensemble/internal/observability"
	"github.com/ensemble-run/ensemble/internal/provider"
	"github.com/ensemble-run/ensemble/internal/session"
	"github.com/ensemble-run/ensemble/internal/store"
)

// Server wires the Chain Runtime, Conversation Store and observability
// snapshots to an HTTP router.
type Server struct {
	runtime   *chain.Runtime
	store     *store.Store
	providers *provider.Registry
	metrics   *observability.Metrics
	uptime    *observability.Uptime
	log       *slog.Logger

	router chi.Router
}

// New builds a Server. metrics may be nil to disable the /metrics/prom
// scrape route.
func New(rt *chain.Runtime, st *store.Store, providers *provider.Registry, metrics *observability.Metrics, log *slog.Logger) *Server {
	s := &Server{
		runtime:   rt,
		store:     st,
		providers: providers,
		metrics:   metrics,
		uptime:    observability.NewUptime(time.Now()),
		log:       log,
	}
	s.router = s.routes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.touchUptime)
	r.Use(s.logRequests)

	r.Post("/ask", s.handleAsk)
	r.Post("/chain", s.handleChain)
	r.Get("/logs", s.handleLogs)
	r.Get("/metrics", s.handleMetrics)
	if s.metrics != nil {
		r.Handle("/metrics/prom", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	r.Get("/health", s.handleHealth)
	r.Get("/memory/search", s.handleMemorySearch)
	r.Get("/memory/recent", s.handleMemoryRecent)
	r.Get("/memory/stats", s.handleMemoryStats)
	r.Delete("/memory/{id}", s.handleMemoryDelete)
	return r
}

func (s *Server) touchUptime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.uptime.Touch(time.Now())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("http request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

type askRequest struct {
	Agent          string `json:"agent"`
	Prompt         string `json:"prompt"`
	SessionID      string `json:"session_id,omitempty"`
	OverrideModel  string `json:"override_model,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.InvalidInput("malformed request body: %s", err.Error()))
		return
	}
	if req.Agent == "" || req.Prompt == "" {
		writeError(w, apperr.InvalidInput("agent and prompt are required"))
		return
	}

	result, err := s.runtime.Ask(r.Context(), req.Agent, req.Prompt, session.SourceAPI, req.SessionID, req.OverrideModel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type chainRequest struct {
	Prompt        string `json:"prompt"`
	SessionID     string `json:"session_id,omitempty"`
	OverrideModel string `json:"override_model,omitempty"`
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.InvalidInput("malformed request body: %s", err.Error()))
		return
	}
	if req.Prompt == "" {
		writeError(w, apperr.InvalidInput("prompt is required"))
		return
	}

	results, err := s.runtime.RunChain(r.Context(), req.Prompt, session.SourceAPI, req.SessionID, req.OverrideModel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	recs, err := s.store.Recent(r.Context(), "", limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := observability.BuildMetricsSnapshot(r.Context(), s.store)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := observability.BuildHealthSnapshot(r.Context(), s.store, s.providers, s.uptime, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, apperr.InvalidInput("q is required"))
		return
	}
	agent := r.URL.Query().Get("agent")
	limit := intQuery(r, "limit", 50)

	recs, err := s.store.Search(r.Context(), q, agent, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleMemoryRecent(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	limit := intQuery(r, "limit", 50)

	recs, err := s.store.Recent(r.Context(), agent, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.CountConversations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	overall, byAgent, byModel, err := s.store.Stats24h(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_conversations": total,
		"last_24h":            overall,
		"by_agent":            byAgent,
		"by_model":            byModel,
	})
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, apperr.InvalidInput("invalid conversation id %q", idStr))
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps an apperr.Kind to the spec §7 HTTP status and writes a
// JSON error body.
func writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

func statusFor(err error) (int, apperr.Kind) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, ""
	}
	switch appErr.Kind {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest, appErr.Kind
	case apperr.KindConfigError:
		return http.StatusInternalServerError, appErr.Kind
	case apperr.KindAllProvidersFailed, apperr.KindAllCriticsFailed:
		return http.StatusBadGateway, appErr.Kind
	case apperr.KindStageFailed:
		if inner, ok := statusForCause(appErr.Cause); ok {
			return inner, appErr.Kind
		}
		return http.StatusInternalServerError, appErr.Kind
	case apperr.KindStoreError:
		return http.StatusInternalServerError, appErr.Kind
	default:
		return http.StatusInternalServerError, appErr.Kind
	}
}

// statusForCause looks one level into a StageFailed's wrapped cause for a
// more specific status, without adopting StageFailed's own generic 500.
func statusForCause(cause error) (int, bool) {
	var appErr *apperr.Error
	if !errors.As(cause, &appErr) {
		return 0, false
	}
	status, _ := statusFor(appErr)
	return status, true
}
