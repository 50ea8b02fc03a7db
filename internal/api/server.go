// Package api exposes the operator HTTP interface for the sentry service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forumsentry/forumsentry/internal/discovery"
	"github.com/forumsentry/forumsentry/internal/metrics"
	"github.com/forumsentry/forumsentry/internal/monitor"
	"github.com/forumsentry/forumsentry/internal/scheduler"
)

// ProbeTrigger starts a manual probe of one target.
type ProbeTrigger interface {
	ProbeNow(ctx context.Context, id string) error
}

// Config controls the HTTP surface.
type Config struct {
	// APIKey protects all routes when non-empty.
	APIKey string
	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the target store and the scheduler.
type Server struct {
	router  chi.Router
	store   monitor.TargetStore
	trigger ProbeTrigger
	poller  *discovery.Poller
	idGen   monitor.IDGenerator
	clock   monitor.Clock
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The discovery
// poller is optional.
func NewServer(
	store monitor.TargetStore,
	trigger ProbeTrigger,
	poller *discovery.Poller,
	idGen monitor.IDGenerator,
	clock monitor.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		store:   store,
		trigger: trigger,
		poller:  poller,
		idGen:   idGen,
		clock:   clock,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.listTargets)
			r.Post("/", s.createTarget)
			r.Route("/{target_id}", func(r chi.Router) {
				r.Get("/", s.getTarget)
				r.Delete("/", s.deleteTarget)
				r.Post("/probe", s.probeTarget)
			})
		})
		r.Get("/discovery/history", s.discoveryHistory)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.LoadAll(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "target store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// targetView is the API shape of a target; the registration secret never
// leaves the service.
type targetView struct {
	ID              string                   `json:"id"`
	URL             string                   `json:"url"`
	Handle          string                   `json:"handle"`
	Email           string                   `json:"email"`
	Status          monitor.Status           `json:"status"`
	LastCheck       time.Time                `json:"last_check"`
	ForumType       string                   `json:"forum_type,omitempty"`
	RobotsHints     []string                 `json:"robots_hints,omitempty"`
	InvitationCodes []monitor.InvitationCode `json:"invitation_codes,omitempty"`
	Log             []monitor.LogEntry       `json:"log,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
}

func viewOf(t monitor.Target) targetView {
	return targetView{
		ID:              t.ID,
		URL:             t.URL,
		Handle:          t.Credentials.Handle,
		Email:           t.Credentials.Email,
		Status:          t.Status,
		LastCheck:       t.LastCheck,
		ForumType:       t.ForumType,
		RobotsHints:     t.RobotsHints,
		InvitationCodes: t.InvitationCodes,
		Log:             t.Log,
		CreatedAt:       t.CreatedAt,
	}
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.LoadAll(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	views := make([]targetView, 0, len(targets))
	for _, t := range targets {
		views = append(views, viewOf(t))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"targets": views})
}

type createTargetRequest struct {
	URL    string `json:"url"`
	Handle string `json:"handle"`
	Email  string `json:"email"`
	Secret string `json:"secret"`
}

func (s *Server) createTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateTargetURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to generate target id")
		return
	}
	target := monitor.Target{
		ID:  id,
		URL: req.URL,
		Credentials: monitor.Credentials{
			Handle: req.Handle,
			Email:  req.Email,
			Secret: req.Secret,
		},
		Status:    monitor.StatusIdle,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.Upsert(r.Context(), target); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store target")
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(target))
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target_id")
	target, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "target not found")
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(target))
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target_id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, http.StatusNotFound, "target not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "deleted": "true"})
}

func (s *Server) probeTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target_id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		s.writeError(w, http.StatusNotFound, "target not found")
		return
	}
	switch err := s.trigger.ProbeNow(r.Context(), id); {
	case errors.Is(err, scheduler.ErrProbeInFlight):
		s.writeError(w, http.StatusConflict, "probe already in flight")
	case errors.Is(err, scheduler.ErrTargetRegistered):
		s.writeError(w, http.StatusConflict, "target is already registered")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "probing"})
	}
}

func (s *Server) discoveryHistory(w http.ResponseWriter, _ *http.Request) {
	history := []discovery.HistoryEntry{}
	if s.poller != nil {
		history = s.poller.History()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func validateTargetURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid target url %q", raw)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
