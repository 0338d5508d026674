package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursecal/internal/auth"
	"coursecal/internal/config"
	"coursecal/internal/events"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
	"coursecal/internal/store"
)

// Calendar is what the console needs from the event manager.
type Calendar interface {
	ListOccurrences(ctx context.Context, w model.Window, maxOccurrences int) ([]model.Occurrence, error)
	FetchEventDetails(ctx context.Context, id string) (model.Event, error)
	FetchDeletedOccurrences(ctx context.Context, id string) ([]model.RecurrenceException, error)
	CreateEvent(ctx context.Context, f events.Form, courseID string, role auth.Role) (model.Event, error)
	UpdateEvent(ctx context.Context, id string, f events.Form, courseID string, role auth.Role) (model.Event, error)
	DeleteEvent(ctx context.Context, id string, role auth.Role) error
	DeleteAllOccurrences(ctx context.Context, id string, role auth.Role) error
	DeleteOccurrence(ctx context.Context, id string, at time.Time, role auth.Role) error
	RestoreOccurrence(ctx context.Context, id string, at time.Time, role auth.Role) error
}

// RoleHeader carries the acting role, set by the auth proxy in front of the
// console.
const RoleHeader = "X-Acting-Role"

const occurrencesCacheTTL = 30 * time.Second

// Server is the console backend: a JSON API over the event manager, a
// printable calendar page and an ICS feed.
type Server struct {
	cfg   *config.Config
	cal   Calendar
	store store.Store
	mux   *http.ServeMux
	now   func() time.Time

	cacheMu sync.RWMutex
	cache   *occurrencesCache
}

func NewServer(cfg *config.Config, cal Calendar, st store.Store) *Server {
	if st == nil {
		st = store.NewMemory()
	}
	s := &Server{
		cfg:   cfg,
		cal:   cal,
		store: st,
		mux:   http.NewServeMux(),
		now:   time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the routes wrapped in request logging and, when configured,
// basic auth.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return requestLogger(h)
}

// StartServer serves s until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, s *Server) error {
	cfg := s.cfg
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		appLog.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)
	s.mux.HandleFunc("PATCH /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}/occurrences", s.handleDeleteOccurrences)
	s.mux.HandleFunc("POST /api/events/{id}/occurrences/restore", s.handleRestoreOccurrence)
	s.mux.HandleFunc("GET /api/events/{id}/exceptions", s.handleExceptions)

	s.mux.HandleFunc("GET /api/view", s.handleGetView)
	s.mux.HandleFunc("PUT /api/view", s.handlePutView)

	s.mux.HandleFunc("GET /calendar", s.handleCalendarPage)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendarFeed)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards everything except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="coursecal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger tags every request with an X-Request-ID and logs it.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		appLog.Debug("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"latency", time.Since(start),
		)
	})
}

// actingRole reads the role header, falling back to the configured default.
func (s *Server) actingRole(r *http.Request) auth.Role {
	if v := r.Header.Get(RoleHeader); v != "" {
		return auth.ParseRole(v)
	}
	if s.cfg != nil {
		return auth.ParseRole(s.cfg.ActingRole)
	}
	return auth.RoleUser
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

type errResp struct {
	Error  string              `json:"error"`
	Kind   string              `json:"kind,omitempty"`
	Fields []events.FieldError `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}

// writeManagerError maps a manager failure to a status code.
func writeManagerError(w http.ResponseWriter, err error) {
	var e *events.Error
	if !errors.As(err, &e) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusBadGateway
	switch e.Kind {
	case events.KindValidation:
		status = http.StatusBadRequest
	case events.KindPermission:
		status = http.StatusForbidden
	case events.KindNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, errResp{Error: e.Message, Kind: e.Kind.String(), Fields: e.Fields})
}
