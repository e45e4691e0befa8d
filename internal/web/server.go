// Package web exposes the thin HTTP API over the sync engine and the
// cache store. Handlers only parse parameters, call into the core and
// marshal JSON; no business logic lives here.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"calhub/internal/config"
	applog "calhub/internal/log"
	"calhub/internal/model"
	"calhub/internal/syncer"
)

// Server serves the read and control endpoints.
type Server struct {
	cfg    *config.Config
	engine *syncer.Engine
	mux    *http.ServeMux
}

func NewServer(cfg *config.Config, engine *syncer.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/events/today", s.handleEventsToday)
	s.mux.HandleFunc("/api/events/week", s.handleEventsWeek)
	s.mux.HandleFunc("/api/calendars", s.handleCalendars)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/sync", s.handleSync)
	s.mux.HandleFunc("/api/sync/", s.handleSyncAccount)
}

// Handler returns the full handler chain, wrapping basic auth when
// configured. /health always stays unauthenticated.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if ba := s.cfg.Web.BasicAuth; ba != nil && ba.Username != "" && ba.Password != "" {
		applog.Info("HTTP basic auth enabled")
		h = basicAuth(h, ba.Username, ba.Password)
	}
	return h
}

func basicAuth(next http.Handler, username, password string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calhub", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	filter := model.EventFilter{}
	q := r.URL.Query()

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "invalid start: "+v)
			return
		}
		filter.StartAfter = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "invalid end: "+v)
			return
		}
		filter.EndBefore = t
	}
	if v := q.Get("account_ids"); v != "" {
		filter.AccountIDs = strings.Split(v, ",")
	}
	if v := q.Get("calendar_ids"); v != "" {
		filter.CalendarIDs = strings.Split(v, ",")
	}

	s.writeEvents(w, filter)
}

func (s *Server) handleEventsToday(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	s.writeEvents(w, model.EventFilter{StartAfter: start, EndBefore: start.AddDate(0, 0, 1)})
}

func (s *Server) handleEventsWeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	s.writeEvents(w, model.EventFilter{StartAfter: start, EndBefore: start.AddDate(0, 0, 7)})
}

func (s *Server) writeEvents(w http.ResponseWriter, filter model.EventFilter) {
	events, err := s.engine.Store().GetEvents(filter)
	if err != nil {
		applog.Error("events query failed", err)
		internalError(w)
		return
	}
	if events == nil {
		events = []model.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	calendars, err := s.engine.Store().GetCalendars(r.URL.Query().Get("account_id"))
	if err != nil {
		applog.Error("calendars query failed", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": calendars})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status := s.engine.Status()
	stats, err := s.engine.Store().Stats()
	if err != nil {
		applog.Error("cache stats failed", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sync":  status,
		"cache": stats,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.engine.ForceSync(); err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		applog.Error("force sync failed", err)
		internalError(w)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync started"})
}

func (s *Server) handleSyncAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	accountID := strings.TrimPrefix(r.URL.Path, "/api/sync/")
	if accountID == "" {
		badRequest(w, "missing account id")
		return
	}

	err := s.engine.SyncAccount(r.Context(), accountID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "account synced", "account_id": accountID})
	case errors.Is(err, syncer.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, syncer.ErrUnknownAccount):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		applog.Error("account sync failed", err, "account", accountID)
		internalError(w)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		applog.Error("encoding response", err)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func internalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}
