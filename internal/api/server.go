// Package api provides the HTTP API for observing and steering a simulation.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (player and operator control).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/talgya/chainsim/internal/archive"
	"github.com/talgya/chainsim/internal/engine"
	"github.com/talgya/chainsim/internal/policy"
)

// Server serves one simulation over HTTP.
type Server struct {
	Sim      *engine.Simulation
	Clock    *engine.Clock
	DB       *archive.DB // Optional; completed runs are archived when set
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	autoplayMu     sync.Mutex
	cancelAutoplay context.CancelFunc
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	advanceLimiter := NewRateLimiter(120, time.Minute)

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/report", s.handleReport)
	mux.HandleFunc("GET /api/v1/runs", s.handleRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}/history", s.handleRunHistory)

	// Control endpoints (POST, require bearer token).
	mux.HandleFunc("POST /api/v1/advance", s.adminOnly(RateLimitMiddleware(advanceLimiter, s.handleAdvance)))
	mux.HandleFunc("POST /api/v1/reset", s.adminOnly(s.handleReset))
	mux.HandleFunc("POST /api/v1/autoplay", s.adminOnly(s.handleAutoplay))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := http.ListenAndServe(addr, s.Handler()); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "control endpoints disabled (no CHAINSIM_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) status() map[string]any {
	status := map[string]any{
		"run_id":      s.Sim.RunID(),
		"scenario":    s.Sim.Scenario().Name,
		"period":      s.Sim.Period(),
		"max_periods": s.Sim.Scenario().MaxPeriods,
		"phase":       s.Sim.Phase(),
		"total_cost":  s.Sim.TotalCost(),
		"lines":       s.Sim.Lines(),
		"archive":     s.DB != nil,
	}
	if s.Clock != nil {
		status["autoplay"] = map[string]any{
			"running":     s.Clock.Running(),
			"paused":      s.Clock.Paused(),
			"interval_ms": s.Clock.Interval().Milliseconds(),
		}
	}
	return status
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Sim.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.Sim.History()

	// Optional echelon filter.
	if name := r.URL.Query().Get("echelon"); name != "" {
		var filtered []engine.HistoryEntry
		for _, h := range history {
			if h.Echelon == name {
				filtered = append(filtered, h)
			}
		}
		history = filtered
	}
	if history == nil {
		history = []engine.HistoryEntry{}
	}
	writeJSON(w, history)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events := s.Sim.Events()

	// Optional severity filter.
	if sev := r.URL.Query().Get("severity"); sev != "" {
		var filtered []engine.Event
		for _, e := range events {
			if string(e.Severity) == sev {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	start := 0
	if len(events) > limit {
		start = len(events) - limit
	}
	if events == nil {
		events = []engine.Event{}
	}
	writeJSON(w, events[start:])
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Sim.Report())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "archive disabled (no CHAINSIM_DB set)", http.StatusNotFound)
		return
	}
	runs, err := s.DB.RecentRuns(r.Context(), 20)
	if err != nil {
		slog.Error("list runs failed", "error", err)
		http.Error(w, "list runs failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "archive disabled (no CHAINSIM_DB set)", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	rows, err := s.DB.RunHistory(r.Context(), id)
	if err != nil {
		slog.Error("run history failed", "run", id, "error", err)
		http.Error(w, "run history failed", http.StatusInternalServerError)
		return
	}
	if len(rows) == 0 {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Orders map[string]int `json:"orders"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json: orders must be whole numbers keyed by line", http.StatusBadRequest)
			return
		}
	}

	res, err := s.Sim.AdvancePeriod(r.Context(), req.Orders)
	switch {
	case errors.Is(err, engine.ErrComplete):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, policy.ErrInvalidOrder), errors.Is(err, engine.ErrUnknownLine):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("advance failed", "error", err)
		http.Error(w, "advance failed", http.StatusInternalServerError)
		return
	}

	if res.Phase == engine.PhaseComplete {
		s.ArchiveRun(r.Context())
	}
	writeJSON(w, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.stopAutoplay()
	if err := s.Sim.Reset(); err != nil {
		slog.Error("reset failed", "error", err)
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}
	slog.Info("simulation reset", "run", s.Sim.RunID())
	writeJSON(w, s.status())
}

func (s *Server) handleAutoplay(w http.ResponseWriter, r *http.Request) {
	if s.Clock == nil {
		http.Error(w, "autoplay not available", http.StatusNotFound)
		return
	}
	var req struct {
		Action     string `json:"action"` // start, pause, resume, stop
		IntervalMS int    `json:"interval_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.IntervalMS < 0 || req.IntervalMS > 600_000 {
		http.Error(w, "interval_ms must be 0-600000", http.StatusBadRequest)
		return
	}
	if req.IntervalMS > 0 {
		s.Clock.SetInterval(time.Duration(req.IntervalMS) * time.Millisecond)
	}

	switch req.Action {
	case "start":
		if !s.startAutoplay() {
			http.Error(w, "autoplay already running or run complete", http.StatusConflict)
			return
		}
	case "pause":
		s.Clock.Pause()
	case "resume":
		s.Clock.Resume()
	case "stop":
		s.stopAutoplay()
	case "":
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", req.Action), http.StatusBadRequest)
		return
	}
	slog.Info("autoplay changed", "action", req.Action, "interval", s.Clock.Interval())
	writeJSON(w, s.status())
}

// startAutoplay runs the clock in the background. It returns false if the
// clock is already running or there is nothing left to play.
func (s *Server) startAutoplay() bool {
	s.autoplayMu.Lock()
	defer s.autoplayMu.Unlock()
	if s.Clock.Running() || s.cancelAutoplay != nil || s.Sim.Complete() {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelAutoplay = cancel
	s.Clock.Resume()

	go func() {
		defer func() {
			s.autoplayMu.Lock()
			s.cancelAutoplay = nil
			s.autoplayMu.Unlock()
			cancel()
		}()
		if err := s.Clock.Run(ctx, s.Sim); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("autoplay stopped", "error", err)
		}
	}()
	return true
}

func (s *Server) stopAutoplay() {
	s.autoplayMu.Lock()
	cancel := s.cancelAutoplay
	s.autoplayMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ArchiveRun stores the current run if an archive is configured. Failures
// are logged; the simulation is unaffected.
func (s *Server) ArchiveRun(ctx context.Context) {
	if s.DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.DB.SaveRun(ctx, s.Sim); err != nil {
		slog.Error("archive run failed", "run", s.Sim.RunID(), "error", err)
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
