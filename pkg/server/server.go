package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elonfeng/flowtrends/internal/scheduler"
	"github.com/elonfeng/flowtrends/pkg/rank"
	"github.com/elonfeng/flowtrends/pkg/source"
)

// Counter reports how many items each source's snapshot holds.
type Counter interface {
	CountBySource(ctx context.Context) (map[source.SourceType]int, error)
}

// Refresher runs refreshes on demand and reports their outcomes. The
// scheduler implements it.
type Refresher interface {
	RunOnce(ctx context.Context) error
	Status() []scheduler.Status
}

// Config configures the HTTP server.
type Config struct {
	Port   int
	Limits rank.Limits
}

// Server provides the read-only ranking API.
type Server struct {
	ranker    *rank.Ranker
	counter   Counter
	refresher Refresher
	logger    *slog.Logger
	cfg       Config
	started   time.Time
}

// New creates a new HTTP server. refresher may be nil when the process
// only serves.
func New(ranker *rank.Ranker, counter Counter, refresher Refresher, logger *slog.Logger, cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ranker:    ranker,
		counter:   counter,
		refresher: refresher,
		logger:    logger.With("component", "server"),
		cfg:       cfg,
		started:   time.Now().UTC(),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /all", s.handleAll)
	mux.HandleFunc("GET /{source}", s.handleSource)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type sourceResponse struct {
	Source  source.SourceType `json:"source"`
	Count   int               `json:"count"`
	Results []rank.Result     `json:"results"`
}

type sourceStatus struct {
	scheduler.Status
	OK bool `json:"healthy"`
}

func sourceStatuses(in []scheduler.Status) []sourceStatus {
	out := make([]sourceStatus, len(in))
	for i, st := range in {
		out[i] = sourceStatus{Status: st, OK: st.Healthy()}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "flowtrends API is running",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.counter.CountBySource(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"counts":         counts,
	}
	if s.refresher != nil {
		resp["sources"] = sourceStatuses(s.refresher.Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	st, err := source.ParseSourceType(r.PathValue("source"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit, err := parseLimit(r, s.cfg.Limits.For(st))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	results, err := s.ranker.Rank(r.Context(), st, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sourceResponse{Source: st, Count: len(results), Results: results})
}

func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	limits := s.cfg.Limits
	if r.URL.Query().Get("limit") != "" {
		n, err := parseLimit(r, 0)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		limits = rank.Limits{Default: n}
	}

	all, err := s.ranker.RankAll(r.Context(), limits)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := make(map[source.SourceType]sourceResponse, len(all))
	for st, results := range all {
		resp[st] = sourceResponse{Source: st, Count: len(results), Results: results}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "refresh is not enabled"})
		return
	}

	resp := map[string]any{}
	if err := s.refresher.RunOnce(r.Context()); err != nil {
		resp["error"] = err.Error()
	}
	resp["sources"] = sourceStatuses(s.refresher.Status())
	writeJSON(w, http.StatusOK, resp)
}

// parseLimit reads ?limit, falling back to def when it is absent.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer, got %q", raw)
	}
	return n, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, source.ErrInvalidSource) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
