// Package api exposes the HTTP interface for the pipeline service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/config"
	"github.com/JakeFAU/ig2spotify/internal/dispatcher"
	"github.com/JakeFAU/ig2spotify/internal/pipeline"
	"github.com/JakeFAU/ig2spotify/internal/store"
	"github.com/JakeFAU/ig2spotify/internal/telemetry"
)

const enqueueTimeout = 5 * time.Second

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	tracker    pipeline.RunTracker
	ledger     pipeline.Ledger
	dispatcher *dispatcher.Dispatcher
	idGen      pipeline.IDGenerator
	clock      pipeline.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. progressRepo may
// be nil, in which case the history endpoints answer 503.
func NewServer(
	tracker pipeline.RunTracker,
	ledger pipeline.Ledger,
	dispatcher *dispatcher.Dispatcher,
	idGen pipeline.IDGenerator,
	clock pipeline.Clock,
	cfg config.Config,
	logger *zap.Logger,
	progressRepo store.ProgressRepository,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tracker:    tracker,
		ledger:     ledger,
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(corsMiddleware(cfg.Server.AllowedOrigins))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	history := NewProgressHandler(progressRepo, logger.Named("progress"))
	r.Route("/api", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/run", s.submitRun)
		r.Get("/runs", s.listRuns)
		r.Route("/runs/{run_id}", func(r chi.Router) {
			r.Get("/status", s.getRunStatus)
			r.Get("/records", s.getRunRecords)
		})
		r.Get("/ledger", s.listLedger)
		r.Get("/history", history.ListRuns)
		r.Get("/history/{run_id}", history.GetRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil || s.tracker == nil || s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	if p, ok := s.ledger.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("ledger not ready", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	Account      string `json:"instagram_username"`
	PlaylistName string `json:"playlist_name"`
	Limit        *int   `json:"limit"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := s.toRunParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := s.enqueueRun(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("submit run failed", zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "Pipeline started",
		"run_id":  runID,
	})
}

func (s *Server) toRunParameters(req runRequest) (pipeline.RunParameters, error) {
	account := strings.TrimPrefix(strings.TrimSpace(req.Account), "@")
	if account == "" {
		return pipeline.RunParameters{}, errors.New("instagram_username is required")
	}
	limit := s.cfg.Worker.DefaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit <= 0 {
		return pipeline.RunParameters{}, errors.New("limit must be > 0")
	}
	playlist := strings.TrimSpace(req.PlaylistName)
	if playlist == "" {
		playlist = s.cfg.Worker.DefaultPlaylist
	}
	return pipeline.RunParameters{Account: account, PlaylistName: playlist, Limit: limit}, nil
}

func (s *Server) enqueueRun(ctx context.Context, params pipeline.RunParameters) (string, error) {
	runID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	now := s.clock.Now()
	if err := s.tracker.Create(ctx, pipeline.NewRun(runID, params, now)); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := pipeline.QueueItem{
		RunID:     runID,
		Params:    params,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		if terr := s.tracker.Transition(context.WithoutCancel(ctx), runID, pipeline.StateErrored, err.Error()); terr != nil {
			s.logger.Warn("mark unqueued run errored", zap.String("run_id", runID), zap.Error(terr))
		}
		return "", fmt.Errorf("enqueue run: %w", err)
	}
	s.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.String("account", params.Account),
		zap.Int("limit", params.Limit))
	return runID, nil
}

type stepProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

type statusResponse struct {
	pipeline.Run
	Processed int                     `json:"processed"`
	Total     int                     `json:"total"`
	Steps     map[string]stepProgress `json:"steps"`
	Records   []pipeline.Record       `json:"records"`
}

func (s *Server) getRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.tracker.Get(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, runID, err)
		return
	}
	rows, err := s.ledger.ReadByRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("read run rows failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	if rows == nil {
		rows = []pipeline.Record{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Run:       run,
		Processed: len(rows),
		Total:     run.Limit,
		Steps: map[string]stepProgress{
			"capture":   {Done: run.Counters.Captured, Total: run.Limit},
			"convert":   {Done: run.Counters.Converted, Total: run.Counters.Captured},
			"recognise": {Done: run.Counters.Recognized, Total: run.Counters.Captured},
			"match":     {Done: run.Counters.Matched, Total: run.Counters.Recognized},
		},
		Records: rows,
	})
}

func (s *Server) getRunRecords(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := s.tracker.Get(r.Context(), runID); err != nil {
		s.writeRunError(w, runID, err)
		return
	}
	rows, err := s.ledger.ReadByRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("read run rows failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	if rows == nil {
		rows = []pipeline.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "records": rows})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.tracker.List(r.Context())
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []pipeline.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) listLedger(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultLedgerLimit, maxLedgerLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	var status pipeline.Status
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err = pipeline.ParseStatus(strings.ToUpper(raw))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	account := strings.TrimSpace(q.Get("account"))
	runID := strings.TrimSpace(q.Get("run_id"))

	rows, err := s.ledger.ReadAll(r.Context())
	if err != nil {
		s.logger.Error("read ledger failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read ledger")
		return
	}
	filtered := make([]pipeline.Record, 0, len(rows))
	for _, rec := range rows {
		if account != "" && rec.Account != account {
			continue
		}
		if runID != "" && rec.RunID != runID {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		filtered = append(filtered, rec)
	}
	total := len(filtered)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"records": filtered[start:end],
	})
}

func (s *Server) writeRunError(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, pipeline.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.logger.Error("load run failed", zap.String("run_id", runID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load run")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

// corsMiddleware allows the configured frontend origins. A "*" entry allows
// any origin.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	anyOrigin := false
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[origin]; !ok && !anyOrigin {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
