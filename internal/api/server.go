package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"marketsync/internal/dispatch"
	"marketsync/internal/domain"
	"marketsync/internal/queue"
	"marketsync/internal/scheduler"
)

const maxBodySize = 1 << 20

// Ticker runs scheduler passes on demand.
type Ticker interface {
	Tick(ctx context.Context) (scheduler.Report, error)
	RetryFailed(ctx context.Context) (int, error)
}

type Definitions interface {
	Upsert(ctx context.Context, d domain.JobDefinition) (string, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.JobDefinition, error)
	Get(ctx context.Context, id string) (domain.JobDefinition, error)
}

type Server struct {
	r      *chi.Mux
	repo   queue.Repository
	defs   Definitions
	ticker Ticker
}

func NewServer(repo queue.Repository, defs Definitions, ticker Ticker, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, defs: defs, ticker: ticker}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(limitBody)
		r.Post("/tick", s.tick)
		r.Post("/retry-failed", s.retryFailed)

		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)
		r.Post("/runs/{id}/complete", s.completeRun)
		r.Get("/stats", s.stats)
		r.Get("/heartbeats/{name}", s.getHeartbeat)

		r.Get("/definitions", s.listDefinitions)
		r.Post("/definitions", s.upsertDefinition)
		r.Get("/definitions/{id}", s.getDefinition)
		r.Put("/definitions/{id}/enabled", s.setDefinitionEnabled)
		r.Delete("/definitions/{id}", s.deleteDefinition)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type tickResp struct {
	scheduler.Report
	Error string `json:"error,omitempty"`
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ticker.Tick(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, tickResp{Report: rep, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tickResp{Report: rep})
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.ticker.RetryFailed(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.repo.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []domain.JobRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// completeRun is the callback a fetch worker uses for runs it acknowledged
// without inline results.
func (s *Server) completeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req dispatch.JobResult
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Status != domain.StatusSuccess && req.Status != domain.StatusFailed {
		http.Error(w, "status must be success or failed", http.StatusBadRequest)
		return
	}
	if req.RowsWritten < 0 {
		http.Error(w, "rows_written must not be negative", http.StatusBadRequest)
		return
	}
	req.JobRunID = id
	outcome := req.Outcome()
	if err := s.repo.Complete(r.Context(), id, outcome, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	if perr := req.Err(); perr != nil {
		log.Warn().Err(perr).Str("kind", domain.KindLabel(perr)).Str("job_run_id", id).Msg("job run failed by callback")
	} else {
		log.Info().Str("job_run_id", id).Int64("rows_written", outcome.RowsWritten).Str("provider", outcome.Provider).
			Msg("job run completed by callback")
	}
	run, err := s.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getHeartbeat(w http.ResponseWriter, r *http.Request) {
	hb, err := s.repo.GetHeartbeat(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hb)
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.defs.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if defs == nil {
		defs = []domain.JobDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

type upsertDefinitionReq struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	JobType    string `json:"job_type"`
	WindowDays int    `json:"window_days"`
	Priority   int    `json:"priority"`
	Enabled    *bool  `json:"enabled"`
}

func (s *Server) upsertDefinition(w http.ResponseWriter, r *http.Request) {
	var req upsertDefinitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.defs.Upsert(r.Context(), domain.JobDefinition{
		Symbol:     req.Symbol,
		Timeframe:  domain.Timeframe(req.Timeframe),
		JobType:    domain.JobType(req.JobType),
		WindowDays: req.WindowDays,
		Priority:   req.Priority,
		Enabled:    req.Enabled == nil || *req.Enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	def, err := s.defs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.defs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type enabledReq struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) setDefinitionEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req enabledReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		http.Error(w, "enabled is required", http.StatusBadRequest)
		return
	}
	if err := s.defs.SetEnabled(r.Context(), id, *req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	def, err := s.defs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) deleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.defs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps queue and domain error kinds onto status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, queue.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrConfig):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("took", time.Since(start)).Str("request_id", middleware.GetReqID(r.Context())).Msg("http request")
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		next.ServeHTTP(w, r)
	})
}
