// Package server exposes the admission and queue APIs over HTTP. Admission
// refusals come back as structured decisions, never stack traces; the
// operator-facing detail stays in logs and the dispatch audit log.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outflow-ai/outflow/pkg/admission"
	"github.com/outflow-ai/outflow/pkg/budget"
	cachepkg "github.com/outflow-ai/outflow/pkg/cache/sqlite"
	"github.com/outflow-ai/outflow/pkg/config"
	"github.com/outflow-ai/outflow/pkg/metrics"
	"github.com/outflow-ai/outflow/pkg/models"
	"github.com/outflow-ai/outflow/pkg/queue"
	"github.com/outflow-ai/outflow/pkg/signing"
)

// Server is the Outflow HTTP API.
type Server struct {
	cfg        *config.Config
	controller *admission.Controller
	queue      *queue.Queue
	cache      *cachepkg.Cache
	guard      *budget.Guard
	mux        *http.ServeMux
}

// New creates a Server wired with all dependencies. cache may be nil when
// disabled.
func New(cfg *config.Config, ctrl *admission.Controller, q *queue.Queue, c *cachepkg.Cache, g *budget.Guard) *Server {
	s := &Server{
		cfg:        cfg,
		controller: ctrl,
		queue:      q,
		cache:      c,
		guard:      g,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/admission/evaluate", s.handleEvaluate)
	s.mux.HandleFunc("POST /v1/jobs", s.handleEnqueue)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/abandon", s.handleAbandon)
	s.mux.HandleFunc("GET /v1/budget/status", s.handleBudgetStatus)
	s.mux.HandleFunc("GET /v1/throttle/status", s.handleThrottleStatus)
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("POST /internal/results", s.handleInternalResult)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("outflow listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type evaluateRequest struct {
	UsagePercentage float64              `json:"usage_percentage"`
	OperationType   models.OperationKind `json:"operation_type"`
	Scope           string               `json:"scope,omitempty"`
	HasCache        *bool                `json:"has_cache,omitempty"`
	CacheAgeSeconds float64              `json:"cache_age_seconds,omitempty"`
	EstimatedCost   float64              `json:"estimated_cost"`
}

// admissionRequest resolves cache presence: explicit fields win, otherwise
// the result cache is consulted for the given scope.
func (s *Server) admissionRequest(req evaluateRequest) admission.Request {
	areq := admission.Request{
		UsagePercentage: req.UsagePercentage,
		Operation:       req.OperationType,
		EstimatedCost:   req.EstimatedCost,
	}
	if req.HasCache != nil {
		areq.HasCache = *req.HasCache
		areq.CacheAge = time.Duration(req.CacheAgeSeconds * float64(time.Second))
		return areq
	}
	if s.cache != nil {
		if _, age, ok := s.cache.Get(req.OperationType, req.Scope); ok {
			areq.HasCache = true
			areq.CacheAge = age
		}
	}
	return areq
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OperationType == "" {
		writeError(w, http.StatusBadRequest, "operation_type is required")
		return
	}

	dec, err := s.controller.Evaluate(r.Context(), s.admissionRequest(req))
	if err != nil {
		log.Printf("server: evaluate: %v", err)
		writeError(w, http.StatusInternalServerError, "temporarily limited")
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

type enqueueRequest struct {
	evaluateRequest
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Confirm        bool            `json:"confirm,omitempty"`
}

type enqueueResponse struct {
	JobID    string                   `json:"job_id,omitempty"`
	Existing bool                     `json:"existing"`
	Decision models.AdmissionDecision `json:"decision"`
	// Cached carries the served result when the decision says use cache.
	Cached json.RawMessage `json:"cached,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OperationType == "" || len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "operation_type and payload are required")
		return
	}

	if s.cfg.RequiresConfirmation(req.OperationType) && !req.Confirm {
		writeError(w, http.StatusConflict, "confirmation-required")
		return
	}

	dec, err := s.controller.Evaluate(r.Context(), s.admissionRequest(req.evaluateRequest))
	if err != nil {
		log.Printf("server: enqueue evaluate: %v", err)
		writeError(w, http.StatusInternalServerError, "temporarily limited")
		return
	}

	if !dec.Allowed {
		status := http.StatusTooManyRequests
		if dec.Reason == models.ReasonServicePaused {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, enqueueResponse{Decision: dec})
		return
	}

	if dec.UseCache && s.cache != nil {
		payload, _, ok := s.cache.Get(req.OperationType, req.Scope)
		if ok {
			writeJSON(w, http.StatusOK, enqueueResponse{Decision: dec, Cached: payload})
			return
		}
		// Cache vanished between evaluation and read; fall through to fresh.
	}

	job, existing, err := s.queue.Enqueue(r.Context(), req.OperationType, req.Payload, req.IdempotencyKey)
	if err != nil {
		log.Printf("server: enqueue: %v", err)
		writeError(w, http.StatusInternalServerError, "temporarily limited")
		return
	}

	status := http.StatusAccepted
	if existing {
		status = http.StatusOK
	}
	writeJSON(w, status, enqueueResponse{JobID: job.ID, Existing: existing, Decision: dec})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Job(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		log.Printf("server: get job: %v", err)
		writeError(w, http.StatusInternalServerError, "temporarily limited")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	err := s.queue.Abandon(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrNotAbandonable):
		writeError(w, http.StatusConflict, "job already dispatched")
	case err != nil:
		log.Printf("server: abandon: %v", err)
		writeError(w, http.StatusInternalServerError, "temporarily limited")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.guard.Status(r.Context())
	if err != nil {
		log.Printf("server: budget status: %v", err)
		writeError(w, http.StatusInternalServerError, "temporarily limited")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleThrottleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, state := s.controller.Observed()
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": snapshot,
		"state":    state,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, "cache disabled")
		return
	}
	stats, err := s.cache.Stats()
	if err != nil {
		log.Printf("server: cache stats: %v", err)
		writeError(w, http.StatusInternalServerError, "temporarily limited")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type internalResult struct {
	OperationType models.OperationKind `json:"operation_type"`
	Scope         string               `json:"scope"`
	Result        json.RawMessage      `json:"result"`
}

// handleInternalResult receives results pushed by internal services during
// dispatch. The signed envelope is verified before anything in the body is
// trusted.
func (s *Server) handleInternalResult(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sig := r.Header.Get(signing.Header)
	if !signing.VerifyAt(body, sig, s.cfg.Signing.Secret, time.Now(), s.cfg.Signing.MaxAge) {
		metrics.SignatureFailuresTotal.Inc()
		log.Printf("server: rejected internal call with invalid signature")
		writeError(w, http.StatusUnauthorized, "signature invalid")
		return
	}

	var res internalResult
	if err := json.Unmarshal(body, &res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if res.OperationType == "" || len(res.Result) == 0 {
		writeError(w, http.StatusBadRequest, "operation_type and result are required")
		return
	}

	if s.cache == nil {
		// Never pretend a verified result was stored.
		writeError(w, http.StatusNotFound, "cache disabled")
		return
	}
	if err := s.cache.Put(res.OperationType, res.Scope, res.Result); err != nil {
		log.Printf("server: store internal result: %v", err)
		writeError(w, http.StatusInternalServerError, "temporarily limited")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
