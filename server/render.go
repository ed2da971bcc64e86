package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/rest"
	"go.uber.org/zap"

	"github.com/canopus-hq/docforge/idempotency"
	"github.com/canopus-hq/docforge/models"
	"github.com/canopus-hq/docforge/platform"
)

// POST /v1/render
//
// Render a document synchronously. The caller waits for the full pipeline;
// admission control still applies because the shared converter pool bounds
// the conversion step.
func (s *server) handleRender(w http.ResponseWriter, r *http.Request) {
	env, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	ctx := platform.WithCorrelationID(r.Context(), correlationID(r))

	start := time.Now()
	res, err := s.deps.Pipeline.Render(ctx, env)
	go metrics.Time("server.render.latency", time.Since(start))
	if err != nil {
		s.writePipelineError(w, r, err)
		go metrics.Increment("server.render.error")
		return
	}
	if !env.Options.ReturnIntermediateToCaller {
		res.IntermediateFileID = ""
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(res)
	go metrics.Increment("server.render.success")
}

// POST /v1/jobs
//
// Enqueue a batch render. A repeat of a recently completed request gets the
// prior job back, output file and all, instead of a second job. The
// platform's request-hash uniqueness backstops everything the pre-check
// misses: a repeat of an in-flight request gets a 409 with the offending
// hash.
func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	env, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	if err := idempotency.Ensure(env); err != nil {
		badRequest(w, r, &rest.Error{
			ID:       "invalid_envelope",
			Title:    err.Error(),
			Instance: r.URL.Path,
		})
		return
	}
	if prior := s.findReusable(r.Context(), env.RequestHash); prior != nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(prior)
		go metrics.Increment("server.enqueue.reused")
		return
	}
	job, err := s.deps.Jobs.Create(r.Context(), *env, correlationID(r))
	if err != nil {
		if errors.Is(err, platform.ErrDuplicateHash) {
			conflict := &rest.Error{
				Title:    fmt.Sprintf("A job with request hash %s already exists", env.RequestHash),
				ID:       "duplicate_request_hash",
				Instance: r.URL.Path,
			}
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(conflict)
			go metrics.Increment("server.enqueue.duplicate")
			return
		}
		writeServerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(job)
	go metrics.Increment("server.enqueue.success")
}

// findReusable returns a recent SUCCEEDED job carrying the same request
// hash, or nil. Lookup failures only disable the short-circuit; Create and
// the uniqueness constraint still keep duplicates out.
func (s *server) findReusable(ctx context.Context, hash string) *models.Job {
	if s.deps.HashWindow <= 0 {
		return nil
	}
	prior, err := s.deps.Jobs.FindReusableByHash(ctx, hash, s.deps.HashWindow)
	if err != nil {
		s.logger.Warn("reuse lookup failed, enqueuing anyway", zap.Error(err))
		return nil
	}
	if prior == nil || prior.OutputFileID == "" {
		return nil
	}
	return prior
}

// GET /v1/jobs/:id
func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := getJobRoute.FindStringSubmatch(r.URL.Path)[1]
	job, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, platform.ErrJobNotFound) {
			notFound(w, new404(r))
			go metrics.Increment("server.job.get.not_found")
			return
		}
		writeServerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(job)
	go metrics.Increment("server.job.get.success")
}

// GET /v1/scheduler
func (s *server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.deps.Scheduler.Status(r.Context()))
}

// POST /v1/scheduler/start
func (s *server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Start(); err != nil {
		conflict := &rest.Error{
			Title:    "Scheduler is already running",
			ID:       "scheduler_running",
			Instance: r.URL.Path,
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(conflict)
		return
	}
	s.logger.Info("scheduler started via API")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.deps.Scheduler.Status(r.Context()))
}

// POST /v1/scheduler/stop
func (s *server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Scheduler.Stop()
	s.logger.Info("scheduler stopped via API")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.deps.Scheduler.Status(r.Context()))
}

// GET /v1/stats
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"scheduler": s.deps.Scheduler.Status(r.Context()),
	}
	if s.deps.Cache != nil {
		stats["templateCache"] = s.deps.Cache.Stats()
	}
	if s.deps.Pool != nil {
		stats["converterPool"] = s.deps.Pool.Stats()
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}

// decodeEnvelope parses and validates the request body. On failure it has
// already written the response and returns ok=false.
func (s *server) decodeEnvelope(w http.ResponseWriter, r *http.Request) (*models.RequestEnvelope, bool) {
	if r.Body == nil {
		badRequest(w, r, createEmptyErr("requestEnvelope", r.URL.Path))
		return nil, false
	}
	defer r.Body.Close()
	var env models.RequestEnvelope
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxEnvelopeSize)).Decode(&env)
	if err != nil {
		badRequest(w, r, &rest.Error{
			ID:    "invalid_request",
			Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
		})
		return nil, false
	}
	if err := env.Validate(); err != nil {
		badRequest(w, r, &rest.Error{
			ID:       "invalid_envelope",
			Title:    err.Error(),
			Instance: r.URL.Path,
		})
		return nil, false
	}
	return &env, true
}

// correlationID returns the caller's X-Correlation-Id, or a fresh one.
func correlationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return platform.NewCorrelationID()
}

// writePipelineError maps a pipeline failure onto an HTTP status. Validation
// problems are the caller's fault; template lookups that miss are 404s; our
// own converter deadline is a 504; everything else is a 502, since the
// failure sits between docforge and the platform.
func (s *server) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *models.PipelineError
	if !errors.As(err, &perr) {
		writeServerError(w, r, err)
		return
	}
	status := http.StatusBadGateway
	switch perr.Code {
	case models.CodeValidation:
		status = http.StatusBadRequest
	case models.CodeTemplateNotFound:
		status = http.StatusNotFound
	case models.CodeConversionTimeout:
		status = http.StatusGatewayTimeout
	case models.CodeUnknown:
		status = http.StatusInternalServerError
	}
	s.logger.Warn("interactive render failed",
		zap.String("code", string(perr.Code)),
		zap.Int("status", status),
		zap.Error(perr))
	body := &rest.Error{
		Title:    perr.Error(),
		ID:       string(perr.Code),
		Instance: r.URL.Path,
		Status:   status,
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
