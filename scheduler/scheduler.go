// Package scheduler drives batch document generation: it polls the platform
// for claimable jobs, leases them one by one, and runs each through the
// render pipeline under a concurrency ceiling.
//
// Leasing is what makes running several scheduler processes safe. The
// platform's conditional lease update admits exactly one claimant; everyone
// else gets a conflict and moves on. A scheduler that dies mid-job simply
// lets its lease expire, and the job becomes claimable again.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	godebug "github.com/Shyp/go-debug"
	metrics "github.com/Shyp/go-simple-metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/canopus-hq/docforge/models"
	"github.com/canopus-hq/docforge/platform"
	"github.com/canopus-hq/docforge/renderer"
)

var debug = godebug.Debug("docforge:scheduler")

// RetryBackoff is the delay before each retry attempt: the first failure
// waits RetryBackoff[0], the second RetryBackoff[1], and so on. Attempts
// beyond the table reuse the last entry.
var RetryBackoff = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

// JobStore is the slice of the platform API the scheduler needs. Satisfied
// by *platform.JobService.
type JobStore interface {
	LeaseCandidates(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	Lease(ctx context.Context, id string, until time.Time) (*models.Job, error)
	MarkSucceeded(ctx context.Context, id string, attempts uint8, outputFileID string) error
	ScheduleRetry(ctx context.Context, id string, attempts uint8, retryAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, attempts uint8, errMsg string) error
	Counts(ctx context.Context) (queued int, processing int, err error)
}

// Pipeline renders one envelope. Satisfied by *renderer.Renderer.
type Pipeline interface {
	Render(ctx context.Context, env *models.RequestEnvelope) (*renderer.Result, error)
}

type Options struct {
	// ActiveInterval is the poll delay after a poll that found work;
	// IdleInterval after one that found none.
	ActiveInterval time.Duration
	IdleInterval   time.Duration

	// BatchSize is how many candidates one poll asks for.
	BatchSize int

	// MaxConcurrency bounds how many leased jobs render at once.
	MaxConcurrency int

	// LockTTL is how long a lease lasts. It must comfortably exceed the
	// longest expected render so live jobs are never reclaimed.
	LockTTL time.Duration

	// MaxAttempts caps retry scheduling: a job that has already made this
	// many attempts fails terminally on its next failure instead of getting
	// another retry.
	MaxAttempts uint8

	Logger *zap.Logger
}

type Scheduler struct {
	jobs     JobStore
	pipeline Pipeline
	opts     Options
	logger   *zap.Logger
	sem      *semaphore.Weighted

	mu      sync.Mutex
	quit    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	lastPoll  atomic.Time
}

func New(jobs JobStore, pipeline Pipeline, opts Options) *Scheduler {
	if opts.ActiveInterval <= 0 {
		opts.ActiveInterval = 15 * time.Second
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 60 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		jobs:     jobs,
		pipeline: pipeline,
		opts:     opts,
		logger:   opts.Logger,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrency)),
	}
}

var errAlreadyRunning = errors.New("scheduler: already running")

// Start launches the poll loop. Returns an error if the scheduler is
// already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return errAlreadyRunning
	}
	s.quit = make(chan struct{})
	s.running.Store(true)
	s.wg.Add(1)
	go s.loop(s.quit)
	s.logger.Info("scheduler started",
		zap.Duration("active_interval", s.opts.ActiveInterval),
		zap.Duration("idle_interval", s.opts.IdleInterval),
		zap.Int("max_concurrency", s.opts.MaxConcurrency))
	return nil
}

// Stop halts polling and waits for in-flight jobs to finish. Safe to call
// when the scheduler is not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return
	}
	close(s.quit)
	s.running.Store(false)
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(quit chan struct{}) {
	defer s.wg.Done()
	for {
		claimed := s.poll(context.Background())
		interval := s.opts.IdleInterval
		if claimed > 0 {
			interval = s.opts.ActiveInterval
		}
		debug("poll claimed %d jobs, sleeping %v", claimed, interval)
		select {
		case <-quit:
			return
		case <-time.After(interval):
		}
	}
}

// poll fetches one batch of candidates and tries to lease each. Lost leases
// are expected under concurrent schedulers and are skipped silently.
func (s *Scheduler) poll(ctx context.Context) int {
	now := time.Now()
	s.lastPoll.Store(now)
	candidates, err := s.jobs.LeaseCandidates(ctx, now, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("polling for candidates failed", zap.Error(err))
		go metrics.Increment("scheduler.poll.error")
		return 0
	}
	go metrics.Measure("scheduler.poll.candidates", int64(len(candidates)))

	claimed := 0
	for _, candidate := range candidates {
		if !candidate.Leasable(now) {
			continue
		}
		leased, err := s.jobs.Lease(ctx, candidate.ID, now.Add(s.opts.LockTTL))
		if errors.Is(err, platform.ErrLeaseLost) {
			debug("lost lease race for job %s", candidate.ID)
			continue
		}
		if err != nil {
			s.logger.Warn("leasing job failed", zap.String("job_id", candidate.ID), zap.Error(err))
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return claimed
		}
		claimed++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.process(context.Background(), leased)
		}()
	}
	return claimed
}

// process runs one leased job through the pipeline and records the outcome.
// The job's attempt counter counts attempts made, so it is incremented here
// regardless of outcome.
func (s *Scheduler) process(ctx context.Context, job *models.Job) {
	correlationID := job.CorrelationID
	if correlationID == "" {
		correlationID = platform.NewCorrelationID()
	}
	ctx = platform.WithCorrelationID(ctx, correlationID)
	log := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("correlation_id", correlationID))

	attempts := job.Attempts + 1
	job.Envelope.JobID = job.ID
	start := time.Now()
	res, err := s.pipeline.Render(ctx, &job.Envelope)
	go metrics.Time("scheduler.job.latency", time.Since(start))
	s.processed.Inc()

	if err == nil {
		if merr := s.jobs.MarkSucceeded(ctx, job.ID, attempts, res.OutputFileID); merr != nil {
			// The work is done; an expired lease means another scheduler may
			// redo it, which idempotent reuse makes harmless.
			log.Error("marking job succeeded failed", zap.Error(merr))
			return
		}
		s.succeeded.Inc()
		go metrics.Increment("scheduler.job.succeeded")
		log.Info("job succeeded",
			zap.Uint8("attempts", attempts),
			zap.String("output_file_id", res.OutputFileID),
			zap.Bool("reused", res.Reused))
		return
	}

	perr := models.Classify("render", err)
	if perr.Retryable() && job.Attempts < s.opts.MaxAttempts {
		retryAt := time.Now().Add(backoffFor(attempts))
		if merr := s.jobs.ScheduleRetry(ctx, job.ID, attempts, retryAt, perr.Error()); merr != nil {
			log.Error("scheduling retry failed", zap.Error(merr))
			return
		}
		s.retried.Inc()
		go metrics.Increment("scheduler.job.retried")
		log.Warn("job failed, retry scheduled",
			zap.Uint8("attempts", attempts),
			zap.Time("retry_at", retryAt),
			zap.Error(perr))
		return
	}

	if merr := s.jobs.MarkFailed(ctx, job.ID, attempts, perr.Error()); merr != nil {
		log.Error("marking job failed failed", zap.Error(merr))
		return
	}
	s.failed.Inc()
	go metrics.Increment("scheduler.job.failed")
	log.Error("job failed terminally",
		zap.Uint8("attempts", attempts),
		zap.String("code", string(perr.Code)),
		zap.Error(perr))
}

// backoffFor returns the retry delay after the given number of completed
// attempts.
func backoffFor(attempts uint8) time.Duration {
	idx := int(attempts) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(RetryBackoff) {
		idx = len(RetryBackoff) - 1
	}
	return RetryBackoff[idx]
}

// Status is the scheduler's ops snapshot.
type Status struct {
	Running        bool      `json:"running"`
	LastPollTime   time.Time `json:"lastPollTime"`
	TotalProcessed int64     `json:"totalProcessed"`
	Succeeded      int64     `json:"succeeded"`
	Failed         int64     `json:"failed"`
	Retries        int64     `json:"retries"`
	QueuedJobs     int       `json:"queuedJobs"`
	ProcessingJobs int       `json:"processingJobs"`
}

// Status reports counters and, when the platform is reachable, current
// queue depth.
func (s *Scheduler) Status(ctx context.Context) Status {
	st := Status{
		Running:        s.running.Load(),
		LastPollTime:   s.lastPoll.Load(),
		TotalProcessed: s.processed.Load(),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
		Retries:        s.retried.Load(),
	}
	queued, processing, err := s.jobs.Counts(ctx)
	if err != nil {
		s.logger.Warn("fetching queue depth failed", zap.Error(err))
		return st
	}
	st.QueuedJobs = queued
	st.ProcessingJobs = processing
	return st
}

// MeasureQueueDepth emits queue depth metrics every interval until ctx is
// canceled. Run it in its own goroutine.
func (s *Scheduler) MeasureQueueDepth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queued, processing, err := s.jobs.Counts(ctx)
			if err != nil {
				debug("measuring queue depth: %v", err)
				continue
			}
			go metrics.Measure("jobs.queued", int64(queued))
			go metrics.Measure("jobs.processing", int64(processing))
		}
	}
}
