// Package convert runs merged documents through an external headless
// converter (LibreOffice by default) under a hard concurrency ceiling.
//
// The converter process is the scarce resource in this system, so the
// pool's slot counter is the one admission-control gate everything goes
// through; the interactive path gets no special treatment. Each conversion
// runs in its own uniquely-named temp directory which is removed on every
// exit path, including timeouts.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	godebug "github.com/Shyp/go-debug"
	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/canopus-hq/docforge/models"
)

var debug = godebug.Debug("docforge:convert")

const DefaultTimeout = 60 * time.Second
const DefaultSlots = 8

// inputName is the file the merged document is written to inside the
// working directory. The converter writes its output next to it with the
// target extension.
const inputName = "input.docx"

// Options configures a Pool. Zero values get defaults.
type Options struct {
	// Slots is the hard ceiling on simultaneous converter processes.
	Slots int
	// Binary is the converter executable.
	Binary string
	// Args are prepended before the pool's own arguments, for converter
	// profile flags and the like.
	Args []string
	// Timeout is the per-conversion deadline; the process is killed when
	// it elapses.
	Timeout time.Duration
	// WorkDir is where per-job temp directories are created. Empty means
	// the OS default.
	WorkDir string

	Logger *zap.Logger
}

// Pool is the bounded converter pool. Create one per process and share it
// between the scheduler and the interactive path.
type Pool struct {
	binary  string
	args    []string
	timeout time.Duration
	workDir string
	logger  *zap.Logger
	sem     *semaphore.Weighted

	active    atomic.Int64
	queued    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func NewPool(opts Options) *Pool {
	if opts.Slots <= 0 {
		opts.Slots = DefaultSlots
	}
	if opts.Binary == "" {
		opts.Binary = "soffice"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		binary:  opts.Binary,
		args:    opts.Args,
		timeout: opts.Timeout,
		workDir: opts.WorkDir,
		logger:  opts.Logger,
		sem:     semaphore.NewWeighted(int64(opts.Slots)),
	}
}

// Convert renders input into the target format. Callers wait FIFO for a
// pool slot; the conversion itself is bounded by the pool timeout, not by
// how long the caller waited.
func (p *Pool) Convert(ctx context.Context, input []byte, target models.OutputFormat, correlationID string) ([]byte, error) {
	p.queued.Inc()
	debug("waiting for slot (%d queued)", p.queued.Load())
	err := p.sem.Acquire(ctx, 1)
	p.queued.Dec()
	if err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	p.active.Inc()
	defer p.active.Dec()

	start := time.Now()
	out, err := p.run(ctx, input, target, correlationID)
	go metrics.Time("convert.latency", time.Since(start))
	if err != nil {
		p.failed.Inc()
		go metrics.Increment("convert.error")
		return nil, err
	}
	p.completed.Inc()
	go metrics.Increment("convert.success")
	return out, nil
}

func (p *Pool) run(ctx context.Context, input []byte, target models.OutputFormat, correlationID string) ([]byte, error) {
	dir, err := os.MkdirTemp(p.workDir, "docforge-"+uuid.New().String())
	if err != nil {
		return nil, models.NewPipelineError("convert", models.CodeConversionFailed,
			fmt.Errorf("creating work dir: %w", err))
	}
	// Removed on every exit path: success, failure and timeout alike.
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, inputName)
	if err := os.WriteFile(inputPath, input, 0600); err != nil {
		return nil, models.NewPipelineError("convert", models.CodeConversionFailed,
			fmt.Errorf("writing input: %w", err))
	}

	ext := strings.ToLower(string(target))
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := append(append([]string{}, p.args...),
		"--headless", "--convert-to", ext, "--outdir", dir, inputPath)
	cmd := exec.CommandContext(cctx, p.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	p.logger.Debug("invoking converter",
		zap.String("correlation_id", correlationID),
		zap.String("target", ext))
	runErr := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		go metrics.Increment("convert.timeout")
		return nil, models.NewPipelineError("convert", models.CodeConversionTimeout,
			fmt.Errorf("converter exceeded %v deadline", p.timeout))
	}
	if runErr != nil {
		return nil, models.NewPipelineError("convert", models.CodeConversionFailed,
			fmt.Errorf("converter exited: %v: %s", runErr, firstLine(stderr.String())))
	}

	outPath := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "." + ext
	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, models.NewPipelineError("convert", models.CodeConversionFailed,
			fmt.Errorf("converter exited cleanly but produced no %s output", ext))
	}
	return out, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	ActiveJobs    int64 `json:"activeJobs"`
	QueuedJobs    int64 `json:"queuedJobs"`
	CompletedJobs int64 `json:"completedJobs"`
	FailedJobs    int64 `json:"failedJobs"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		ActiveJobs:    p.active.Load(),
		QueuedJobs:    p.queued.Load(),
		CompletedJobs: p.completed.Load(),
		FailedJobs:    p.failed.Load(),
	}
}
