package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canopus-hq/docforge/models"
	"github.com/canopus-hq/docforge/platform"
)

// StuckJobStore is the slice of the platform API the stuck-job watcher
// needs. Satisfied by *platform.JobService.
type StuckJobStore interface {
	Query(ctx context.Context, filter platform.QueryFilter) ([]*models.Job, error)
	MarkFailed(ctx context.Context, id string, attempts uint8, errMsg string) error
}

// ArchiveStuckJobs fails any PROCESSING job whose lease expired, whose
// attempts are exhausted, and that has not been touched for olderThan.
// Lease expiry alone makes a job claimable again, so a job this old has
// been reclaimed and dropped repeatedly; failing it keeps it from haunting
// the queue forever.
func ArchiveStuckJobs(ctx context.Context, store StuckJobStore, olderThan time.Duration, maxAttempts uint8, logger *zap.Logger) error {
	now := time.Now()
	cutoff := now.Add(-olderThan)
	jobs, err := store.Query(ctx, platform.QueryFilter{
		Statuses:   []models.JobStatus{models.StatusProcessing},
		LeasableAt: &now,
	})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		// A job with retries left is not stuck, only unclaimed: its expired
		// lease already makes it a poll candidate again, and failing it here
		// would rob it of the retries it is still owed.
		if job.Attempts < maxAttempts {
			continue
		}
		msg := fmt.Sprintf("job stuck in PROCESSING since %s", job.UpdatedAt.Format(time.RFC3339))
		err = store.MarkFailed(ctx, job.ID, job.Attempts, msg)
		if err == nil {
			logger.Warn("found stuck job and marked it as failed", zap.String("job_id", job.ID))
		} else {
			// Race and idempotence errors are expected when several watchers
			// run; the next sweep will pick up whatever this one missed.
			logger.Warn("found stuck job but could not fail it",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

// WatchStuckJobs sweeps for stuck jobs every interval until ctx is
// canceled. Run it in its own goroutine.
func WatchStuckJobs(ctx context.Context, store StuckJobStore, interval, olderThan time.Duration, maxAttempts uint8, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ArchiveStuckJobs(ctx, store, olderThan, maxAttempts, logger); err != nil {
				logger.Error("archiving stuck jobs failed", zap.Error(err))
			}
		}
	}
}
