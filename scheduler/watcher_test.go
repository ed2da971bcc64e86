package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/canopus-hq/docforge/models"
	"github.com/canopus-hq/docforge/platform"
	"github.com/canopus-hq/docforge/test"
)

type stuckFake struct {
	jobs   []*models.Job
	failed map[string]string
}

func (f *stuckFake) Query(ctx context.Context, filter platform.QueryFilter) ([]*models.Job, error) {
	return f.jobs, nil
}

func (f *stuckFake) MarkFailed(ctx context.Context, id string, attempts uint8, errMsg string) error {
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[id] = errMsg
	return nil
}

func TestArchiveStuckJobs(t *testing.T) {
	t.Parallel()
	now := time.Now()
	stuck := &models.Job{
		ID:        "job_stuck",
		Status:    models.StatusProcessing,
		Attempts:  3,
		UpdatedAt: now.Add(-3 * time.Hour),
	}
	recent := &models.Job{
		ID:        "job_recent",
		Status:    models.StatusProcessing,
		Attempts:  3,
		UpdatedAt: now.Add(-5 * time.Minute),
	}
	store := &stuckFake{jobs: []*models.Job{stuck, recent}}
	err := ArchiveStuckJobs(context.Background(), store, time.Hour, 3, zap.NewNop())
	test.AssertNotError(t, err, "archiving")
	test.AssertEquals(t, len(store.failed), 1)
	test.AssertContains(t, store.failed["job_stuck"], "stuck in PROCESSING")
}

func TestArchiveSparesJobsWithRetriesLeft(t *testing.T) {
	t.Parallel()
	now := time.Now()
	// Old and lease-expired, but only one attempt made: the poller will
	// reclaim it, so the sweep must leave it alone.
	retryPending := &models.Job{
		ID:        "job_retry",
		Status:    models.StatusProcessing,
		Attempts:  1,
		UpdatedAt: now.Add(-31 * time.Minute),
	}
	store := &stuckFake{jobs: []*models.Job{retryPending}}
	err := ArchiveStuckJobs(context.Background(), store, 30*time.Minute, 3, zap.NewNop())
	test.AssertNotError(t, err, "archiving")
	test.AssertEquals(t, len(store.failed), 0)
}
