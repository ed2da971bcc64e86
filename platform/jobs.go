// Job reads and writes against the record-keeping platform.
//
// The lease endpoint is the mutual-exclusion point for the whole system:
// the platform applies the conditional update atomically and answers 409 to
// every claimant that lost, so two schedulers can never both own a job.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"

	"github.com/canopus-hq/docforge/models"
)

// ErrLeaseLost indicates another scheduler claimed the job first. Not a
// failure; the caller just moves on to the next candidate.
var ErrLeaseLost = errors.New("platform: another scheduler holds the lease")

// ErrDuplicateHash indicates the platform rejected a job create because a
// job with the same request hash already exists.
var ErrDuplicateHash = errors.New("platform: a job with this request hash already exists")

// ErrJobNotFound indicates the referenced job does not exist.
var ErrJobNotFound = errors.New("platform: job not found")

type JobService struct {
	client *Client
}

// A QueryFilter is the platform's query-by-filter input. Zero fields are
// omitted from the query.
type QueryFilter struct {
	Statuses       []models.JobStatus `json:"statuses,omitempty"`
	LeasableAt     *time.Time         `json:"leasableAt,omitempty"`
	RequestHash    string             `json:"requestHash,omitempty"`
	SucceededSince *time.Time         `json:"succeededSince,omitempty"`
	Limit          int                `json:"limit,omitempty"`
}

type queryResponse struct {
	Jobs []*models.Job `json:"jobs"`
}

// Query runs a filter against the job store.
func (s *JobService) Query(ctx context.Context, filter QueryFilter) ([]*models.Job, error) {
	var res queryResponse
	start := time.Now()
	err := s.client.JSON(ctx, "POST", "/v1/jobs/query", filter, &res)
	go metrics.Time("platform.jobs.query.latency", time.Since(start))
	if err != nil {
		return nil, err
	}
	return res.Jobs, nil
}

// LeaseCandidates returns up to limit jobs eligible for claiming at time
// now: QUEUED, or PROCESSING with an expired lease, with no future
// scheduledRetryTime. The platform orders by priority then age.
func (s *JobService) LeaseCandidates(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	return s.Query(ctx, QueryFilter{
		Statuses:   []models.JobStatus{models.StatusQueued, models.StatusProcessing},
		LeasableAt: &now,
		Limit:      limit,
	})
}

type leaseRequest struct {
	LockedUntil time.Time `json:"lockedUntil"`
}

// Lease atomically claims the job until the given time, moving it to
// PROCESSING. Returns ErrLeaseLost if another claimant won the conditional
// update. Also used to renew a lease the caller already holds.
func (s *JobService) Lease(ctx context.Context, id string, until time.Time) (*models.Job, error) {
	var leased models.Job
	err := s.client.JSON(ctx, "POST", fmt.Sprintf("/v1/jobs/%s/lease", id), leaseRequest{LockedUntil: until}, &leased)
	if err != nil {
		switch StatusCode(err) {
		case http.StatusConflict:
			go metrics.Increment("platform.jobs.lease.lost")
			return nil, ErrLeaseLost
		case http.StatusNotFound:
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	go metrics.Increment("platform.jobs.lease.won")
	return &leased, nil
}

// Create inserts a new QUEUED job. The platform enforces requestHash
// uniqueness; a violation surfaces as ErrDuplicateHash so the idempotency
// gate can turn it into a conflict for the caller.
func (s *JobService) Create(ctx context.Context, env models.RequestEnvelope, correlationID string) (*models.Job, error) {
	body := struct {
		Envelope      models.RequestEnvelope `json:"requestEnvelope"`
		RequestHash   string                 `json:"requestHash"`
		CorrelationID string                 `json:"correlationId"`
	}{env, env.RequestHash, correlationID}
	var created models.Job
	err := s.client.JSON(ctx, "POST", "/v1/jobs", body, &created)
	if err != nil {
		if StatusCode(err) == http.StatusConflict {
			return nil, ErrDuplicateHash
		}
		return nil, err
	}
	return &created, nil
}

// Get fetches one job by ID.
func (s *JobService) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.client.JSON(ctx, "GET", "/v1/jobs/"+id, nil, &job)
	if err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// jobPatch updates a job's state. Nil pointers serialize to null, which the
// platform treats as "clear this field".
type jobPatch struct {
	Status             models.JobStatus `json:"status"`
	Attempts           uint8            `json:"attempts"`
	LockedUntil        *time.Time       `json:"lockedUntil"`
	ScheduledRetryTime *time.Time       `json:"scheduledRetryTime"`
	OutputFileID       string           `json:"outputFileId,omitempty"`
	Error              string           `json:"error,omitempty"`
}

func (s *JobService) patch(ctx context.Context, id string, p jobPatch) error {
	start := time.Now()
	err := s.client.JSON(ctx, "PATCH", "/v1/jobs/"+id, p, nil)
	go metrics.Time("platform.jobs.patch.latency", time.Since(start))
	return err
}

// MarkSucceeded records a successful render: terminal SUCCEEDED, output
// file set, lease cleared.
func (s *JobService) MarkSucceeded(ctx context.Context, id string, attempts uint8, outputFileID string) error {
	return s.patch(ctx, id, jobPatch{
		Status:       models.StatusSucceeded,
		Attempts:     attempts,
		OutputFileID: outputFileID,
	})
}

// ScheduleRetry keeps the job logically pending-retry: still PROCESSING,
// attempts incremented by the caller, lease cleared, and a retry time the
// lease query honors.
func (s *JobService) ScheduleRetry(ctx context.Context, id string, attempts uint8, retryAt time.Time, errMsg string) error {
	return s.patch(ctx, id, jobPatch{
		Status:             models.StatusProcessing,
		Attempts:           attempts,
		ScheduledRetryTime: &retryAt,
		Error:              errMsg,
	})
}

// MarkFailed records a terminal failure.
func (s *JobService) MarkFailed(ctx context.Context, id string, attempts uint8, errMsg string) error {
	return s.patch(ctx, id, jobPatch{
		Status:   models.StatusFailed,
		Attempts: attempts,
		Error:    errMsg,
	})
}

// FindReusableByHash returns a SUCCEEDED job with the given request hash
// completed within the recency window, or nil if there is none. Only
// SUCCEEDED matches are reuse-eligible; FAILED and PROCESSING hashes block
// new inserts through the uniqueness constraint instead.
func (s *JobService) FindReusableByHash(ctx context.Context, hash string, window time.Duration) (*models.Job, error) {
	since := time.Now().Add(-window)
	jobs, err := s.Query(ctx, QueryFilter{
		Statuses:       []models.JobStatus{models.StatusSucceeded},
		RequestHash:    hash,
		SucceededSince: &since,
		Limit:          1,
	})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// Counts reports how many jobs sit in each non-terminal status, for queue
// depth metrics and the ops surface.
func (s *JobService) Counts(ctx context.Context) (queued int, processing int, err error) {
	var res struct {
		Queued     int `json:"queued"`
		Processing int `json:"processing"`
	}
	err = s.client.JSON(ctx, "GET", "/v1/jobs/stats", nil, &res)
	return res.Queued, res.Processing, err
}
