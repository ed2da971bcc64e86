// Package models holds the types passed between docforge components: jobs,
// request envelopes and the pipeline error taxonomy.
package models

import (
	"time"

	types "github.com/Shyp/go-types"
)

type JobStatus string

// StatusQueued indicates a Job is waiting to be claimed by a scheduler.
const StatusQueued = JobStatus("QUEUED")

// StatusProcessing indicates a scheduler holds a lease on the Job, or held
// one and scheduled the job for a retry.
const StatusProcessing = JobStatus("PROCESSING")

const StatusSucceeded = JobStatus("SUCCEEDED")
const StatusFailed = JobStatus("FAILED")

// StatusCanceled is only ever set by an external actor; docforge never
// cancels jobs itself.
const StatusCanceled = JobStatus("CANCELED")

// Terminal reports whether a job in this status will never be processed
// again.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// A Job is one unit of document-generation work. Jobs are persisted by the
// record-keeping platform; docforge only ever references them by their
// opaque ID and mutates them through the platform API.
type Job struct {
	ID       string    `json:"id"`
	Status   JobStatus `json:"status"`
	Attempts uint8     `json:"attempts"`

	// LockedUntil is non-null while a scheduler owns the job. A PROCESSING
	// job whose LockedUntil is in the past is an orphan and may be
	// reclaimed by any scheduler.
	LockedUntil types.NullTime `json:"lockedUntil"`

	// ScheduledRetryTime makes the job ineligible for claiming until it has
	// passed. Set together with an attempts increment after a retryable
	// failure.
	ScheduledRetryTime types.NullTime `json:"scheduledRetryTime"`

	// RequestHash is the idempotency key: a digest of the template
	// reference(s), output format and data tree. The platform enforces its
	// uniqueness.
	RequestHash string `json:"requestHash"`

	Envelope      RequestEnvelope `json:"requestEnvelope"`
	OutputFileID  string          `json:"outputFileId,omitempty"`
	Error         string          `json:"error,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Leasable reports whether a scheduler may claim this job at time now. The
// platform's query applies the same rules server side; this exists so the
// scheduler can double check candidates that were fetched a moment ago.
func (j *Job) Leasable(now time.Time) bool {
	if j.ScheduledRetryTime.Valid && j.ScheduledRetryTime.Time.After(now) {
		return false
	}
	switch j.Status {
	case StatusQueued:
		return true
	case StatusProcessing:
		return !j.LockedUntil.Valid || j.LockedUntil.Time.Before(now)
	default:
		return false
	}
}
