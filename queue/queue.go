// Package queue is the execution job queue: durable job records with
// cross-process dispatch over Redis, a sliding-window rate limiter, and
// a lazily started worker pool that drives the sandbox runner.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// Failure reasons carried in Result.Reason.
const (
	ReasonCompileError = "compile_error"
	ReasonOutputLimit  = "output_limit"
	ReasonInterrupted  = "interrupted"
)

// Job is one execution request. DocumentID is optional: when set, the
// result is also broadcast to that document's room.
type Job struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	DocumentID string    `json:"documentId,omitempty"`
	Language   string    `json:"language"`
	Code       string    `json:"code"`
	TimeoutMS  int64     `json:"timeoutMs"`
	EnqueuedAt time.Time `json:"enqueuedAt"`

	Status string  `json:"status"`
	Result *Result `json:"result,omitempty"`
}

// Result is what a worker writes back when a job finishes.
type Result struct {
	Status   string `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Elapsed  int64  `json:"executionTimeMs"`
	Reason   string `json:"reason,omitempty"`
}

// Timeout returns the job's execution deadline as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// NewJob fills in identity and enqueue time.
func NewJob(ownerID, documentID, language, code string, timeout time.Duration) *Job {
	return &Job{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		DocumentID: documentID,
		Language:   language,
		Code:       code,
		TimeoutMS:  timeout.Milliseconds(),
		EnqueuedAt: time.Now().UTC(),
		Status:     StatusPending,
	}
}

// Backend is the durable job store and dispatch mechanism. The Redis
// implementation is the production path; Local is a single-process
// development fallback.
type Backend interface {
	// Enqueue persists the job and makes it available to workers.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks up to timeout for the next job. Returns nil when
	// none arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	// Complete writes the result and starts the retention clock.
	Complete(ctx context.Context, jobID string, result Result) error
	// Job fetches the current job record, including status and result.
	Job(ctx context.Context, jobID string) (*Job, error)
	// Counts reports pending and running jobs for the health surface.
	Counts(ctx context.Context) (pending, running int64, err error)
	// RecoverInterrupted marks jobs that were running when the previous
	// process died as deterministically failed. Called once at startup.
	RecoverInterrupted(ctx context.Context) (int, error)
	Close() error
}

// WaitResult polls the backend until the job reaches a terminal status
// or the wait deadline passes.
func WaitResult(ctx context.Context, backend Backend, jobID string, wait time.Duration) (*Result, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := backend.Job(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Result != nil {
			return job.Result, nil
		}
		if time.Now().After(deadline) {
			return nil, errWaitTimeout(jobID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
