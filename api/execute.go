package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/hub"
	"github.com/D-Astudillo-ASC/collaborative-editor/queue"
	"github.com/D-Astudillo-ASC/collaborative-editor/sandbox"
)

// resultGrace is how much longer than the job's own timeout the HTTP
// caller waits before giving up on the result.
const resultGrace = 5 * time.Second

// JobSubmitter enqueues a job and makes sure a worker will pick it up.
// Satisfied by *queue.Pool.
type JobSubmitter interface {
	Submit(ctx context.Context, job *queue.Job) error
}

// ExecLimiter is the per-user execution quota check. Satisfied by
// *queue.RateLimiter.
type ExecLimiter interface {
	Check(ctx context.Context, userID, bucket string) (queue.Decision, error)
}

// Availability reports whether the sandbox can run a given language.
// Satisfied by *sandbox.Runner.
type Availability interface {
	Available(language string) bool
}

type executeRequest struct {
	DocumentID string `json:"documentId"`
	Language   string `json:"language"`
	Code       string `json:"code"`
}

type executeResponse struct {
	ExecutionID     string `json:"executionId"`
	Status          string `json:"status"`
	Output          string `json:"output"`
	Error           string `json:"error"`
	ExitCode        int    `json:"exitCode"`
	ExecutionTimeMS int64  `json:"executionTimeMs"`
	Reason          string `json:"reason,omitempty"`
}

func toExecuteResponse(jobID string, result queue.Result) executeResponse {
	return executeResponse{
		ExecutionID:     jobID,
		Status:          string(result.Status),
		Output:          result.Stdout,
		Error:           result.Stderr,
		ExitCode:        result.ExitCode,
		ExecutionTimeMS: result.Elapsed,
		Reason:          string(result.Reason),
	}
}

// Execute validates, rate-limits, enqueues, and waits for one code
// execution. The sandbox availability check comes before the rate limit
// so an unavailable engine does not burn the caller's quota.
func (h *Handlers) Execute(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, common.E(common.KindValidation, "invalid request body"))
	}
	if err := sandbox.Validate(req.Language, req.Code, h.Exec.CodeMaxBytes, h.Langs); err != nil {
		return writeError(c, err)
	}
	if req.DocumentID != "" {
		if _, err := uuid.Parse(req.DocumentID); err != nil {
			return writeError(c, common.E(common.KindValidation, "invalid documentId"))
		}
	}
	if h.Sandbox == nil || !h.Sandbox.Available(req.Language) {
		return writeError(c, common.E(common.KindSandboxUnavailable, "code execution is currently unavailable"))
	}

	decision, err := h.Limiter.Check(ctx, user.ID.String(), "execute")
	if err != nil {
		return writeError(c, err)
	}
	if !decision.Allowed {
		retry := time.Until(decision.ResetAt)
		if retry < 0 {
			retry = 0
		}
		return writeError(c, common.E(common.KindRateLimited, "execution rate limit exceeded").WithRetryAfter(retry))
	}

	job := queue.NewJob(user.ID.String(), req.DocumentID, req.Language, req.Code, h.Exec.Timeout)
	if err := h.Pool.Submit(ctx, job); err != nil {
		return writeError(c, common.Wrap(common.KindTransient, "enqueuing execution", err))
	}

	result, err := queue.WaitResult(ctx, h.Queue, job.ID, job.Timeout()+resultGrace)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toExecuteResponse(job.ID, *result))
}

// ExecStats counts finished jobs for /health. Timeouts count as failed.
type ExecStats struct {
	completed atomic.Int64
	failed    atomic.Int64
}

func (s *ExecStats) JobFinished(job *queue.Job, result queue.Result) {
	if result.Status == queue.StatusCompleted {
		s.completed.Add(1)
	} else {
		s.failed.Add(1)
	}
}

func (s *ExecStats) Counts() (completed, failed int64) {
	return s.completed.Load(), s.failed.Load()
}

// ResultBroadcaster pushes finished results into the document's hub so
// every connected peer sees them, not just the HTTP caller.
type ResultBroadcaster struct {
	Registry *hub.Registry
}

func (b *ResultBroadcaster) JobFinished(job *queue.Job, result queue.Result) {
	if job.DocumentID == "" {
		return
	}
	docID, err := uuid.Parse(job.DocumentID)
	if err != nil {
		return
	}
	h, ok := b.Registry.Lookup(docID)
	if !ok {
		return
	}
	h.Broadcast(hub.ExecuteResultEvent{Payload: toExecuteResponse(job.ID, result)})
}

// MultiSink fans a finished job out to several sinks.
type MultiSink []queue.ResultSink

func (m MultiSink) JobFinished(job *queue.Job, result queue.Result) {
	for _, s := range m {
		s.JobFinished(job, result)
	}
}
