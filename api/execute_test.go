package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
	"github.com/D-Astudillo-ASC/collaborative-editor/config"
	"github.com/D-Astudillo-ASC/collaborative-editor/db"
	"github.com/D-Astudillo-ASC/collaborative-editor/hub"
	"github.com/D-Astudillo-ASC/collaborative-editor/queue"
	"github.com/D-Astudillo-ASC/collaborative-editor/sandbox"
)

type echoRunner struct {
	result queue.Result
}

func (r *echoRunner) Run(ctx context.Context, job *queue.Job) queue.Result {
	return r.result
}

type fixedAvailability bool

func (a fixedAvailability) Available(language string) bool { return bool(a) }

type fixedLimiter struct {
	decision queue.Decision
	err      error
}

func (l *fixedLimiter) Check(ctx context.Context, userID, bucket string) (queue.Decision, error) {
	return l.decision, l.err
}

func newExecHandlers(t *testing.T, runner queue.Runner) *Handlers {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	backend := queue.NewRedisQueueFromClient(client, time.Minute)
	pool := queue.NewPool(backend, runner, nil, 1, time.Minute)
	t.Cleanup(pool.Shutdown)

	return &Handlers{
		Queue:   backend,
		Pool:    pool,
		Limiter: &fixedLimiter{decision: queue.Decision{Allowed: true, Remaining: 9, ResetAt: time.Now().Add(time.Minute)}},
		Sandbox: fixedAvailability(true),
		Langs:   sandbox.DefaultLanguages(),
		Exec:    config.ExecConfig{Timeout: 2 * time.Second, CodeMaxBytes: 1000},
	}
}

func executeContext(t *testing.T, h *Handlers, body string) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(contextUserKey, &db.User{ID: uuid.New()})
	return rec, c
}

func TestExecuteRunsJob(t *testing.T) {
	runner := &echoRunner{result: queue.Result{Status: queue.StatusCompleted, Stdout: "hello\n", Elapsed: 7}}
	h := newExecHandlers(t, runner)

	rec, c := executeContext(t, h, `{"language":"python","code":"print('hello')"}`)
	require.NoError(t, h.Execute(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"status":"completed"`)
	assert.Contains(t, body, `"output":"hello\n"`)
	assert.Contains(t, body, `"executionTimeMs":7`)
	assert.Contains(t, body, `"executionId"`)
}

func TestExecuteRejectsEmptyCode(t *testing.T) {
	h := newExecHandlers(t, &echoRunner{})

	rec, c := executeContext(t, h, `{"language":"python","code":"  "}`)
	require.NoError(t, h.Execute(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteRejectsUnsupportedLanguage(t *testing.T) {
	h := newExecHandlers(t, &echoRunner{})

	rec, c := executeContext(t, h, `{"language":"cobol","code":"DISPLAY 1"}`)
	require.NoError(t, h.Execute(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteRejectsMalformedDocumentID(t *testing.T) {
	h := newExecHandlers(t, &echoRunner{})

	rec, c := executeContext(t, h, `{"documentId":"nope","language":"python","code":"print(1)"}`)
	require.NoError(t, h.Execute(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteSandboxUnavailable(t *testing.T) {
	h := newExecHandlers(t, &echoRunner{})
	h.Sandbox = fixedAvailability(false)

	rec, c := executeContext(t, h, `{"language":"python","code":"print(1)"}`)
	require.NoError(t, h.Execute(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "sandbox_unavailable")
}

func TestExecuteRateLimited(t *testing.T) {
	h := newExecHandlers(t, &echoRunner{})
	h.Limiter = &fixedLimiter{decision: queue.Decision{Allowed: false, ResetAt: time.Now().Add(30 * time.Second)}}

	rec, c := executeContext(t, h, `{"language":"python","code":"print(1)"}`)
	require.NoError(t, h.Execute(c))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestExecuteFailsClosedOnLimiterOutage(t *testing.T) {
	h := newExecHandlers(t, &echoRunner{})
	h.Limiter = &fixedLimiter{
		decision: queue.Decision{Allowed: false},
		err:      common.Wrap(common.KindTransient, "rate limiter unavailable", assert.AnError),
	}

	rec, c := executeContext(t, h, `{"language":"python","code":"print(1)"}`)
	require.NoError(t, h.Execute(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestExecStatsCounts(t *testing.T) {
	var s ExecStats
	s.JobFinished(nil, queue.Result{Status: queue.StatusCompleted})
	s.JobFinished(nil, queue.Result{Status: queue.StatusFailed})
	s.JobFinished(nil, queue.Result{Status: queue.StatusTimeout})

	completed, failed := s.Counts()
	assert.Equal(t, int64(1), completed)
	assert.Equal(t, int64(2), failed, "timeouts count as failed")
}

type recordingSink struct {
	jobs []*queue.Job
}

func (r *recordingSink) JobFinished(job *queue.Job, result queue.Result) {
	r.jobs = append(r.jobs, job)
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := MultiSink{a, b}

	job := queue.NewJob("u", "", "python", "print(1)", time.Second)
	sink.JobFinished(job, queue.Result{Status: queue.StatusCompleted})

	assert.Len(t, a.jobs, 1)
	assert.Len(t, b.jobs, 1)
}

func TestResultBroadcasterIgnoresUnroutableJobs(t *testing.T) {
	b := &ResultBroadcaster{Registry: hub.NewRegistry(nil, nil, config.SnapshotConfig{HubIdle: time.Minute})}

	// No document attached.
	b.JobFinished(queue.NewJob("u", "", "python", "x", time.Second), queue.Result{})
	// Malformed document id.
	b.JobFinished(queue.NewJob("u", "nope", "python", "x", time.Second), queue.Result{})
	// Valid id but no live hub.
	b.JobFinished(queue.NewJob("u", uuid.NewString(), "python", "x", time.Second), queue.Result{})
}
