package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

// Redis key layout. Job records live in a hash per job so a crashed
// worker loses nothing; the pending and running lists only hold ids.
const (
	keyPending = "exec:pending"
	keyRunning = "exec:running"
	keyJob     = "exec:job:" // + job id
)

func errWaitTimeout(jobID string) error {
	return common.E(common.KindExecutionTimeout, fmt.Sprintf("job %s did not finish in time", jobID))
}

// RedisQueue is the production Backend.
type RedisQueue struct {
	client    *redis.Client
	resultTTL time.Duration
}

// NewRedisQueue connects and pings. resultTTL is how long finished job
// records stay readable for the HTTP caller; keep it at 30s or more.
func NewRedisQueue(ctx context.Context, url string, resultTTL time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing QUEUE_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to queue backend: %w", err)
	}
	if resultTTL < 30*time.Second {
		resultTTL = 30 * time.Second
	}
	return &RedisQueue{client: client, resultTTL: resultTTL}, nil
}

// NewRedisQueueFromClient exists for tests running against miniredis.
func NewRedisQueueFromClient(client *redis.Client, resultTTL time.Duration) *RedisQueue {
	if resultTTL < 30*time.Second {
		resultTTL = 30 * time.Second
	}
	return &RedisQueue{client: client, resultTTL: resultTTL}
}

func (q *RedisQueue) Close() error { return q.client.Close() }

// Client exposes the underlying connection for components sharing the
// backend, like the rate limiter.
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return common.Wrap(common.KindInternal, "marshaling job", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, keyJob+job.ID, "record", data, "status", StatusPending)
	pipe.RPush(ctx, keyPending, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return common.Wrap(common.KindTransient, "enqueueing job", err)
	}
	return nil
}

// Dequeue moves one id from pending to running in a single BLMOVE, so a
// process dying at any point leaves the id in exactly one of the two
// lists and restart recovery always finds it.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	jobID, err := q.client.BLMove(ctx, keyPending, keyRunning, "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "dequeueing job", err)
	}

	job, err := q.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := q.client.HSet(ctx, keyJob+jobID, "status", StatusRunning).Err(); err != nil {
		return nil, common.Wrap(common.KindTransient, "marking job running", err)
	}
	job.Status = StatusRunning
	return job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, jobID string, result Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return common.Wrap(common.KindInternal, "marshaling result", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, keyJob+jobID, "status", result.Status, "result", data)
	pipe.LRem(ctx, keyRunning, 0, jobID)
	pipe.PExpire(ctx, keyJob+jobID, q.resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return common.Wrap(common.KindTransient, "completing job", err)
	}
	return nil
}

func (q *RedisQueue) Job(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, keyJob+jobID).Result()
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "loading job", err)
	}
	record, ok := fields["record"]
	if !ok {
		return nil, common.E(common.KindNotFound, "job not found or expired")
	}
	var job Job
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		return nil, common.Wrap(common.KindInternal, "unmarshaling job", err)
	}
	if status, ok := fields["status"]; ok {
		job.Status = status
	}
	if raw, ok := fields["result"]; ok {
		var result Result
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, common.Wrap(common.KindInternal, "unmarshaling result", err)
		}
		job.Result = &result
	}
	return &job, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (int64, int64, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, keyPending)
	running := pipe.LLen(ctx, keyRunning)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, common.Wrap(common.KindTransient, "reading queue counters", err)
	}
	return pending.Val(), running.Val(), nil
}

// RecoverInterrupted fails every job left in the running list by a
// previous process. Jobs are never silently lost: callers polling the
// id get a deterministic failed result.
func (q *RedisQueue) RecoverInterrupted(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, keyRunning, 0, -1).Result()
	if err != nil {
		return 0, common.Wrap(common.KindTransient, "listing interrupted jobs", err)
	}
	for _, id := range ids {
		result := Result{Status: StatusFailed, Reason: ReasonInterrupted, ExitCode: -1}
		if err := q.Complete(ctx, id, result); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
