package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

var (
	bucketJobs    = []byte("jobs")
	bucketRunning = []byte("running")
	bucketPending = []byte("pending")
)

// LocalQueue is a single-process Backend over a bbolt file, used when
// no QUEUE_URL is configured and the local fallback is enabled. Jobs
// survive restarts; dispatch is in-memory, so it cannot coordinate
// multiple server processes. Development only.
type LocalQueue struct {
	db     *bolt.DB
	notify chan string
}

func NewLocalQueue(path string) (*LocalQueue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening local queue at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketRunning, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing local queue: %w", err)
	}

	q := &LocalQueue{db: db, notify: make(chan string, 1024)}
	// Re-dispatch jobs that were pending when the previous process
	// stopped.
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, _ []byte) error {
			select {
			case q.notify <- string(k):
			default:
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reloading pending jobs: %w", err)
	}
	return q, nil
}

func (q *LocalQueue) Close() error { return q.db.Close() }

func (q *LocalQueue) Enqueue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return common.Wrap(common.KindInternal, "marshaling job", err)
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketPending).Put([]byte(job.ID), []byte{1})
	})
	if err != nil {
		return common.Wrap(common.KindTransient, "enqueueing job", err)
	}
	select {
	case q.notify <- job.ID:
	default:
	}
	return nil
}

func (q *LocalQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	var jobID string
	select {
	case jobID = <-q.notify:
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	job, err := q.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPending).Delete([]byte(jobID)); err != nil {
			return err
		}
		return tx.Bucket(bucketRunning).Put([]byte(jobID), []byte{1})
	})
	if err != nil {
		return nil, common.Wrap(common.KindTransient, "marking job running", err)
	}
	job.Status = StatusRunning
	return job, nil
}

func (q *LocalQueue) Complete(ctx context.Context, jobID string, result Result) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get([]byte(jobID))
		if data == nil {
			return common.E(common.KindNotFound, "job not found")
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return common.Wrap(common.KindInternal, "unmarshaling job", err)
		}
		job.Status = result.Status
		job.Result = &result
		updated, err := json.Marshal(&job)
		if err != nil {
			return common.Wrap(common.KindInternal, "marshaling job", err)
		}
		if err := jobs.Put([]byte(jobID), updated); err != nil {
			return err
		}
		return tx.Bucket(bucketRunning).Delete([]byte(jobID))
	})
}

func (q *LocalQueue) Job(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(jobID))
		if data == nil {
			return common.E(common.KindNotFound, "job not found or expired")
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *LocalQueue) Counts(ctx context.Context) (int64, int64, error) {
	var pending, running int64
	err := q.db.View(func(tx *bolt.Tx) error {
		pending = int64(tx.Bucket(bucketPending).Stats().KeyN)
		running = int64(tx.Bucket(bucketRunning).Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, 0, common.Wrap(common.KindTransient, "reading queue counters", err)
	}
	return pending, running, nil
}

func (q *LocalQueue) RecoverInterrupted(ctx context.Context) (int, error) {
	var ids []string
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunning).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
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
