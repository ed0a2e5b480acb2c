package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

const dequeuePoll = time.Second

// Runner executes one job in isolation. *sandbox.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, job *Job) Result
}

// ResultSink receives finished jobs, e.g. to broadcast into the
// document room or publish lifecycle events. May be nil.
type ResultSink interface {
	JobFinished(job *Job, result Result)
}

// Pool consumes jobs with bounded concurrency. Workers start lazily on
// the first submission and tear themselves down after an idle window,
// so a quiet server holds no polling connections.
type Pool struct {
	backend     Backend
	runner      Runner
	sink        ResultSink
	concurrency int
	idle        time.Duration
	logger      *logrus.Entry

	mu       sync.Mutex // the shutdown lock
	started  bool
	stop     chan struct{}
	lastBusy time.Time
	wg       sync.WaitGroup
}

func NewPool(backend Backend, runner Runner, sink ResultSink, concurrency int, idle time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &Pool{
		backend:     backend,
		runner:      runner,
		sink:        sink,
		concurrency: concurrency,
		idle:        idle,
		logger:      common.Logger.WithField("component", "workerpool"),
	}
}

// Submit enqueues a job and makes sure workers are running.
func (p *Pool) Submit(ctx context.Context, job *Job) error {
	if err := p.backend.Enqueue(ctx, job); err != nil {
		return err
	}
	p.ensureStarted()
	return nil
}

func (p *Pool) ensureStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.stop = make(chan struct{})
	p.lastBusy = time.Now()
	p.logger.WithField("workers", p.concurrency).Debug("starting worker pool")
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(p.stop)
	}
}

// Shutdown stops the pool and waits for in-flight jobs to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.started {
		p.started = false
		close(p.stop)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(stop chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), dequeuePoll+5*time.Second)
		job, err := p.backend.Dequeue(ctx, dequeuePoll)
		cancel()
		if err != nil {
			p.logger.WithError(err).Warn("dequeue failed")
			select {
			case <-stop:
				return
			case <-time.After(dequeuePoll):
			}
			continue
		}
		if job == nil {
			if p.maybeStop(stop) {
				return
			}
			continue
		}

		p.markBusy()
		p.execute(job)
	}
}

func (p *Pool) markBusy() {
	p.mu.Lock()
	p.lastBusy = time.Now()
	p.mu.Unlock()
}

// maybeStop tears the pool down once it has been idle long enough. The
// pending and running counts are re-checked inside the shutdown lock:
// without that, a job enqueued between the idle check and the teardown
// would sit unserved until the next submission.
func (p *Pool) maybeStop(stop chan struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return true
	}
	if time.Since(p.lastBusy) < p.idle {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	pending, running, err := p.backend.Counts(ctx)
	cancel()
	if err != nil || pending > 0 || running > 0 {
		p.lastBusy = time.Now()
		return false
	}

	p.started = false
	close(stop)
	p.logger.Debug("worker pool idle, stopping")
	return true
}

func (p *Pool) execute(job *Job) {
	logger := p.logger.WithFields(logrus.Fields{"job": job.ID, "language": job.Language})
	logger.Debug("executing job")

	ctx, cancel := context.WithTimeout(context.Background(), job.Timeout()+10*time.Second)
	result := p.runner.Run(ctx, job)
	cancel()

	completeCtx, completeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer completeCancel()
	if err := p.backend.Complete(completeCtx, job.ID, result); err != nil {
		logger.WithError(err).Error("failed to persist job result")
		return
	}
	logger.WithFields(logrus.Fields{"status": result.Status, "elapsedMs": result.Elapsed}).Info("job finished")

	if p.sink != nil {
		p.sink.JobFinished(job, result)
	}
}
