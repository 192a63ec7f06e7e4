package service

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type Job struct {
	ID  string
	Run func(ctx context.Context) error
	Ctx context.Context

	// Done receives the result of Run when set. It must be buffered or
	// drained, workers block on it.
	Done chan error
}

// JobQueue runs jobs on a fixed amount of workers. Enqueue never blocks, it
// fails with ErrQueueFull when the backlog is at capacity.
type JobQueue struct {
	jobs    chan *Job
	running atomic.Int32
	workers int
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewJobQueue initializes a new job queue that limits the
// max amount of jobs that can be queued at once
func NewJobQueue(workers, size int) *JobQueue {
	if workers <= 0 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}

	zap.L().Debug("Initializing job queue", zap.Int("workers", workers), zap.Int("max_jobs", size))

	return &JobQueue{
		jobs:    make(chan *Job, size),
		workers: workers,
	}
}

func (q *JobQueue) StartWorkerPool() {
	for range q.workers {
		q.wg.Add(1)
		go q.worker()
	}
}

func (q *JobQueue) worker() {
	defer q.wg.Done()

	for job := range q.jobs {
		ctx := job.Ctx
		if ctx == nil {
			ctx = context.Background()
		}

		err := job.Run(ctx)

		if job.Done != nil {
			job.Done <- err
			close(job.Done)
		}

		q.running.Add(-1)

		if err != nil {
			zap.L().Error("Job finished with an error",
				zap.String("job_id", job.ID),
				zap.Error(err))
		} else {
			zap.L().Debug("Job finished successfully", zap.String("job_id", job.ID))
		}
	}
}

func (q *JobQueue) Enqueue(job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueFull
	}

	select {
	case q.jobs <- job:
		q.running.Add(1)
		zap.L().Debug("New job enqueued", zap.Int32("enqueued", q.running.Load()), zap.String("job_id", job.ID))
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the amount of jobs queued or running
func (q *JobQueue) Pending() int32 {
	return q.running.Load()
}

// Close stops accepting jobs and waits for the queued ones to finish
func (q *JobQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}
