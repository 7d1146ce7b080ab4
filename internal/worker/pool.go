// Package worker runs submitted jobs on a fixed set of goroutines. A job's
// lifetime belongs to the pool, not to whoever submitted it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrStopped = errors.New("worker pool stopped")

type Job struct {
	Name string
	Run  func(ctx context.Context) error
	// Done, if set, receives Run's result on the worker goroutine.
	Done func(err error)
}

type Pool struct {
	logger *zap.Logger
	count  int
	jobs   chan Job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(logger *zap.Logger, count, queue int) *Pool {
	if count <= 0 {
		count = 1
	}
	if queue < 0 {
		queue = 0
	}
	return &Pool{
		logger: logger,
		count:  count,
		jobs:   make(chan Job, queue),
	}
}

// Start launches the workers. Jobs run with ctx; cancelling it makes running
// jobs fail fast but queued jobs are still handed to Done.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", zap.Int("workers", p.count))

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit queues a job, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs, waits for queued and running ones to finish and
// returns once every worker has exited.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool...")
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		p.process(ctx, id, job)
	}
}

func (p *Pool) process(ctx context.Context, workerID int, job Job) {
	start := time.Now()
	err := p.run(ctx, job)
	if err != nil {
		p.logger.Error("job failed",
			zap.Int("worker", workerID),
			zap.String("job", job.Name),
			zap.Error(err),
		)
	} else {
		p.logger.Debug("job completed",
			zap.Int("worker", workerID),
			zap.String("job", job.Name),
			zap.Duration("took", time.Since(start)),
		)
	}
	if job.Done != nil {
		job.Done(err)
	}
}

func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}
