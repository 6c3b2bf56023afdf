package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/observability"
)

// ErrPoolStopped is returned when jobs are submitted after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// Job is a named unit of background work.
type Job struct {
	Name string
	Run  func(context.Context) error
}

// Pool runs jobs on a fixed number of goroutines.
type Pool struct {
	workerCount int
	jobs        chan Job
	wg          sync.WaitGroup
	log         zerolog.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewPool creates a pool with the given number of workers and a queue twice that size.
func NewPool(workerCount int, logger zerolog.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Pool{
		workerCount: workerCount,
		jobs:        make(chan Job, workerCount*2),
		log:         logger.With().Str("component", "worker_pool").Logger(),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("worker_count", p.workerCount).Msg("starting worker pool")

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop closes the queue and waits for queued jobs to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Msg("worker pool stopped")
}

// TrySubmit enqueues the job without blocking. It reports false when the
// queue is full or the pool is stopped.
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
		p.log.Warn().Str("job", job.Name).Msg("worker pool queue full, job dropped")
		observability.WorkerJobs().WithLabelValues(job.Name, "dropped").Inc()
		return false
	}
}

// Submit blocks until the job is queued or ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.log.With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker stopping due to context cancellation")
			return
		case job, ok := <-p.jobs:
			if !ok {
				log.Debug().Msg("worker stopping due to closed queue")
				return
			}
			p.run(ctx, log, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, log zerolog.Logger, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("job", job.Name).Msg("job panicked")
			observability.WorkerJobs().WithLabelValues(job.Name, "panic").Inc()
		}
	}()

	if err := job.Run(ctx); err != nil {
		log.Error().Err(err).Str("job", job.Name).Msg("job execution failed")
		observability.WorkerJobs().WithLabelValues(job.Name, "error").Inc()
		return
	}
	observability.WorkerJobs().WithLabelValues(job.Name, "ok").Inc()
}
