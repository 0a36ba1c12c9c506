package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrQueueFull  = errors.New("worker queue is full")
)

// Job is a unit of work run by the pool. ctx is cancelled on shutdown.
type Job func(ctx context.Context) error

// Pool runs jobs on a fixed number of goroutines fed by a buffered queue.
type Pool struct {
	numWorkers int
	jobChan    chan Job
	logger     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
}

func NewPool(numWorkers, queueSize int, logger *zap.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobChan:    make(chan Job, queueSize),
		logger:     logger.Named("worker"),
	}
}

// Start launches the workers. They stop once ctx is cancelled; queued jobs
// that were not picked up by then are dropped.
func (p *Pool) Start(ctx context.Context) {
	for i := range p.numWorkers {
		p.workers.Add(1)
		go p.worker(ctx, i+1)
	}

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.closed = true
		close(p.jobChan)
		p.mu.Unlock()
		p.logger.Info("shutdown signaled, job channel closed", zap.Int("dropped", len(p.jobChan)))
	}()
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobChan <- job:
		return nil
	default:
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, cap(p.jobChan))
	}
}

// Len is the number of jobs waiting to be picked up.
func (p *Pool) Len() int {
	return len(p.jobChan)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.workers.Wait()
	p.logger.Info("all workers stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.workers.Done()
	log := p.logger.With(zap.Int("worker_id", id))

	for {
		select {
		case job, ok := <-p.jobChan:
			if !ok {
				return
			}
			if err := p.safeExecution(ctx, job); err != nil {
				log.Warn("job returned error", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) safeExecution(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic recovered in job", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(ctx)
}
