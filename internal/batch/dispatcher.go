package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/worker"
)

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Submit(job worker.Job) error
	Len() int
}

type DispatcherConfig struct {
	// Timeout bounds the whole execution, retries and waits included.
	Timeout time.Duration
	Retry   worker.RetryPolicy
}

// Dispatcher accepts batch submissions, hands them to the worker queue and
// owns retries, timeouts and the terminal failure record.
type Dispatcher struct {
	orch    *Orchestrator
	queue   Queue
	store   JobStore
	history History
	cfg     DispatcherConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewDispatcher(
	orch *Orchestrator,
	queue Queue,
	store JobStore,
	history History,
	cfg DispatcherConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	d := &Dispatcher{
		orch:     orch,
		queue:    queue,
		store:    store,
		history:  history,
		cfg:      cfg,
		logger:   logger.Named("dispatcher"),
		metrics:  m,
		inFlight: make(map[string]struct{}),
	}
	d.cfg.Retry.Retryable = retryable
	return d
}

func retryable(err error) bool {
	return !domain.IsPermanent(err) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, context.Canceled)
}

// Submit validates the request, queues the job and returns its id without
// waiting for it to run.
func (d *Dispatcher) Submit(ctx context.Context, dealerCode string, rows []domain.RawRow, opts domain.BatchOptions) (string, error) {
	job, err := d.register(ctx, dealerCode, rows, opts)
	if err != nil {
		return "", err
	}

	err = d.queue.Submit(func(ctx context.Context) error {
		_, err := d.execute(ctx, job, rows)
		return err
	})
	d.metrics.QueueDepth(d.queue.Len())
	if err != nil {
		d.release(job.JobID)
		d.fail(ctx, job, 0, len(rows), fmt.Errorf("enqueue: %w", err))
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	d.logger.Info("batch queued",
		zap.String("job_id", job.JobID),
		zap.String("dealer_code", dealerCode),
		zap.Int("rows", len(rows)),
	)
	return job.JobID, nil
}

// SubmitSync runs the job on the caller's goroutine and returns its result.
func (d *Dispatcher) SubmitSync(ctx context.Context, dealerCode string, rows []domain.RawRow, opts domain.BatchOptions) (*domain.JobResult, error) {
	job, err := d.register(ctx, dealerCode, rows, opts)
	if err != nil {
		return nil, err
	}
	return d.execute(ctx, job, rows)
}

func (d *Dispatcher) register(ctx context.Context, dealerCode string, rows []domain.RawRow, opts domain.BatchOptions) (*domain.BatchJob, error) {
	if err := d.orch.Precheck(ctx, dealerCode, len(rows), opts); err != nil {
		return nil, err
	}

	job := &domain.BatchJob{
		JobID:      uuid.NewString(),
		DealerCode: dealerCode,
		Options:    opts,
		Status:     domain.JobQueued,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.claim(job.JobID); err != nil {
		return nil, err
	}

	if d.history != nil {
		rec := &domain.JobRecord{
			ID:         job.JobID,
			DealerCode: dealerCode,
			Status:     domain.JobQueued,
			TotalRows:  len(rows),
			CreatedAt:  job.CreatedAt,
		}
		if err := d.history.Insert(ctx, rec); err != nil {
			d.logger.Warn("job history insert failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}

	err := d.store.SetProgress(ctx, domain.ProgressRecord{
		JobID:      job.JobID,
		Percentage: progressQueued,
		Status:     domain.JobQueued,
		Message:    "queued",
	})
	if err != nil {
		d.release(job.JobID)
		return nil, fmt.Errorf("publish progress: %w", err)
	}
	return job, nil
}

func (d *Dispatcher) claim(jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[jobID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrJobAlreadyQueued, jobID)
	}
	d.inFlight[jobID] = struct{}{}
	return nil
}

func (d *Dispatcher) release(jobID string) {
	d.mu.Lock()
	delete(d.inFlight, jobID)
	d.mu.Unlock()
}

// InFlight reports how many jobs are queued or running.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

func (d *Dispatcher) execute(ctx context.Context, job *domain.BatchJob, rows []domain.RawRow) (*domain.JobResult, error) {
	defer d.release(job.JobID)
	start := time.Now()

	policy := d.cfg.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		d.metrics.Job(metrics.OutcomeRetried, 0)
		d.logger.Warn("batch attempt failed, retrying",
			zap.String("job_id", job.JobID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		_ = d.store.SetProgress(context.WithoutCancel(ctx), domain.ProgressRecord{
			JobID:      job.JobID,
			Percentage: progressQueued,
			Status:     domain.JobQueued,
			Message:    fmt.Sprintf("attempt %d failed: %v; retrying in %s", attempt, err, delay),
		})
	}

	runCtx := ctx
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		policy.MaxElapsed = d.cfg.Timeout
	}

	var result *domain.JobResult
	attempts, err := policy.Do(runCtx, func(ctx context.Context, attempt int) error {
		job.Attempt = attempt
		res, err := d.orch.Run(ctx, job, rows)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("job exceeded %s: %w", d.cfg.Timeout, err)
		} else {
			err = fmt.Errorf("%w (job exceeded %s): %v", context.DeadlineExceeded, d.cfg.Timeout, err)
		}
	}
	if err != nil {
		failure := &domain.JobExecutionFailure{JobID: job.JobID, Attempts: attempts, Err: err}
		d.fail(ctx, job, attempts, len(rows), failure)
		d.metrics.Job(metrics.OutcomeFailed, time.Since(start))
		return nil, failure
	}

	d.metrics.Job(metrics.OutcomeCompleted, time.Since(start))
	return result, nil
}

// fail publishes the terminal failure. It uses a context detached from
// cancellation so a shutdown still leaves a record behind.
func (d *Dispatcher) fail(ctx context.Context, job *domain.BatchJob, attempts, rows int, err error) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	job.Status = domain.JobFailed

	d.logger.Error("batch failed",
		zap.String("job_id", job.JobID),
		zap.String("dealer_code", job.DealerCode),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)

	res := &domain.JobResult{
		Success:    false,
		JobID:      job.JobID,
		DealerCode: job.DealerCode,
		Status:     domain.JobFailed,
		Error:      err.Error(),
		FailedAt:   &now,
		Attempts:   attempts,
	}
	if serr := d.store.SetResult(ctx, res); serr != nil {
		d.logger.Error("failed to store failure record", zap.String("job_id", job.JobID), zap.Error(serr))
	}
	perr := d.store.SetProgress(ctx, domain.ProgressRecord{
		JobID:      job.JobID,
		Percentage: progressFailed,
		Status:     domain.JobFailed,
		Message:    err.Error(),
		UpdatedAt:  now,
	})
	if perr != nil {
		d.logger.Error("failed to publish failure progress", zap.String("job_id", job.JobID), zap.Error(perr))
	}
	if d.history != nil {
		if herr := d.history.Finish(ctx, job.JobID, domain.JobFailed, attempts, domain.Summary{Total: rows}, err.Error()); herr != nil {
			d.logger.Warn("job history write failed", zap.String("job_id", job.JobID), zap.Error(herr))
		}
	}
}
