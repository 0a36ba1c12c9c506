package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/fieldmap"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/profile"
	"github.com/wakala/settlement/internal/validation"
)

// Progress checkpoints. Chunk processing spans processingStart..processingEnd.
const (
	progressQueued        = 0
	progressStarted       = 5
	progressProfileLoaded = 10
	processingStart       = 20
	processingEnd         = 90
	progressCompleted     = 100
	progressFailed        = -1
)

// JobStore is where progress and results are published.
type JobStore interface {
	SetProgress(ctx context.Context, rec domain.ProgressRecord) error
	SetResult(ctx context.Context, res *domain.JobResult) error
}

// History records every job execution for auditing.
type History interface {
	Insert(ctx context.Context, rec *domain.JobRecord) error
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, attempt int, message string) error
	Finish(ctx context.Context, id string, status domain.JobStatus, attempts int, s domain.Summary, message string) error
}

// RowValidator checks a canonical row against a dealer profile.
type RowValidator interface {
	Validate(raw domain.RawRow, p *domain.DealerProfile) domain.ValidationResult
}

type Limits struct {
	MaxRows          int
	DefaultChunkSize int
	MaxChunkSize     int
}

// Orchestrator runs one batch job through its states, chunk by chunk.
type Orchestrator struct {
	resolver  *profile.Resolver
	validator RowValidator
	store     JobStore
	history   History
	limits    Limits
	options   *validator.Validate
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewOrchestrator(
	resolver *profile.Resolver,
	rowValidator RowValidator,
	store JobStore,
	history History,
	limits Limits,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		resolver:  resolver,
		validator: rowValidator,
		store:     store,
		history:   history,
		limits:    limits,
		options:   validator.New(),
		logger:    logger.Named("batch"),
		metrics:   m,
	}
}

// CheckInput rejects submissions that can never succeed, before any state
// transition happens.
func (o *Orchestrator) CheckInput(rows int, opts domain.BatchOptions) error {
	if rows == 0 {
		return domain.ErrEmptyBatch
	}
	if rows > o.limits.MaxRows {
		return fmt.Errorf("%w: %d rows, limit is %d", domain.ErrBatchTooLarge, rows, o.limits.MaxRows)
	}
	if err := o.options.Struct(opts); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOptions, err)
	}
	if opts.ChunkSize > o.limits.MaxChunkSize {
		return fmt.Errorf("%w: chunk_size %d exceeds %d", domain.ErrInvalidOptions, opts.ChunkSize, o.limits.MaxChunkSize)
	}
	return nil
}

// Precheck runs CheckInput and confirms the dealer has an active profile.
func (o *Orchestrator) Precheck(ctx context.Context, dealerCode string, rows int, opts domain.BatchOptions) error {
	if err := o.CheckInput(rows, opts); err != nil {
		return err
	}
	_, err := o.resolver.Profile(ctx, dealerCode)
	return err
}

func (o *Orchestrator) chunkSize(opts domain.BatchOptions) int {
	size := opts.ChunkSize
	if size <= 0 {
		size = o.limits.DefaultChunkSize
	}
	if size <= 0 {
		size = 50
	}
	if o.limits.MaxChunkSize > 0 && size > o.limits.MaxChunkSize {
		size = o.limits.MaxChunkSize
	}
	return size
}

// Run executes job from started to completed. It returns an error when the
// job fails; publishing the terminal failure is left to the caller, which
// may retry. Row-level problems never fail the job, except when every row
// is invalid.
func (o *Orchestrator) Run(ctx context.Context, job *domain.BatchJob, rows []domain.RawRow) (*domain.JobResult, error) {
	if err := o.CheckInput(len(rows), job.Options); err != nil {
		return nil, err
	}

	start := time.Now()
	log := o.logger.With(
		zap.String("job_id", job.JobID),
		zap.String("dealer_code", job.DealerCode),
		zap.Int("attempt", job.Attempt),
	)

	if err := o.transition(ctx, job, domain.JobStarted, progressStarted, "job started"); err != nil {
		return nil, err
	}

	p, err := o.resolver.Profile(ctx, job.DealerCode)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if err := o.transition(ctx, job, domain.JobProfileLoaded, progressProfileLoaded,
		fmt.Sprintf("profile %s loaded", p.DealerCode)); err != nil {
		return nil, err
	}

	canonical, err := fieldmap.TranslateAll(job.Options.Format, rows)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	if err := o.transition(ctx, job, domain.JobDataPreprocessed, processingStart,
		fmt.Sprintf("%d rows ready", len(rows))); err != nil {
		return nil, err
	}

	size := o.chunkSize(job.Options)
	total := (len(rows) + size - 1) / size
	results := make([]domain.RowOutcome, len(rows))
	invalid := 0

	for c := 0; c < total; c++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("stopped before chunk %d/%d: %w", c+1, total, err)
		}

		lo := c * size
		hi := min(lo+size, len(rows))

		n, err := o.runChunk(ctx, job, p, c, total, lo, hi, rows, canonical, results)
		if err != nil {
			if job.Options.StopOnError {
				return nil, err
			}
			log.Warn("chunk failed, marking its rows as errors", zap.Error(err))
			for i := lo; i < hi; i++ {
				results[i] = domain.RowOutcome{Index: i, Status: domain.RowError, Input: rows[i], Message: err.Error()}
			}
			continue
		}
		invalid += n
	}

	if invalid == len(rows) {
		return nil, fmt.Errorf("%w (%d rows)", domain.ErrAllRowsInvalid, invalid)
	}

	for _, r := range results {
		o.metrics.Row(string(r.Status))
	}
	summary := domain.Summarize(results)
	perf := domain.NewPerformance(time.Since(start), len(rows))

	if err := o.transition(ctx, job, domain.JobCalculationCompleted, processingEnd,
		fmt.Sprintf("%d succeeded, %d with fallback, %d errors", summary.Success, summary.Fallbacks, summary.Errors)); err != nil {
		return nil, err
	}

	completedAt := time.Now().UTC()
	res := &domain.JobResult{
		Success:     true,
		JobID:       job.JobID,
		DealerCode:  job.DealerCode,
		Status:      domain.JobCompleted,
		Profile:     &domain.ProfileInfo{DealerCode: p.DealerCode, DealerName: p.DealerName, TaxRate: p.TaxRate},
		Results:     results,
		Summary:     &summary,
		Performance: &perf,
		Attempts:    job.Attempt,
		CompletedAt: &completedAt,
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("stopped before storing results: %w", err)
	}

	record := res
	if !job.Options.ShouldStoreResults() {
		summaryOnly := *res
		summaryOnly.Results = nil
		record = &summaryOnly
	}
	if err := o.store.SetResult(ctx, record); err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}

	if err := o.transition(ctx, job, domain.JobCompleted, progressCompleted, "completed"); err != nil {
		return nil, err
	}
	o.recordHistory(func(ctx context.Context) error {
		return o.history.Finish(ctx, job.JobID, domain.JobCompleted, job.Attempt, summary, "")
	})

	log.Info("batch completed",
		zap.Int("rows", summary.Total),
		zap.Int("success", summary.Success),
		zap.Int("fallbacks", summary.Fallbacks),
		zap.Int("errors", summary.Errors),
		zap.Float64("total_time_ms", perf.TotalTimeMs),
	)
	return res, nil
}

// runChunk processes rows[lo:hi] into results and returns how many rows
// failed validation. A panic or a failed progress write takes out the whole
// chunk as a *domain.ChunkProcessingError.
func (o *Orchestrator) runChunk(
	ctx context.Context,
	job *domain.BatchJob,
	p *domain.DealerProfile,
	chunk, total, lo, hi int,
	rows, canonical []domain.RawRow,
	results []domain.RowOutcome,
) (invalid int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.ChunkProcessingError{Chunk: chunk + 1, Start: lo, End: hi, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	pct := processingStart + (processingEnd-processingStart)*chunk/total
	if err := o.transition(ctx, job, domain.JobProcessing, pct,
		fmt.Sprintf("processing chunk %d/%d (rows %d-%d)", chunk+1, total, lo, hi-1)); err != nil {
		return 0, &domain.ChunkProcessingError{Chunk: chunk + 1, Start: lo, End: hi, Err: err}
	}

	for i := lo; i < hi; i++ {
		out, valid := o.processRow(ctx, job.Options, p, i, rows[i], canonical[i])
		results[i] = out
		if !valid {
			invalid++
		}
	}
	return invalid, nil
}

func (o *Orchestrator) processRow(
	ctx context.Context,
	opts domain.BatchOptions,
	p *domain.DealerProfile,
	index int,
	input, raw domain.RawRow,
) (domain.RowOutcome, bool) {
	out := domain.RowOutcome{Index: index, Input: input}

	if vr := o.validator.Validate(raw, p); !vr.Valid {
		out.Status = domain.RowError
		out.Message = validation.Error(vr).Error()
		return out, false
	}

	// The resolver already falls back to the default rate, so an error here
	// means the fallback failed too.
	out = o.resolver.Outcome(ctx, index, raw, p)
	out.Input = input
	if out.Result != nil && !opts.IncludePerformance {
		out.Result.Performance = nil
	}
	return out, true
}

// CalculateRow is the synchronous single-row path: strict profile load,
// validation, then profile-based calculation with fallback.
func (o *Orchestrator) CalculateRow(ctx context.Context, dealerCode, format string, row domain.RawRow) (*domain.CalculationResult, error) {
	p, err := o.resolver.Profile(ctx, dealerCode)
	if err != nil {
		return nil, err
	}
	raw, err := fieldmap.Translate(format, row)
	if err != nil {
		return nil, err
	}
	if err := validation.Error(o.validator.Validate(raw, p)); err != nil {
		return nil, err
	}
	return o.resolver.ResolveWithProfile(ctx, p, raw)
}

func (o *Orchestrator) transition(ctx context.Context, job *domain.BatchJob, status domain.JobStatus, pct int, message string) error {
	job.Status = status
	rec := domain.ProgressRecord{
		JobID:      job.JobID,
		Percentage: pct,
		Status:     status,
		Message:    message,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := o.store.SetProgress(ctx, rec); err != nil {
		return fmt.Errorf("publish progress %s: %w", status, err)
	}
	o.recordHistory(func(ctx context.Context) error {
		return o.history.UpdateStatus(ctx, job.JobID, status, job.Attempt, message)
	})
	return nil
}

// recordHistory writes to the audit table. Failures there are logged and
// never fail the job.
func (o *Orchestrator) recordHistory(write func(ctx context.Context) error) {
	if o.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := write(ctx); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("job history write failed", zap.Error(err))
	}
}
