package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/profile"
	"github.com/wakala/settlement/internal/repository"
	"github.com/wakala/settlement/internal/store"
	"github.com/wakala/settlement/internal/validation"
	"github.com/wakala/settlement/internal/worker"
)

// recordingStore wraps a JobStore, keeps every progress record and can
// inject write failures.
type recordingStore struct {
	*store.JobStore

	mu             sync.Mutex
	progress       []domain.ProgressRecord
	failProgress   func(rec domain.ProgressRecord) error
	resultFailures int
}

func (s *recordingStore) SetProgress(ctx context.Context, rec domain.ProgressRecord) error {
	s.mu.Lock()
	if s.failProgress != nil {
		if err := s.failProgress(rec); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.progress = append(s.progress, rec)
	s.mu.Unlock()
	return s.JobStore.SetProgress(ctx, rec)
}

func (s *recordingStore) SetResult(ctx context.Context, res *domain.JobResult) error {
	s.mu.Lock()
	if s.resultFailures > 0 && res.Success {
		s.resultFailures--
		s.mu.Unlock()
		return errors.New("result store unavailable")
	}
	s.mu.Unlock()
	return s.JobStore.SetResult(ctx, res)
}

func (s *recordingStore) records() []domain.ProgressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProgressRecord(nil), s.progress...)
}

type panickingValidator struct {
	RowValidator
}

func (v panickingValidator) Validate(raw domain.RawRow, p *domain.DealerProfile) domain.ValidationResult {
	if raw["seller"] == "panic" {
		panic("validator blew up")
	}
	return v.RowValidator.Validate(raw, p)
}

type harness struct {
	orch     *Orchestrator
	store    *recordingStore
	jobs     *repository.JobRepo
	resolver *profile.Resolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := repository.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	profiles := repository.NewProfileRepo(db)
	require.NoError(t, profiles.Upsert(ctx, &domain.DealerProfile{
		DealerCode: "D001",
		DealerName: "Gangnam Mobile",
		Status:     domain.ProfileActive,
		TaxRate:    decimal.RequireFromString("0.1"),
	}))

	blobs, err := store.NewFileBlob(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		store: &recordingStore{JobStore: store.NewJobStore(store.NewMemoryKV(), blobs, time.Hour, 100)},
		jobs:  repository.NewJobRepo(db),
	}
	cache := profile.NewCache(profiles, time.Minute, nil)
	h.resolver = profile.NewResolver(cache, decimal.RequireFromString("0.1"), zap.NewNop(), nil)
	h.orch = NewOrchestrator(h.resolver, validation.New(), h.store, h.jobs,
		Limits{MaxRows: 1000, DefaultChunkSize: 50, MaxChunkSize: 500}, zap.NewNop(), nil)
	return h
}

func validRow(i int) domain.RawRow {
	return domain.RawRow{
		"seller":            fmt.Sprintf("seller-%d", i),
		"activation_date":   "2026-03-01",
		"base_price":        100000,
		"verbal1":           50000,
		"verbal2":           30000,
		"grade_amount":      20000,
		"additional_amount": 10000,
	}
}

func validRows(n int) []domain.RawRow {
	rows := make([]domain.RawRow, n)
	for i := range rows {
		rows[i] = validRow(i)
	}
	return rows
}

func newJob(id string, opts domain.BatchOptions) *domain.BatchJob {
	return &domain.BatchJob{JobID: id, DealerCode: "D001", Options: opts, Status: domain.JobQueued, Attempt: 1}
}

func assertMonotonic(t *testing.T, recs []domain.ProgressRecord) {
	t.Helper()
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i].Percentage, recs[i-1].Percentage, "progress went backwards at %d", i)
	}
}

func TestRun_Completes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.jobs.Insert(ctx, &domain.JobRecord{ID: "job-1", DealerCode: "D001", TotalRows: 3}))

	res, err := h.orch.Run(ctx, newJob("job-1", domain.BatchOptions{}), validRows(3))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, domain.JobCompleted, res.Status)
	require.Len(t, res.Results, 3)
	for _, r := range res.Results {
		assert.Equal(t, domain.RowSuccess, r.Status)
		assert.Equal(t, "189000", r.Result.MarginBeforeTax.String())
		assert.Nil(t, r.Result.Performance)
	}
	assert.Equal(t, domain.Summary{Total: 3, Success: 3, SuccessRate: 100}, *res.Summary)
	assert.Equal(t, "D001", res.Profile.DealerCode)

	recs := h.store.records()
	var statuses []domain.JobStatus
	for _, r := range recs {
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []domain.JobStatus{
		domain.JobStarted,
		domain.JobProfileLoaded,
		domain.JobDataPreprocessed,
		domain.JobProcessing,
		domain.JobCalculationCompleted,
		domain.JobCompleted,
	}, statuses)
	assert.Equal(t, 100, recs[len(recs)-1].Percentage)
	assertMonotonic(t, recs)

	stored, err := h.store.GetResult(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, stored.Results, 3)

	hist, err := h.jobs.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, hist.Status)
	assert.Equal(t, 3, hist.Success)
}

func TestRun_IndexPreservedForAnyChunkSize(t *testing.T) {
	for _, size := range []int{1, 7, 50, 120, 500} {
		t.Run(fmt.Sprintf("chunk_%d", size), func(t *testing.T) {
			h := newHarness(t)
			res, err := h.orch.Run(context.Background(), newJob("job", domain.BatchOptions{ChunkSize: size}), validRows(120))
			require.NoError(t, err)

			require.Len(t, res.Results, 120)
			for i, r := range res.Results {
				assert.Equal(t, i, r.Index)
				assert.Equal(t, fmt.Sprintf("seller-%d", i), r.Input["seller"])
			}
			recs := h.store.records()
			assertMonotonic(t, recs)
			for _, r := range recs {
				if r.Status == domain.JobProcessing {
					assert.GreaterOrEqual(t, r.Percentage, 20)
					assert.LessOrEqual(t, r.Percentage, 90)
				}
			}
		})
	}
}

func failChunk(n int) func(domain.ProgressRecord) error {
	prefix := fmt.Sprintf("processing chunk %d/", n)
	return func(rec domain.ProgressRecord) error {
		if rec.Status == domain.JobProcessing && strings.HasPrefix(rec.Message, prefix) {
			return errors.New("progress backend timed out")
		}
		return nil
	}
}

func TestRun_ChunkFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.store.failProgress = failChunk(2)

	res, err := h.orch.Run(context.Background(), newJob("job", domain.BatchOptions{ChunkSize: 50}), validRows(120))
	require.NoError(t, err)

	require.Len(t, res.Results, 120)
	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
		if i >= 50 && i < 100 {
			assert.Equal(t, domain.RowError, r.Status, "row %d", i)
			assert.Contains(t, r.Message, "chunk 2 (rows 50-99)")
			assert.Contains(t, r.Message, "progress backend timed out")
			assert.Nil(t, r.Result)
		} else {
			assert.Equal(t, domain.RowSuccess, r.Status, "row %d", i)
		}
	}
	assert.Equal(t, 70, res.Summary.Success)
	assert.Equal(t, 50, res.Summary.Errors)
}

func TestRun_ChunkFailureWithStopOnError(t *testing.T) {
	h := newHarness(t)
	h.store.failProgress = failChunk(2)

	_, err := h.orch.Run(context.Background(),
		newJob("job", domain.BatchOptions{ChunkSize: 50, StopOnError: true}), validRows(120))

	var chunkErr *domain.ChunkProcessingError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 2, chunkErr.Chunk)
	assert.Equal(t, 50, chunkErr.Start)
	assert.Equal(t, 100, chunkErr.End)
}

func TestRun_PanicInChunkIsContained(t *testing.T) {
	h := newHarness(t)
	h.orch.validator = panickingValidator{RowValidator: validation.New()}

	rows := validRows(10)
	rows[7]["seller"] = "panic"

	res, err := h.orch.Run(context.Background(), newJob("job", domain.BatchOptions{ChunkSize: 5}), rows)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.Equal(t, domain.RowSuccess, res.Results[i].Status)
	}
	for i := 5; i < 10; i++ {
		assert.Equal(t, domain.RowError, res.Results[i].Status)
		assert.Contains(t, res.Results[i].Message, "validator blew up")
	}
}

func TestRun_MissingProfileFailsBeforeAnyRow(t *testing.T) {
	h := newHarness(t)
	job := newJob("job", domain.BatchOptions{})
	job.DealerCode = "GHOST"

	res, err := h.orch.Run(context.Background(), job, validRows(5))
	assert.Nil(t, res)
	var pnf *domain.ProfileNotFoundError
	require.ErrorAs(t, err, &pnf)
	assert.Equal(t, "GHOST", pnf.DealerCode)

	for _, r := range h.store.records() {
		assert.NotEqual(t, domain.JobProcessing, r.Status)
	}
	_, err = h.store.GetResult(context.Background(), "job")
	assert.ErrorIs(t, err, domain.ErrResultNotFound)
}

func TestRun_RejectsBeforeAnyTransition(t *testing.T) {
	tests := []struct {
		name string
		rows int
		opts domain.BatchOptions
		want error
	}{
		{"too many rows", 1001, domain.BatchOptions{}, domain.ErrBatchTooLarge},
		{"no rows", 0, domain.BatchOptions{}, domain.ErrEmptyBatch},
		{"unknown format", 3, domain.BatchOptions{Format: "xlsx"}, domain.ErrInvalidOptions},
		{"negative chunk", 3, domain.BatchOptions{ChunkSize: -1}, domain.ErrInvalidOptions},
		{"chunk above max", 3, domain.BatchOptions{ChunkSize: 501}, domain.ErrInvalidOptions},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.orch.Run(context.Background(), newJob("job", tc.opts), validRows(tc.rows))
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, h.store.records())
		})
	}
}

func TestRun_ExactlyMaxRowsIsAccepted(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.Run(context.Background(), newJob("job", domain.BatchOptions{}), validRows(1000))
	require.NoError(t, err)
	assert.Equal(t, 1000, res.Summary.Success)
}

func TestRun_ValidationErrors(t *testing.T) {
	h := newHarness(t)

	rows := validRows(3)
	delete(rows[1], "seller")
	rows[2]["base_price"] = -5

	res, err := h.orch.Run(context.Background(), newJob("job", domain.BatchOptions{}), rows)
	require.NoError(t, err)
	assert.Equal(t, domain.RowSuccess, res.Results[0].Status)
	assert.Equal(t, domain.RowError, res.Results[1].Status)
	assert.Contains(t, res.Results[1].Message, "seller is required")
	assert.Equal(t, domain.RowError, res.Results[2].Status)
	assert.Contains(t, res.Results[2].Message, "base_price must not be negative")
	assert.InDelta(t, 33.33, res.Summary.SuccessRate, 0.001)
}

func TestRun_AllRowsInvalidFailsJob(t *testing.T) {
	h := newHarness(t)
	rows := []domain.RawRow{{"base_price": 1}, {"base_price": 2}}

	_, err := h.orch.Run(context.Background(), newJob("job", domain.BatchOptions{}), rows)
	assert.ErrorIs(t, err, domain.ErrAllRowsInvalid)
	assert.True(t, domain.IsPermanent(err))
}

func TestRun_ExternalFormat(t *testing.T) {
	h := newHarness(t)
	rows := []domain.RawRow{{
		"sellerName":       "kim",
		"activationDate":   "2026-03-01",
		"basePrice":        "100,000",
		"verbal1Amount":    50000,
		"deductionAmount":  15000,
		"unknownPassThrou": "x",
	}}

	res, err := h.orch.Run(context.Background(), newJob("job", domain.BatchOptions{Format: domain.FormatExternal}), rows)
	require.NoError(t, err)
	require.Equal(t, domain.RowSuccess, res.Results[0].Status, res.Results[0].Message)
	assert.Equal(t, "150000", res.Results[0].Result.TotalRebate.String())
	assert.Equal(t, "135000", res.Results[0].Result.Settlement.String())
	assert.Equal(t, "kim", res.Results[0].Input["sellerName"])
}

func TestRun_StoreResultsFalseKeepsSummaryOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	off := false

	res, err := h.orch.Run(ctx, newJob("job", domain.BatchOptions{StoreResults: &off}), validRows(4))
	require.NoError(t, err)
	assert.Len(t, res.Results, 4)

	stored, err := h.store.GetResult(ctx, "job")
	require.NoError(t, err)
	assert.Empty(t, stored.Results)
	assert.Equal(t, 4, stored.Summary.Total)
}

func TestRun_LargeResultIsExternalizedTransparently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.orch.Run(ctx, newJob("big", domain.BatchOptions{IncludePerformance: true}), validRows(150))
	require.NoError(t, err)

	stored, err := h.store.GetResult(ctx, "big")
	require.NoError(t, err)
	assert.Empty(t, stored.ResultsRef)
	require.Len(t, stored.Results, 150)
	for i, r := range stored.Results {
		assert.Equal(t, i, r.Index)
		assert.True(t, r.Result.Settlement.Equal(res.Results[i].Result.Settlement))
		assert.NotNil(t, r.Result.Performance)
	}
	assert.Equal(t, *res.Summary, *stored.Summary)
}

func TestRun_CancelledBetweenChunks(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.store.failProgress = func(rec domain.ProgressRecord) error {
		if rec.Status == domain.JobProcessing && strings.HasPrefix(rec.Message, "processing chunk 1/") {
			cancel()
		}
		return nil
	}

	_, err := h.orch.Run(ctx, newJob("job", domain.BatchOptions{ChunkSize: 2}), validRows(6))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "stopped before chunk 2/3")
}

func TestProcessRow_FallbackIsNeverDropped(t *testing.T) {
	h := newHarness(t)
	inactive := &domain.DealerProfile{DealerCode: "D009", Status: domain.ProfileInactive, TaxRate: decimal.RequireFromString("0.2")}

	out, valid := h.orch.processRow(context.Background(), domain.BatchOptions{}, inactive, 4, validRow(4), validRow(4))
	assert.True(t, valid)
	assert.Equal(t, 4, out.Index)
	assert.Equal(t, domain.RowSuccessWithFallback, out.Status)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.FallbackUsed)
	assert.Equal(t, "21000", out.Result.Tax.String())
	assert.Contains(t, out.Message, "D009")
}

func TestProcessRow_KeepsInputAndPerformanceOption(t *testing.T) {
	h := newHarness(t)
	p, err := h.resolver.Profile(context.Background(), "D001")
	require.NoError(t, err)

	input := domain.RawRow{"original": true}
	out, valid := h.orch.processRow(context.Background(), domain.BatchOptions{}, p, 7, input, validRow(7))
	assert.True(t, valid)
	assert.Equal(t, 7, out.Index)
	assert.Equal(t, domain.RowSuccess, out.Status)
	assert.Equal(t, input, out.Input)
	require.NotNil(t, out.Result)
	assert.Nil(t, out.Result.Performance)

	out, _ = h.orch.processRow(context.Background(), domain.BatchOptions{IncludePerformance: true}, p, 7, input, validRow(7))
	require.NotNil(t, out.Result)
	assert.NotNil(t, out.Result.Performance)
}

func TestCalculateRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.orch.CalculateRow(ctx, "D001", "", validRow(0))
	require.NoError(t, err)
	assert.Equal(t, "21000", res.Tax.String())
	assert.False(t, res.FallbackUsed)

	_, err = h.orch.CalculateRow(ctx, "GHOST", "", validRow(0))
	var pnf *domain.ProfileNotFoundError
	assert.ErrorAs(t, err, &pnf)

	_, err = h.orch.CalculateRow(ctx, "D001", "", domain.RawRow{"base_price": 1})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 2)

	_, err = h.orch.CalculateRow(ctx, "D001", "yaml", validRow(0))
	assert.ErrorIs(t, err, domain.ErrUnknownFormat)
}

func newDispatcher(t *testing.T, h *harness, queue Queue, timeout time.Duration) *Dispatcher {
	t.Helper()
	return NewDispatcher(h.orch, queue, h.store, h.jobs, DispatcherConfig{
		Timeout: timeout,
		Retry:   worker.RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{time.Millisecond}},
	}, zap.NewNop(), nil)
}

type rejectingQueue struct{}

func (rejectingQueue) Submit(worker.Job) error { return worker.ErrQueueFull }
func (rejectingQueue) Len() int                { return 0 }

func TestDispatcher_SubmitSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := newDispatcher(t, h, rejectingQueue{}, time.Minute)

	res, err := d.SubmitSync(ctx, "D001", validRows(2), domain.BatchOptions{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, d.InFlight())

	prog, err := h.store.GetProgress(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 100, prog.Percentage)

	hist, err := h.jobs.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, hist.Status)
	assert.Equal(t, 2, hist.TotalRows)
}

func TestDispatcher_SubmitAsync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	pool := worker.NewPool(2, 10, zap.NewNop())
	pool.Start(ctx)
	d := newDispatcher(t, h, pool, time.Minute)

	id, err := d.Submit(ctx, "D001", validRows(60), domain.BatchOptions{ChunkSize: 25})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		prog, err := h.store.GetProgress(ctx, id)
		return err == nil && prog.Status == domain.JobCompleted && prog.Percentage == 100
	}, 5*time.Second, 10*time.Millisecond)

	res, err := h.store.GetResult(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.Results, 60)
	assert.Eventually(t, func() bool { return d.InFlight() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDispatcher_FailsFastOnMissingProfile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := newDispatcher(t, h, rejectingQueue{}, time.Minute)

	id, err := d.Submit(ctx, "GHOST", validRows(3), domain.BatchOptions{})
	assert.Empty(t, id)
	var pnf *domain.ProfileNotFoundError
	require.ErrorAs(t, err, &pnf)
	assert.Empty(t, h.store.records())

	_, total, err := h.jobs.List(ctx, repository.JobFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDispatcher_RejectsOversizedBatch(t *testing.T) {
	h := newHarness(t)
	d := newDispatcher(t, h, rejectingQueue{}, time.Minute)

	_, err := d.Submit(context.Background(), "D001", validRows(1001), domain.BatchOptions{})
	assert.ErrorIs(t, err, domain.ErrBatchTooLarge)
	assert.Empty(t, h.store.records())
}

func TestDispatcher_RetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.resultFailures = 2
	d := newDispatcher(t, h, rejectingQueue{}, time.Minute)

	res, err := d.SubmitSync(ctx, "D001", validRows(3), domain.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)

	hist, err := h.jobs.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 3, hist.Attempts)
}

func TestDispatcher_PermanentFailureRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.resultFailures = 5
	d := newDispatcher(t, h, rejectingQueue{}, time.Minute)

	_, err := d.SubmitSync(ctx, "D001", validRows(3), domain.BatchOptions{})
	var failure *domain.JobExecutionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 3, failure.Attempts)

	res, err := h.store.GetResult(ctx, failure.JobID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.NotNil(t, res.FailedAt)
	assert.Contains(t, res.Error, "result store unavailable")
	assert.Empty(t, res.Results)

	prog, err := h.store.GetProgress(ctx, failure.JobID)
	require.NoError(t, err)
	assert.Equal(t, -1, prog.Percentage)
	assert.Equal(t, domain.JobFailed, prog.Status)

	hist, err := h.jobs.GetByID(ctx, failure.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, hist.Status)
}

func TestDispatcher_AllInvalidIsNotRetried(t *testing.T) {
	h := newHarness(t)
	d := newDispatcher(t, h, rejectingQueue{}, time.Minute)

	_, err := d.SubmitSync(context.Background(), "D001", []domain.RawRow{{"base_price": 1}}, domain.BatchOptions{})
	var failure *domain.JobExecutionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Attempts)
	assert.ErrorIs(t, err, domain.ErrAllRowsInvalid)
}

func TestDispatcher_TimeoutIsFatal(t *testing.T) {
	h := newHarness(t)
	h.store.failProgress = func(rec domain.ProgressRecord) error {
		if rec.Status == domain.JobProcessing {
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	}
	d := newDispatcher(t, h, rejectingQueue{}, 10*time.Millisecond)

	_, err := d.SubmitSync(context.Background(), "D001", validRows(4), domain.BatchOptions{ChunkSize: 1})
	var failure *domain.JobExecutionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_TimeoutCoversRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.resultFailures = 2
	h.store.failProgress = func(rec domain.ProgressRecord) error {
		if rec.Status == domain.JobStarted {
			time.Sleep(60 * time.Millisecond)
		}
		return nil
	}
	d := newDispatcher(t, h, rejectingQueue{}, 100*time.Millisecond)

	start := time.Now()
	_, err := d.SubmitSync(ctx, "D001", validRows(3), domain.BatchOptions{})
	elapsed := time.Since(start)

	var failure *domain.JobExecutionFailure
	require.ErrorAs(t, err, &failure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, failure.Attempts)
	assert.Less(t, elapsed, 180*time.Millisecond)

	res, err := h.store.GetResult(ctx, failure.JobID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "job exceeded 100ms")
}

func TestDispatcher_QueueFull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := newDispatcher(t, h, rejectingQueue{}, time.Minute)

	_, err := d.Submit(ctx, "D001", validRows(2), domain.BatchOptions{})
	assert.ErrorIs(t, err, worker.ErrQueueFull)
	assert.Equal(t, 0, d.InFlight())

	recs := h.store.records()
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	assert.Equal(t, domain.JobFailed, last.Status)
	assert.Equal(t, -1, last.Percentage)
}
