package domain

import (
	"math"
	"time"
)

type JobStatus string

const (
	JobQueued               JobStatus = "queued"
	JobStarted              JobStatus = "started"
	JobProfileLoaded        JobStatus = "profile_loaded"
	JobDataPreprocessed     JobStatus = "data_preprocessed"
	JobProcessing           JobStatus = "processing"
	JobCalculationCompleted JobStatus = "calculation_completed"
	JobCompleted            JobStatus = "completed"
	JobFailed               JobStatus = "failed"
)

// IsTerminal reports whether no further transitions can happen.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

type RowStatus string

const (
	RowSuccess             RowStatus = "success"
	RowSuccessWithFallback RowStatus = "success_with_fallback"
	RowError               RowStatus = "error"
)

// Input formats accepted by a batch.
const (
	FormatCanonical = "canonical"
	FormatExternal  = "external"
)

type BatchOptions struct {
	Format             string `json:"format" validate:"omitempty,oneof=canonical external"`
	ChunkSize          int    `json:"chunk_size" validate:"gte=0"`
	StoreResults       *bool  `json:"store_results,omitempty"`
	IncludePerformance bool   `json:"include_performance"`
	StopOnError        bool   `json:"stop_on_error"`
}

// ShouldStoreResults defaults to true when unset.
func (o BatchOptions) ShouldStoreResults() bool {
	return o.StoreResults == nil || *o.StoreResults
}

// BatchJob is the orchestration state of one submission.
type BatchJob struct {
	JobID      string       `json:"job_id"`
	DealerCode string       `json:"dealer_code"`
	Options    BatchOptions `json:"options"`
	Status     JobStatus    `json:"status"`
	Attempt    int          `json:"attempt"`
	CreatedAt  time.Time    `json:"created_at"`
}

// RowOutcome is the result for one input row. Index is the row's position in
// the original submission and never changes across chunking.
type RowOutcome struct {
	Index   int                `json:"index"`
	Status  RowStatus          `json:"status"`
	Input   RawRow             `json:"input"`
	Result  *CalculationResult `json:"result,omitempty"`
	Message string             `json:"message,omitempty"`
}

type Summary struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Errors      int     `json:"errors"`
	Fallbacks   int     `json:"fallbacks"`
	SuccessRate float64 `json:"success_rate"`
}

type Performance struct {
	TotalTimeMs     float64 `json:"total_time_ms"`
	AvgTimePerRowMs float64 `json:"avg_time_per_row_ms"`
	RowsPerSecond   float64 `json:"rows_per_second"`
}

// JobResult is what the result store keeps for a job. Either Results is
// filled, or ResultsRef points at the externalized copy.
type JobResult struct {
	Success     bool         `json:"success"`
	JobID       string       `json:"job_id"`
	DealerCode  string       `json:"dealer_code"`
	Status      JobStatus    `json:"status"`
	Profile     *ProfileInfo `json:"profile,omitempty"`
	Results     []RowOutcome `json:"results,omitempty"`
	ResultsRef  string       `json:"results_ref,omitempty"`
	Summary     *Summary     `json:"summary,omitempty"`
	Performance *Performance `json:"performance,omitempty"`
	Error       string       `json:"error,omitempty"`
	FailedAt    *time.Time   `json:"failed_at,omitempty"`
	Attempts    int          `json:"attempts,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// ProgressRecord is what pollers see while a job runs.
type ProgressRecord struct {
	JobID      string    `json:"job_id"`
	Percentage int       `json:"percentage"`
	Status     JobStatus `json:"status"`
	Message    string    `json:"message"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobRecord is the persisted history entry of a job execution.
type JobRecord struct {
	ID          string     `json:"id"`
	DealerCode  string     `json:"dealer_code"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	TotalRows   int        `json:"total_rows"`
	Success     int        `json:"success"`
	Errors      int        `json:"errors"`
	Fallbacks   int        `json:"fallbacks"`
	Message     string     `json:"message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summarize counts outcomes by status. SuccessRate covers both plain and
// fallback successes, as a percentage with two decimals.
func Summarize(results []RowOutcome) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case RowSuccess:
			s.Success++
		case RowSuccessWithFallback:
			s.Fallbacks++
		default:
			s.Errors++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = round2(float64(s.Success+s.Fallbacks) / float64(s.Total) * 100)
	}
	return s
}

// NewPerformance derives throughput figures for rows processed in elapsed.
func NewPerformance(elapsed time.Duration, rows int) Performance {
	ms := float64(elapsed) / float64(time.Millisecond)
	p := Performance{TotalTimeMs: round2(ms)}
	if rows > 0 {
		p.AvgTimePerRowMs = round2(ms / float64(rows))
	}
	if elapsed > 0 {
		p.RowsPerSecond = round2(float64(rows) / elapsed.Seconds())
	}
	return p
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
