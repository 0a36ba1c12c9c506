package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBatchTooLarge    = errors.New("batch exceeds maximum row count")
	ErrEmptyBatch       = errors.New("batch has no rows")
	ErrAllRowsInvalid   = errors.New("all rows failed validation")
	ErrInvalidOptions   = errors.New("invalid batch options")
	ErrUnknownFormat    = errors.New("unknown input format")
	ErrResultNotFound   = errors.New("result not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobAlreadyQueued = errors.New("job already in flight")
	ErrUploadInProgress = errors.New("identical upload already in progress")
)

// ValidationError lists every problem found on a row.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// ProfileNotFoundError means the dealer has no active profile.
type ProfileNotFoundError struct {
	DealerCode string
	Reason     string
}

func (e *ProfileNotFoundError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("dealer profile %q not found: %s", e.DealerCode, e.Reason)
	}
	return fmt.Sprintf("dealer profile %q not found", e.DealerCode)
}

// ChunkProcessingError is a failure that took out a whole chunk.
type ChunkProcessingError struct {
	Chunk int
	Start int
	End   int
	Err   error
}

func (e *ChunkProcessingError) Error() string {
	return fmt.Sprintf("chunk %d (rows %d-%d) failed: %v", e.Chunk, e.Start, e.End-1, e.Err)
}

func (e *ChunkProcessingError) Unwrap() error { return e.Err }

// CalculationError is raised by the calculator on malformed numeric input.
type CalculationError struct {
	Field string
	Err   error
}

func (e *CalculationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("calculation failed: %v", e.Err)
	}
	return fmt.Sprintf("calculation failed on %s: %v", e.Field, e.Err)
}

func (e *CalculationError) Unwrap() error { return e.Err }

// JobExecutionFailure is the terminal failure of a job after all attempts.
type JobExecutionFailure struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *JobExecutionFailure) Error() string {
	return fmt.Sprintf("job %s failed after %d attempt(s): %v", e.JobID, e.Attempts, e.Err)
}

func (e *JobExecutionFailure) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying the job cannot change the outcome.
func IsPermanent(err error) bool {
	var pnf *ProfileNotFoundError
	switch {
	case errors.As(err, &pnf),
		errors.Is(err, ErrBatchTooLarge),
		errors.Is(err, ErrEmptyBatch),
		errors.Is(err, ErrAllRowsInvalid),
		errors.Is(err, ErrInvalidOptions),
		errors.Is(err, ErrUnknownFormat):
		return true
	}
	return false
}
