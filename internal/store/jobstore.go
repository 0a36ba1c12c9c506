package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wakala/settlement/internal/domain"
)

const (
	progressPrefix = "progress:"
	resultPrefix   = "result:"
)

// JobStore keeps job progress and results for a bounded time. Results with
// more rows than the externalize threshold are written to the blob store and
// only referenced from the record.
type JobStore struct {
	kv        KV
	blobs     Blob
	ttl       time.Duration
	threshold int
}

func NewJobStore(kv KV, blobs Blob, ttl time.Duration, externalizeThreshold int) *JobStore {
	return &JobStore{kv: kv, blobs: blobs, ttl: ttl, threshold: externalizeThreshold}
}

func (s *JobStore) TTL() time.Duration { return s.ttl }

func (s *JobStore) SetProgress(ctx context.Context, rec domain.ProgressRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := s.kv.Set(ctx, progressPrefix+rec.JobID, data, s.ttl); err != nil {
		return fmt.Errorf("set progress %s: %w", rec.JobID, err)
	}
	return nil
}

// GetProgress returns domain.ErrJobNotFound for unknown or expired jobs.
func (s *JobStore) GetProgress(ctx context.Context, jobID string) (*domain.ProgressRecord, error) {
	data, ok, err := s.kv.Get(ctx, progressPrefix+jobID)
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", jobID, err)
	}
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	var rec domain.ProgressRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", jobID, err)
	}
	return &rec, nil
}

// SetResult stores res, externalizing its rows when there are too many to
// keep inline. res itself is not modified.
func (s *JobStore) SetResult(ctx context.Context, res *domain.JobResult) error {
	record := *res
	if s.blobs != nil && len(res.Results) > s.threshold {
		rows, err := json.Marshal(res.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		ref, err := s.blobs.Put(ctx, res.JobID+".json", rows)
		if err != nil {
			return fmt.Errorf("externalize results %s: %w", res.JobID, err)
		}
		record.Results = nil
		record.ResultsRef = ref
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.kv.Set(ctx, resultPrefix+res.JobID, data, s.ttl); err != nil {
		return fmt.Errorf("set result %s: %w", res.JobID, err)
	}
	return nil
}

// GetResult returns the stored result with externalized rows loaded back
// in, or domain.ErrResultNotFound. A reference whose blob is gone is an
// error, not an empty result.
func (s *JobStore) GetResult(ctx context.Context, jobID string) (*domain.JobResult, error) {
	data, ok, err := s.kv.Get(ctx, resultPrefix+jobID)
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", jobID, err)
	}
	if !ok {
		return nil, domain.ErrResultNotFound
	}

	var res domain.JobResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", jobID, err)
	}
	if res.ResultsRef == "" {
		return &res, nil
	}

	if s.blobs == nil {
		return nil, fmt.Errorf("result %s references %s but no blob store is configured", jobID, res.ResultsRef)
	}
	rows, err := s.blobs.Get(ctx, res.ResultsRef)
	if err != nil {
		return nil, fmt.Errorf("load results %s: %w", jobID, err)
	}
	if err := json.Unmarshal(rows, &res.Results); err != nil {
		return nil, fmt.Errorf("decode results %s: %w", jobID, err)
	}
	res.ResultsRef = ""
	return &res, nil
}
