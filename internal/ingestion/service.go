package ingestion

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/store"
)

// Upload file formats.
const (
	FormatCSV     = "csv"
	FormatCSVPipe = "csv_pipe"
	FormatJSON    = "json"
)

// Submitter queues a parsed batch.
type Submitter interface {
	Submit(ctx context.Context, dealerCode string, rows []domain.RawRow, opts domain.BatchOptions) (string, error)
}

// ProgressReader reports the current state of a job.
type ProgressReader interface {
	GetProgress(ctx context.Context, jobID string) (*domain.ProgressRecord, error)
}

// IngestResult is returned from a successful upload.
type IngestResult struct {
	JobID     string `json:"job_id"`
	Rows      int    `json:"rows"`
	Duplicate bool   `json:"duplicate"`
}

// pendingUpload marks a hash whose upload is being parsed and submitted.
// It expires quickly so a crashed submission does not block the file.
const (
	pendingUpload = "pending"
	pendingTTL    = time.Minute
)

// Service turns uploaded files into batch jobs. Re-uploading the same file
// for the same dealer while the first job is still known and has not failed
// returns that job instead of queuing another one.
type Service struct {
	submitter Submitter
	seen      store.KV
	jobs      ProgressReader
	ttl       time.Duration
	logger    *zap.Logger
}

func NewService(submitter Submitter, seen store.KV, jobs ProgressReader, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{
		submitter: submitter,
		seen:      seen,
		jobs:      jobs,
		ttl:       ttl,
		logger:    logger.Named("ingestion"),
	}
}

// Parse decodes data in the given file format.
func Parse(data []byte, format string) ([]domain.RawRow, error) {
	switch format {
	case FormatCSV, "":
		return ParseCSV(data, ',')
	case FormatCSVPipe:
		return ParseCSV(data, '|')
	case FormatJSON:
		return ParseJSON(data)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFormat, format)
	}
}

// Ingest parses an uploaded file and submits its rows as one batch.
func (s *Service) Ingest(ctx context.Context, data []byte, format, dealerCode string, opts domain.BatchOptions) (*IngestResult, error) {
	key := fmt.Sprintf("upload:%s:%x", dealerCode, sha256.Sum256(data))
	if s.seen != nil {
		dup, err := s.claim(ctx, key)
		if err != nil {
			return nil, err
		}
		if dup != nil {
			s.logger.Info("duplicate upload, returning existing job",
				zap.String("dealer_code", dealerCode),
				zap.String("job_id", dup.JobID),
			)
			return dup, nil
		}
	}

	rows, err := Parse(data, format)
	if err != nil {
		s.forget(ctx, key)
		return nil, fmt.Errorf("parse %s: %w", format, err)
	}

	jobID, err := s.submitter.Submit(ctx, dealerCode, rows, opts)
	if err != nil {
		s.forget(ctx, key)
		return nil, err
	}

	if s.seen != nil {
		if err := s.seen.Set(ctx, key, []byte(jobID), s.ttl); err != nil {
			s.logger.Warn("failed to remember upload hash", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	s.logger.Info("upload ingested",
		zap.String("dealer_code", dealerCode),
		zap.String("job_id", jobID),
		zap.String("format", format),
		zap.Int("rows", len(rows)),
	)
	return &IngestResult{JobID: jobID, Rows: len(rows)}, nil
}

// claim reserves key for this upload. It returns a result when an earlier
// upload of the same file is still usable, and domain.ErrUploadInProgress
// when an identical upload is being submitted right now.
func (s *Service) claim(ctx context.Context, key string) (*IngestResult, error) {
	for range 2 {
		ok, err := s.seen.SetNX(ctx, key, []byte(pendingUpload), pendingTTL)
		if err != nil {
			return nil, fmt.Errorf("claim upload hash: %w", err)
		}
		if ok {
			return nil, nil
		}

		val, found, err := s.seen.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check upload hash: %w", err)
		}
		if !found {
			continue
		}
		jobID := string(val)
		if jobID == pendingUpload {
			return nil, domain.ErrUploadInProgress
		}
		if s.reusable(ctx, jobID) {
			return &IngestResult{JobID: jobID, Duplicate: true}, nil
		}
		if err := s.seen.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("release upload hash: %w", err)
		}
	}
	return nil, domain.ErrUploadInProgress
}

// reusable reports whether jobID is still known and has not failed.
func (s *Service) reusable(ctx context.Context, jobID string) bool {
	if s.jobs == nil {
		return true
	}
	progress, err := s.jobs.GetProgress(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			s.logger.Warn("failed to read job progress", zap.String("job_id", jobID), zap.Error(err))
		}
		return false
	}
	return progress.Status != domain.JobFailed
}

func (s *Service) forget(ctx context.Context, key string) {
	if s.seen == nil {
		return
	}
	if err := s.seen.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("failed to release upload hash", zap.Error(err))
	}
}
