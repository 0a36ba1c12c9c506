package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/wakala/settlement/internal/domain"
)

// JobRepo keeps the execution history of batch jobs.
type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

func (r *JobRepo) Insert(ctx context.Context, rec *domain.JobRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = domain.JobQueued
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO batch_jobs
		(id, dealer_code, status, attempts, total_rows, success, errors, fallbacks,
		 message, created_at, updated_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.DealerCode, string(rec.Status), rec.Attempts, rec.TotalRows,
		rec.Success, rec.Errors, rec.Fallbacks, rec.Message,
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339),
		formatNullableTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateStatus records a state transition for the given attempt.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, attempt int, message string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE batch_jobs SET status = ?, attempts = MAX(attempts, ?), message = ?, updated_at = ? WHERE id = ?",
		string(status), attempt, message, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// Finish stores the terminal state and the summary counters.
func (r *JobRepo) Finish(ctx context.Context, id string, status domain.JobStatus, attempts int, s domain.Summary, message string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		`UPDATE batch_jobs SET status = ?, attempts = ?, total_rows = ?, success = ?,
		 errors = ?, fallbacks = ?, message = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(status), attempts, s.Total, s.Success, s.Errors, s.Fallbacks,
		message, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.JobRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT * FROM batch_jobs WHERE id = ?", id)
	return scanJob(row)
}

type JobFilter struct {
	DealerCode string
	Status     string
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

func (r *JobRepo) List(ctx context.Context, f JobFilter) ([]domain.JobRecord, int, error) {
	where, args := buildJobWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM batch_jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := "SELECT * FROM batch_jobs" + where + " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var jobs []domain.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, total, rows.Err()
}

// JobSummary aggregates the history table.
type JobSummary struct {
	TotalJobs    int            `json:"total_jobs"`
	TotalRows    int            `json:"total_rows"`
	ByStatus     map[string]int `json:"by_status"`
	ByDealer     map[string]int `json:"by_dealer"`
	RowsErrored  int            `json:"rows_errored"`
	RowsFallback int            `json:"rows_fallback"`
}

func (r *JobRepo) GetSummary(ctx context.Context) (*JobSummary, error) {
	s := &JobSummary{
		ByStatus: make(map[string]int),
		ByDealer: make(map[string]int),
	}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_rows), 0),
			COALESCE(SUM(errors), 0), COALESCE(SUM(fallbacks), 0)
		FROM batch_jobs
	`).Scan(&s.TotalJobs, &s.TotalRows, &s.RowsErrored, &s.RowsFallback)
	if err != nil {
		return nil, fmt.Errorf("totals: %w", err)
	}

	groups := []struct {
		column string
		dst    map[string]int
	}{
		{"status", s.ByStatus},
		{"dealer_code", s.ByDealer},
	}
	for _, g := range groups {
		rows, err := r.db.QueryContext(ctx,
			"SELECT "+g.column+", COUNT(*) FROM batch_jobs GROUP BY "+g.column)
		if err != nil {
			return nil, fmt.Errorf("group by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, err
			}
			g.dst[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return s, nil
}

// DeleteOlderThan prunes history entries created before cutoff.
func (r *JobRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM batch_jobs WHERE created_at < ?", cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- helpers ---

func buildJobWhere(f JobFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.DealerCode != "" {
		clauses = append(clauses, "dealer_code = ?")
		args = append(args, f.DealerCode)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339))
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.To.UTC().Format(time.RFC3339))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func scanJob(s scanner) (*domain.JobRecord, error) {
	var j domain.JobRecord
	var status, createdAt, updatedAt string
	var completedAt sql.NullString

	err := s.Scan(
		&j.ID, &j.DealerCode, &status, &j.Attempts, &j.TotalRows,
		&j.Success, &j.Errors, &j.Fallbacks, &j.Message,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = domain.JobStatus(status)
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		j.CompletedAt = &t
	}

	return &j, nil
}
