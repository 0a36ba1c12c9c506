package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
)

type ProfileRepo struct {
	db *sql.DB
}

func NewProfileRepo(db *sql.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

const upsertProfileSQL = `INSERT INTO dealer_profiles
		(dealer_code, dealer_name, status, tax_rate, default_sim_fee,
		 default_mnp_discount, default_payback_rate, custom_rules, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(dealer_code) DO UPDATE SET
			dealer_name = excluded.dealer_name,
			status = excluded.status,
			tax_rate = excluded.tax_rate,
			default_sim_fee = excluded.default_sim_fee,
			default_mnp_discount = excluded.default_mnp_discount,
			default_payback_rate = excluded.default_payback_rate,
			custom_rules = excluded.custom_rules,
			updated_at = excluded.updated_at`

// Upsert inserts a profile or replaces the existing one with the same code.
func (r *ProfileRepo) Upsert(ctx context.Context, p *domain.DealerProfile) error {
	args, err := profileArgs(p)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, upsertProfileSQL, args...); err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.DealerCode, err)
	}
	return nil
}

func (r *ProfileRepo) BulkUpsert(ctx context.Context, profiles []domain.DealerProfile) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertProfileSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	written := 0
	for i := range profiles {
		args, err := profileArgs(&profiles[i])
		if err != nil {
			return written, fmt.Errorf("profile %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return written, fmt.Errorf("upsert profile %d: %w", i, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return written, nil
}

func profileArgs(p *domain.DealerProfile) ([]any, error) {
	rules := p.CustomRules
	if rules == nil {
		rules = []domain.RuleSet{}
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("marshal custom rules: %w", err)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	status := p.Status
	if status == "" {
		status = domain.ProfileActive
	}

	return []any{
		p.DealerCode, p.DealerName, string(status), p.TaxRate.String(),
		p.DefaultSimFee.String(), p.DefaultMnpDiscount.String(), p.DefaultPaybackRate.String(),
		string(rulesJSON), p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339),
	}, nil
}

// FindActiveProfile returns the active profile for dealerCode, or nil when
// there is none.
func (r *ProfileRepo) FindActiveProfile(ctx context.Context, dealerCode string) (*domain.DealerProfile, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT * FROM dealer_profiles WHERE dealer_code = ? AND status = ?",
		dealerCode, string(domain.ProfileActive),
	)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// GetByCode returns the profile regardless of status.
func (r *ProfileRepo) GetByCode(ctx context.Context, dealerCode string) (*domain.DealerProfile, error) {
	row := r.db.QueryRowContext(ctx, "SELECT * FROM dealer_profiles WHERE dealer_code = ?", dealerCode)
	return scanProfile(row)
}

func (r *ProfileRepo) List(ctx context.Context) ([]domain.DealerProfile, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM dealer_profiles ORDER BY dealer_code")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []domain.DealerProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func (r *ProfileRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dealer_profiles").Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(s scanner) (*domain.DealerProfile, error) {
	var p domain.DealerProfile
	var status, taxRate, simFee, mnp, payback, rulesJSON, createdStr, updatedStr string

	err := s.Scan(
		&p.DealerCode, &p.DealerName, &status, &taxRate, &simFee, &mnp, &payback,
		&rulesJSON, &createdStr, &updatedStr,
	)
	if err != nil {
		return nil, err
	}

	p.Status = domain.ProfileStatus(status)
	decimals := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.TaxRate, taxRate},
		{&p.DefaultSimFee, simFee},
		{&p.DefaultMnpDiscount, mnp},
		{&p.DefaultPaybackRate, payback},
	}
	for _, d := range decimals {
		v, err := decimal.NewFromString(d.src)
		if err != nil {
			return nil, fmt.Errorf("profile %s: bad decimal %q: %w", p.DealerCode, d.src, err)
		}
		*d.dst = v
	}

	if err := json.Unmarshal([]byte(rulesJSON), &p.CustomRules); err != nil {
		return nil, fmt.Errorf("profile %s: custom rules: %w", p.DealerCode, err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)

	return &p, nil
}
