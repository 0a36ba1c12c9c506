package profile

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wakala/settlement/internal/calculator"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/metrics"
	"github.com/wakala/settlement/internal/money"
)

// Loader returns the active profile for a dealer.
type Loader interface {
	Get(ctx context.Context, dealerCode string) (*domain.DealerProfile, error)
}

// Resolver runs profile-based calculations. Any failure on the profile path
// degrades to a calculation at the default tax rate; only a failure of that
// fallback is returned to the caller.
type Resolver struct {
	profiles       Loader
	defaultTaxRate decimal.Decimal
	logger         *zap.Logger
	metrics        *metrics.Metrics
}

func NewResolver(profiles Loader, defaultTaxRate decimal.Decimal, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		profiles:       profiles,
		defaultTaxRate: defaultTaxRate,
		logger:         logger.Named("profile"),
		metrics:        m,
	}
}

func (r *Resolver) DefaultTaxRate() decimal.Decimal {
	return r.defaultTaxRate
}

// Profile loads the active profile without any fallback.
func (r *Resolver) Profile(ctx context.Context, dealerCode string) (*domain.DealerProfile, error) {
	return r.profiles.Get(ctx, dealerCode)
}

func (r *Resolver) Resolve(ctx context.Context, dealerCode string, raw domain.RawRow) (*domain.CalculationResult, error) {
	start := time.Now()
	p, err := r.profiles.Get(ctx, dealerCode)
	if err != nil {
		return r.fallback(dealerCode, raw, err, start)
	}
	return r.resolve(p, raw, start)
}

// ResolveWithProfile is Resolve with an already loaded profile.
func (r *Resolver) ResolveWithProfile(ctx context.Context, p *domain.DealerProfile, raw domain.RawRow) (*domain.CalculationResult, error) {
	start := time.Now()
	if !p.IsActive() {
		code := ""
		if p != nil {
			code = p.DealerCode
		}
		return r.fallback(code, raw, &domain.ProfileNotFoundError{DealerCode: code, Reason: "profile is not active"}, start)
	}
	return r.resolve(p, raw, start)
}

func (r *Resolver) resolve(p *domain.DealerProfile, raw domain.RawRow, start time.Time) (*domain.CalculationResult, error) {
	row, err := calculator.Normalize(raw)
	if err != nil {
		return r.fallback(p.DealerCode, raw, err, start)
	}
	MergeDefaults(&row, p)

	res := calculator.Compute(row, p.TaxRate)
	res.Profile = &domain.ProfileInfo{
		DealerCode: p.DealerCode,
		DealerName: p.DealerName,
		TaxRate:    p.TaxRate,
	}
	res.Performance = elapsedSince(start)
	r.metrics.Calculation(false)
	return &res, nil
}

func (r *Resolver) fallback(dealerCode string, raw domain.RawRow, cause error, start time.Time) (*domain.CalculationResult, error) {
	r.logger.Warn("profile calculation failed, using default tax rate",
		zap.String("dealer_code", dealerCode),
		zap.String("default_tax_rate", r.defaultTaxRate.String()),
		zap.Error(cause),
	)

	res, err := calculator.Calculate(raw, r.defaultTaxRate)
	if err != nil {
		r.logger.Error("fallback calculation failed",
			zap.String("dealer_code", dealerCode),
			zap.Error(err),
		)
		return nil, err
	}
	res.FallbackUsed = true
	res.FallbackReason = cause.Error()
	res.Performance = elapsedSince(start)
	r.metrics.Calculation(true)
	return res, nil
}

// BatchResolution is the outcome of ResolveBatch.
type BatchResolution struct {
	Profile     *domain.ProfileInfo
	Results     []domain.RowOutcome
	Summary     domain.Summary
	Performance domain.Performance
}

// ResolveBatch resolves every row against one preloaded profile.
func (r *Resolver) ResolveBatch(ctx context.Context, rows []domain.RawRow, p *domain.DealerProfile) BatchResolution {
	start := time.Now()
	out := BatchResolution{Results: make([]domain.RowOutcome, len(rows))}
	if p != nil {
		out.Profile = &domain.ProfileInfo{DealerCode: p.DealerCode, DealerName: p.DealerName, TaxRate: p.TaxRate}
	}

	for i, raw := range rows {
		out.Results[i] = r.Outcome(ctx, i, raw, p)
	}

	out.Summary = domain.Summarize(out.Results)
	out.Performance = domain.NewPerformance(time.Since(start), len(rows))
	return out
}

// Outcome resolves one row and classifies the result.
func (r *Resolver) Outcome(ctx context.Context, index int, raw domain.RawRow, p *domain.DealerProfile) domain.RowOutcome {
	o := domain.RowOutcome{Index: index, Input: raw}
	res, err := r.ResolveWithProfile(ctx, p, raw)
	switch {
	case err != nil:
		o.Status = domain.RowError
		o.Message = err.Error()
	case res.FallbackUsed:
		o.Status = domain.RowSuccessWithFallback
		o.Result = res
		o.Message = res.FallbackReason
	default:
		o.Status = domain.RowSuccess
		o.Result = res
	}
	return o
}

// MergeDefaults fills fields the row omits from the profile defaults. Values
// present on the row always win, and zero defaults are not applied.
func MergeDefaults(row *domain.SettlementRow, p *domain.DealerProfile) {
	if p == nil {
		return
	}
	if !row.Has(domain.FieldSimFee) && !p.DefaultSimFee.IsZero() {
		row.Set(domain.FieldSimFee, p.DefaultSimFee)
	}
	if !row.Has(domain.FieldMnpDiscount) && !p.DefaultMnpDiscount.IsZero() {
		row.Set(domain.FieldMnpDiscount, p.DefaultMnpDiscount)
	}
	if !row.Has(domain.FieldPayback) && !p.DefaultPaybackRate.IsZero() {
		row.Set(domain.FieldPayback, money.RoundWhole(calculator.TotalRebate(*row).Mul(p.DefaultPaybackRate)))
	}
}

func elapsedSince(start time.Time) *domain.CalcPerformance {
	return &domain.CalcPerformance{DurationMs: float64(time.Since(start).Microseconds()) / 1000}
}
