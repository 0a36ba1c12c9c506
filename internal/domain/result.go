package domain

import "github.com/shopspring/decimal"

// CalculationResult holds the figures derived from one row.
type CalculationResult struct {
	TotalRebate     decimal.Decimal `json:"total_rebate"`
	Settlement      decimal.Decimal `json:"settlement"`
	Tax             decimal.Decimal `json:"tax"`
	MarginBeforeTax decimal.Decimal `json:"margin_before_tax"`
	MarginAfterTax  decimal.Decimal `json:"margin_after_tax"`
	TaxRate         decimal.Decimal `json:"tax_rate"`

	Profile        *ProfileInfo     `json:"profile,omitempty"`
	FallbackUsed   bool             `json:"fallback_used"`
	FallbackReason string           `json:"fallback_reason,omitempty"`
	Performance    *CalcPerformance `json:"performance,omitempty"`
}

// ProfileInfo is the profile metadata attached to a profile-based result.
type ProfileInfo struct {
	DealerCode string          `json:"dealer_code"`
	DealerName string          `json:"dealer_name"`
	TaxRate    decimal.Decimal `json:"tax_rate"`
}

type CalcPerformance struct {
	DurationMs float64 `json:"duration_ms"`
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}
