package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type ProfileStatus string

const (
	ProfileActive   ProfileStatus = "active"
	ProfileInactive ProfileStatus = "inactive"
)

// DealerProfile is the per-dealer calculation policy.
type DealerProfile struct {
	DealerCode         string          `json:"dealer_code"`
	DealerName         string          `json:"dealer_name"`
	Status             ProfileStatus   `json:"status"`
	TaxRate            decimal.Decimal `json:"tax_rate"`
	DefaultSimFee      decimal.Decimal `json:"default_sim_fee"`
	DefaultMnpDiscount decimal.Decimal `json:"default_mnp_discount"`
	DefaultPaybackRate decimal.Decimal `json:"default_payback_rate"`
	CustomRules        []RuleSet       `json:"custom_rules,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (p *DealerProfile) IsActive() bool {
	return p != nil && p.Status == ProfileActive
}

// Rules expands the stored rule sets into their individual constraints, in
// declaration order: required fields first, then minimums, then maximums.
func (p *DealerProfile) Rules() []Rule {
	if p == nil {
		return nil
	}
	var rules []Rule
	for _, rs := range p.CustomRules {
		rules = append(rules, rs.Rules()...)
	}
	return rules
}

// RuleSet is the persisted shape of one custom rule entry.
type RuleSet struct {
	RequiredFields []string                   `json:"required_fields,omitempty"`
	MinValues      map[string]decimal.Decimal `json:"min_values,omitempty"`
	MaxValues      map[string]decimal.Decimal `json:"max_values,omitempty"`
}

func (rs RuleSet) Rules() []Rule {
	var rules []Rule
	if len(rs.RequiredFields) > 0 {
		rules = append(rules, RequiredFields{Fields: rs.RequiredFields})
	}
	for _, f := range sortedKeys(rs.MinValues) {
		rules = append(rules, MinValue{Field: f, Min: rs.MinValues[f]})
	}
	for _, f := range sortedKeys(rs.MaxValues) {
		rules = append(rules, MaxValue{Field: f, Max: rs.MaxValues[f]})
	}
	return rules
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Rule is a closed set of declarative row constraints. Only the types in this
// file implement it.
type Rule interface {
	isRule()
}

type RequiredFields struct {
	Fields []string
}

type MinValue struct {
	Field string
	Min   decimal.Decimal
}

type MaxValue struct {
	Field string
	Max   decimal.Decimal
}

func (RequiredFields) isRule() {}
func (MinValue) isRule()       {}
func (MaxValue) isRule()       {}
