package validation

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/money"
)

// required holds the metadata every row must carry.
type required struct {
	Seller         string `validate:"required"`
	ActivationDate string `validate:"required"`
}

var requiredLabels = map[string]string{
	"Seller":         "seller is required",
	"ActivationDate": "activation date is required",
}

// Validator checks rows before calculation. It is safe for concurrent use.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	return &Validator{v: validator.New()}
}

// Validate runs every check and reports every violation; nothing short-circuits.
func (val *Validator) Validate(raw domain.RawRow, profile *domain.DealerProfile) domain.ValidationResult {
	var errs []string

	errs = append(errs, val.checkRequired(raw)...)

	for _, spec := range domain.AmountFields {
		v, key, ok := raw.Lookup(spec)
		if !ok {
			continue
		}
		d, err := money.Parse(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be numeric", key))
			continue
		}
		if !spec.Signed && d.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s must not be negative", key))
		}
	}

	for _, rule := range profile.Rules() {
		errs = append(errs, checkRule(raw, rule)...)
	}

	return domain.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (val *Validator) checkRequired(raw domain.RawRow) []string {
	in := required{
		Seller:         lookupString(raw, string(domain.FieldSeller)),
		ActivationDate: lookupString(raw, string(domain.FieldActivationDate)),
	}
	err := val.v.Struct(in)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if msg, ok := requiredLabels[fe.Field()]; ok {
			out = append(out, msg)
			continue
		}
		out = append(out, fe.Error())
	}
	return out
}

func checkRule(raw domain.RawRow, rule domain.Rule) []string {
	switch r := rule.(type) {
	case domain.RequiredFields:
		var out []string
		for _, f := range r.Fields {
			if lookupString(raw, f) == "" {
				out = append(out, fmt.Sprintf("%s is required by dealer policy", f))
			}
		}
		return out
	case domain.MinValue:
		v, ok, err := lookupAmount(raw, r.Field)
		switch {
		case err != nil:
			return []string{fmt.Sprintf("%s must be numeric", r.Field)}
		case ok && v.LessThan(r.Min):
			return []string{fmt.Sprintf("%s must be at least %s (got %s)", r.Field, r.Min, v)}
		}
	case domain.MaxValue:
		v, ok, err := lookupAmount(raw, r.Field)
		switch {
		case err != nil:
			return []string{fmt.Sprintf("%s must be numeric", r.Field)}
		case ok && v.GreaterThan(r.Max):
			return []string{fmt.Sprintf("%s must be at most %s (got %s)", r.Field, r.Max, v)}
		}
	}
	return nil
}

// Error returns nil for a valid result, otherwise a *domain.ValidationError.
func Error(res domain.ValidationResult) error {
	if res.Valid {
		return nil
	}
	return &domain.ValidationError{Errors: res.Errors}
}
