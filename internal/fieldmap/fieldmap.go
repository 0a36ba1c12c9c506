// Package fieldmap translates rows between the external wire format used by
// the upload and UI layers and the canonical keys used by the calculator.
package fieldmap

import (
	"fmt"

	"github.com/wakala/settlement/internal/domain"
)

// pairs is the supported field set: canonical key, external key.
var pairs = [][2]string{
	{"base_price", "basePrice"},
	{"verbal1", "verbal1Amount"},
	{"verbal2", "verbal2Amount"},
	{"grade_amount", "gradeAmount"},
	{"additional_amount", "additionalAmount"},
	{"document_cash", "documentCash"},
	{"sim_fee", "simFee"},
	{"mnp_discount", "mnpDiscount"},
	{"deduction", "deductionAmount"},
	{"cash_received", "cashReceived"},
	{"payback", "paybackAmount"},
	{"seller", "sellerName"},
	{"dealer_code", "dealerCode"},
	{"carrier", "carrierName"},
	{"activation_type", "activationType"},
	{"model_name", "modelName"},
	{"activation_date", "activationDate"},
	{"customer_name", "customerName"},
	{"memo", "memo"},
}

var (
	toCanonical = make(map[string]string, len(pairs))
	toExternal  = make(map[string]string, len(pairs))
)

func init() {
	for _, p := range pairs {
		toExternal[p[0]] = p[1]
		toCanonical[p[1]] = p[0]
	}
}

// ToCanonical renames external keys to canonical ones. Keys outside the
// supported set are copied unchanged.
func ToCanonical(row domain.RawRow) domain.RawRow {
	return rename(row, toCanonical)
}

// ToExternal is the inverse of ToCanonical.
func ToExternal(row domain.RawRow) domain.RawRow {
	return rename(row, toExternal)
}

func rename(row domain.RawRow, table map[string]string) domain.RawRow {
	out := make(domain.RawRow, len(row))
	for k, v := range row {
		if mapped, ok := table[k]; ok {
			out[mapped] = v
			continue
		}
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

// Translate converts row from the given input format to canonical keys.
func Translate(format string, row domain.RawRow) (domain.RawRow, error) {
	switch format {
	case "", domain.FormatCanonical:
		return row, nil
	case domain.FormatExternal:
		return ToCanonical(row), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFormat, format)
	}
}

// TranslateAll converts every row; the returned slice keeps input order.
func TranslateAll(format string, rows []domain.RawRow) ([]domain.RawRow, error) {
	out := make([]domain.RawRow, len(rows))
	for i, r := range rows {
		t, err := Translate(format, r)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// CanonicalKeys lists the supported canonical keys in table order.
func CanonicalKeys() []string {
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p[0]
	}
	return keys
}
