package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrNotNumeric = errors.New("not a number")

// Parse converts a row value into a decimal. Accepted: JSON numbers, Go
// integer and float kinds, and numeric strings with optional thousand
// separators ("1,200,000").
func Parse(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case json.Number:
		return parseString(n.String())
	case string:
		return parseString(n)
	case bool, nil:
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNotNumeric, v)
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported type %T", ErrNotNumeric, v)
	}
}

func parseString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty string", ErrNotNumeric)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrNotNumeric, s)
	}
	return d, nil
}

// RoundWhole rounds half away from zero to 0 decimal places.
func RoundWhole(d decimal.Decimal) decimal.Decimal {
	return d.Round(0)
}

// Float returns d as a float64 for reporting.
func Float(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
