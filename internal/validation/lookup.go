package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/money"
)

func lookupString(raw domain.RawRow, name string) string {
	v, _, ok := raw.LookupName(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func lookupAmount(raw domain.RawRow, name string) (decimal.Decimal, bool, error) {
	v, _, ok := raw.LookupName(name)
	if !ok {
		return decimal.Zero, false, nil
	}
	d, err := money.Parse(v)
	if err != nil {
		return decimal.Zero, true, err
	}
	return d, true, nil
}
