package calculator

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/money"
)

// Compute derives the settlement figures for a normalized row. It has no
// side effects and returns the same result for the same inputs.
//
//	total_rebate      = base_price + verbal1 + verbal2 + grade_amount + additional_amount
//	settlement        = total_rebate - document_cash + sim_fee + mnp_discount - deduction
//	tax               = round(settlement * tax_rate)
//	margin_before_tax = settlement - tax + cash_received + payback
//	margin_after_tax  = margin_before_tax
func Compute(row domain.SettlementRow, taxRate decimal.Decimal) domain.CalculationResult {
	totalRebate := TotalRebate(row)

	settlement := totalRebate.
		Sub(row.Amount(domain.FieldDocumentCash)).
		Add(row.Amount(domain.FieldSimFee)).
		Add(row.Amount(domain.FieldMnpDiscount)).
		Sub(row.Amount(domain.FieldDeduction))

	tax := money.RoundWhole(settlement.Mul(taxRate))

	marginBeforeTax := settlement.
		Sub(tax).
		Add(row.Amount(domain.FieldCashReceived)).
		Add(row.Amount(domain.FieldPayback))

	return domain.CalculationResult{
		TotalRebate:     totalRebate,
		Settlement:      settlement,
		Tax:             tax,
		MarginBeforeTax: marginBeforeTax,
		// Tax is already out of margin_before_tax.
		MarginAfterTax: marginBeforeTax,
		TaxRate:        taxRate,
	}
}

func TotalRebate(row domain.SettlementRow) decimal.Decimal {
	return row.Amount(domain.FieldBasePrice).
		Add(row.Amount(domain.FieldVerbal1)).
		Add(row.Amount(domain.FieldVerbal2)).
		Add(row.Amount(domain.FieldGradeAmount)).
		Add(row.Amount(domain.FieldAdditionalAmount))
}

// Normalize resolves field aliases and parses monetary values. A value that
// is present but not numeric yields a *domain.CalculationError.
func Normalize(raw domain.RawRow) (domain.SettlementRow, error) {
	row := domain.SettlementRow{Amounts: make(map[domain.Field]decimal.Decimal, len(domain.AmountFields))}

	for _, spec := range domain.AmountFields {
		v, key, ok := raw.Lookup(spec)
		if !ok {
			continue
		}
		d, err := money.Parse(v)
		if err != nil {
			return domain.SettlementRow{}, &domain.CalculationError{Field: key, Err: err}
		}
		row.Amounts[spec.Field] = d
	}

	row.Metadata = normalizeMetadata(raw)
	return row, nil
}

func normalizeMetadata(raw domain.RawRow) domain.Metadata {
	get := func(f domain.Field) string {
		for _, spec := range domain.MetadataFields {
			if spec.Field != f {
				continue
			}
			if v, _, ok := raw.Lookup(spec); ok {
				return strings.TrimSpace(fmt.Sprint(v))
			}
		}
		return ""
	}

	return domain.Metadata{
		Seller:         get(domain.FieldSeller),
		DealerCode:     get(domain.FieldDealerCode),
		Carrier:        get(domain.FieldCarrier),
		ActivationType: get(domain.FieldActivationType),
		ModelName:      get(domain.FieldModelName),
		ActivationDate: get(domain.FieldActivationDate),
		CustomerName:   get(domain.FieldCustomerName),
		Memo:           get(domain.FieldMemo),
	}
}

// Calculate normalizes raw and computes it with taxRate.
func Calculate(raw domain.RawRow, taxRate decimal.Decimal) (*domain.CalculationResult, error) {
	row, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	res := Compute(row, taxRate)
	return &res, nil
}
