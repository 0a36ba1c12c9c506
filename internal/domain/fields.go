package domain

import "github.com/shopspring/decimal"

// Field is the canonical name of a row field.
type Field string

const (
	FieldBasePrice        Field = "base_price"
	FieldVerbal1          Field = "verbal1"
	FieldVerbal2          Field = "verbal2"
	FieldGradeAmount      Field = "grade_amount"
	FieldAdditionalAmount Field = "additional_amount"
	FieldDocumentCash     Field = "document_cash"
	FieldSimFee           Field = "sim_fee"
	FieldMnpDiscount      Field = "mnp_discount"
	FieldDeduction        Field = "deduction"
	FieldCashReceived     Field = "cash_received"
	FieldPayback          Field = "payback"

	FieldSeller         Field = "seller"
	FieldDealerCode     Field = "dealer_code"
	FieldCarrier        Field = "carrier"
	FieldActivationType Field = "activation_type"
	FieldModelName      Field = "model_name"
	FieldActivationDate Field = "activation_date"
	FieldCustomerName   Field = "customer_name"
	FieldMemo           Field = "memo"
)

// FieldSpec lists the keys accepted for one logical field. The canonical key
// comes first; the rest are older names still sent by some clients. The
// first key present in a row wins.
type FieldSpec struct {
	Field   Field
	Aliases []string
	// Signed fields may legitimately be negative.
	Signed bool
}

// AmountFields is the alias table for every monetary input, in calculation order.
var AmountFields = []FieldSpec{
	{Field: FieldBasePrice, Aliases: []string{"base_price", "price_setting", "policy_price"}},
	{Field: FieldVerbal1, Aliases: []string{"verbal1", "verbal_1", "verbal1_amount"}},
	{Field: FieldVerbal2, Aliases: []string{"verbal2", "verbal_2", "verbal2_amount"}},
	{Field: FieldGradeAmount, Aliases: []string{"grade_amount", "grade_policy", "grade"}},
	{Field: FieldAdditionalAmount, Aliases: []string{"additional_amount", "addon_amount", "additional_policy"}},
	{Field: FieldDocumentCash, Aliases: []string{"document_cash", "paper_cash", "cash_activation"}},
	{Field: FieldSimFee, Aliases: []string{"sim_fee", "usim_fee"}},
	{Field: FieldMnpDiscount, Aliases: []string{"mnp_discount", "new_mnp_discount"}, Signed: true},
	{Field: FieldDeduction, Aliases: []string{"deduction", "deduction_amount"}, Signed: true},
	{Field: FieldCashReceived, Aliases: []string{"cash_received", "cash_in"}},
	{Field: FieldPayback, Aliases: []string{"payback", "payback_amount"}, Signed: true},
}

// MetadataFields is the alias table for pass-through fields.
var MetadataFields = []FieldSpec{
	{Field: FieldSeller, Aliases: []string{"seller", "salesperson"}},
	{Field: FieldDealerCode, Aliases: []string{"dealer_code", "store_code"}},
	{Field: FieldCarrier, Aliases: []string{"carrier"}},
	{Field: FieldActivationType, Aliases: []string{"activation_type", "open_type"}},
	{Field: FieldModelName, Aliases: []string{"model_name", "device_model"}},
	{Field: FieldActivationDate, Aliases: []string{"activation_date", "open_date", "sale_date"}},
	{Field: FieldCustomerName, Aliases: []string{"customer_name"}},
	{Field: FieldMemo, Aliases: []string{"memo", "notes"}},
}

// LookupSpec finds the spec owning name, which may be a canonical key or any alias.
func LookupSpec(name string) (FieldSpec, bool) {
	for _, specs := range [][]FieldSpec{AmountFields, MetadataFields} {
		for _, s := range specs {
			for _, a := range s.Aliases {
				if a == name {
					return s, true
				}
			}
		}
	}
	return FieldSpec{}, false
}

// RawRow is a sale row as submitted, after wire-format translation.
type RawRow map[string]any

// Lookup returns the value of the first alias of spec present in the row,
// along with the key it was found under.
func (r RawRow) Lookup(spec FieldSpec) (any, string, bool) {
	for _, a := range spec.Aliases {
		v, ok := r[a]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return v, a, true
	}
	return nil, "", false
}

// LookupName is Lookup for a field given by name. Unknown names are looked up
// verbatim.
func (r RawRow) LookupName(name string) (any, string, bool) {
	if spec, ok := LookupSpec(name); ok {
		return r.Lookup(spec)
	}
	return r.Lookup(FieldSpec{Field: Field(name), Aliases: []string{name}})
}

// Clone returns a shallow copy.
func (r RawRow) Clone() RawRow {
	out := make(RawRow, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type Metadata struct {
	Seller         string `json:"seller,omitempty"`
	DealerCode     string `json:"dealer_code,omitempty"`
	Carrier        string `json:"carrier,omitempty"`
	ActivationType string `json:"activation_type,omitempty"`
	ModelName      string `json:"model_name,omitempty"`
	ActivationDate string `json:"activation_date,omitempty"`
	CustomerName   string `json:"customer_name,omitempty"`
	Memo           string `json:"memo,omitempty"`
}

// SettlementRow is a normalized row. Amounts holds only the fields the row
// actually carried, so a missing value can be told apart from an explicit zero.
type SettlementRow struct {
	Amounts  map[Field]decimal.Decimal
	Metadata Metadata
}

func (r SettlementRow) Has(f Field) bool {
	_, ok := r.Amounts[f]
	return ok
}

// Amount returns the field value, or zero when absent.
func (r SettlementRow) Amount(f Field) decimal.Decimal {
	return r.Amounts[f]
}

func (r *SettlementRow) Set(f Field, v decimal.Decimal) {
	if r.Amounts == nil {
		r.Amounts = make(map[Field]decimal.Decimal)
	}
	r.Amounts[f] = v
}
