package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func ceilingContract() *Contract {
	return &Contract{
		ID:        10,
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func ptrDecimal(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func validQuantityAmendment() *NewAmendment {
	return &NewAmendment{
		ContractId:       10,
		AmendmentType:    AmendmentTypeQuantity,
		SignatureDate:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EffectiveStart:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		GlobalPercentage: ptrDecimal("10"),
		Justification:    "demanda adicional da rede escolar",
		LegalBasis:       "art. 125 da Lei 14.133/2021",
	}
}

func TestNewAmendment_Validate(t *testing.T) {
	contract := ceilingContract()

	if err := validQuantityAmendment().validate(contract); err != nil {
		t.Fatalf("valid input: unexpected err %v", err)
	}

	in := validQuantityAmendment()
	in.GlobalPercentage = ptrDecimal("25.01")
	if err := in.validate(contract); !errors.Is(err, ErrAmendmentPercentageExceeded) {
		t.Fatalf("single percentage over ceiling: err = %v, want ErrAmendmentPercentageExceeded", err)
	}

	in = validQuantityAmendment()
	in.GlobalPercentage = ptrDecimal("25")
	if err := in.validate(contract); err != nil {
		t.Fatalf("percentage at ceiling: unexpected err %v", err)
	}

	in = validQuantityAmendment()
	in.Justification = ""
	if err := in.validate(contract); !errors.Is(err, ErrJustificationRequired) {
		t.Fatalf("missing justification: err = %v, want ErrJustificationRequired", err)
	}

	in = validQuantityAmendment()
	in.GlobalPercentage = nil
	if err := in.validate(contract); err == nil {
		t.Fatal("quantity amendment without percentages should fail")
	}

	in = validQuantityAmendment()
	in.LineAdjustments = []*NewAmendmentLineAdjustment{{LineItemId: 1, Percentage: decimal.NewFromInt(5)}}
	if err := in.validate(contract); err == nil {
		t.Fatal("global and per-line percentages together should fail")
	}

	in = validQuantityAmendment()
	end := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	in.NewEndDate = &end
	if err := in.validate(contract); err == nil {
		t.Fatal("new end date on a quantity amendment should fail")
	}
}

func TestNewAmendment_ValidateTerm(t *testing.T) {
	contract := ceilingContract()

	in := &NewAmendment{
		ContractId:     10,
		AmendmentType:  AmendmentTypeTerm,
		SignatureDate:  time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
		EffectiveStart: time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC),
		Justification:  "prorrogação de vigência",
		LegalBasis:     "art. 107 da Lei 14.133/2021",
	}
	if err := in.validate(contract); err == nil {
		t.Fatal("term amendment without new end date should fail")
	}

	before := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	in.NewEndDate = &before
	if err := in.validate(contract); err == nil {
		t.Fatal("new end date before current end should fail")
	}

	after := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	in.NewEndDate = &after
	if err := in.validate(contract); err != nil {
		t.Fatalf("valid term amendment: unexpected err %v", err)
	}

	in.GlobalPercentage = ptrDecimal("10")
	if err := in.validate(contract); err == nil {
		t.Fatal("percentage on a pure term amendment should fail")
	}
}

func TestAmendment_EffectivePercentage(t *testing.T) {
	global := &Amendment{GlobalPercentage: ptrDecimal("12.5")}
	if !global.effectivePercentage().Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("global = %s, want 12.5", global.effectivePercentage())
	}

	perLine := &Amendment{LineAdjustments: []*AmendmentLineAdjustment{
		{LineItemId: 1, Percentage: decimal.NewFromInt(5)},
		{LineItemId: 2, Percentage: decimal.NewFromInt(15)},
	}}
	if !perLine.effectivePercentage().Equal(decimal.NewFromInt(15)) {
		t.Fatalf("per-line = %s, want max 15", perLine.effectivePercentage())
	}
}

func TestEffectiveContractEndDate(t *testing.T) {
	contract := ceilingContract()
	later := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	latest := time.Date(2027, 12, 31, 0, 0, 0, 0, time.UTC)

	approved := []*Amendment{
		{Approved: true, AmendmentType: AmendmentTypeTerm, NewEndDate: &later},
		// earlier-than-current new end never shortens the term
		{Approved: true, AmendmentType: AmendmentTypeMixed, NewEndDate: &earlier},
		// pending amendments contribute nothing
		{Approved: false, AmendmentType: AmendmentTypeTerm, NewEndDate: &latest},
		// quantity amendments never move the term
		{Approved: true, AmendmentType: AmendmentTypeQuantity},
	}

	got := EffectiveContractEndDate(contract, approved)
	if !got.Equal(later) {
		t.Fatalf("effective end = %s, want %s", got, later)
	}
}

func TestAmendment_AdditionalDays(t *testing.T) {
	contract := ceilingContract()
	newEnd := time.Date(2027, 1, 30, 0, 0, 0, 0, time.UTC)
	a := &Amendment{NewEndDate: &newEnd}
	if got := a.AdditionalDays(contract); got != 30 {
		t.Fatalf("AdditionalDays = %d, want 30", got)
	}
	if got := (&Amendment{}).AdditionalDays(contract); got != 0 {
		t.Fatalf("AdditionalDays without new end = %d, want 0", got)
	}
}

func TestSameCeilingCategory(t *testing.T) {
	cases := []struct {
		a, b AmendmentType
		want bool
	}{
		{AmendmentTypeQuantity, AmendmentTypeQuantity, true},
		{AmendmentTypeValue, AmendmentTypeValue, true},
		{AmendmentTypeQuantity, AmendmentTypeValue, false},
		{AmendmentTypeMixed, AmendmentTypeQuantity, true},
		{AmendmentTypeMixed, AmendmentTypeValue, true},
		{AmendmentTypeTerm, AmendmentTypeQuantity, false},
		{AmendmentTypeTerm, AmendmentTypeTerm, false},
	}
	for _, c := range cases {
		if got := c.a.SameCeilingCategory(c.b); got != c.want {
			t.Fatalf("SameCeilingCategory(%s, %s) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
