package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func gateLineItem() *ContractLineItem {
	return &ContractLineItem{
		ID:                1,
		ContractId:        10,
		ProductName:       "Feijão carioca",
		Unit:              "kg",
		BaseQuantityLimit: decimal.NewFromInt(100),
		UnitPrice:         decimal.NewFromInt(10),
		Contract: &Contract{
			ID:        10,
			StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		},
	}
}

func gateBalance(li *ContractLineItem, entries ...*MovementLedgerEntry) Balance {
	return ComputeBalance(li, nil, nil, entries)
}

func TestEvaluateMovement_Vigency(t *testing.T) {
	li := gateLineItem()
	end := li.Contract.EndDate
	bal := gateBalance(li)
	qty := decimal.NewFromInt(1)

	_, err := evaluateMovement(li, end, bal, MovementTypeConsumption, qty, decimal.Zero, nil,
		time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrContractNotInForce) {
		t.Fatalf("before start: err = %v, want ErrContractNotInForce", err)
	}

	_, err = evaluateMovement(li, end, bal, MovementTypeConsumption, qty, decimal.Zero, nil,
		time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrContractExpired) {
		t.Fatalf("after end: err = %v, want ErrContractExpired", err)
	}

	// The end date itself is still in force (date-granular).
	report, err := evaluateMovement(li, end, bal, MovementTypeConsumption, qty, decimal.Zero, nil,
		time.Date(2026, 12, 31, 18, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("on end date: unexpected err %v", err)
	}
	if !report.Allowed {
		t.Fatal("on end date: report not allowed")
	}

	// Extended end date admits movements past the original end.
	extended := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	if _, err := evaluateMovement(li, extended, bal, MovementTypeConsumption, qty, decimal.Zero, nil,
		time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("within extension: unexpected err %v", err)
	}
}

func TestEvaluateMovement_BalanceBoundary(t *testing.T) {
	li := gateLineItem()
	end := li.Contract.EndDate
	today := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	bal := gateBalance(li, &MovementLedgerEntry{
		LineItemId: 1, MovementType: MovementTypeConsumption, Quantity: decimal.NewFromInt(40),
	})

	// Exactly the remaining quantity passes.
	if _, err := evaluateMovement(li, end, bal, MovementTypeConsumption, decimal.NewFromInt(60), decimal.Zero, nil, today); err != nil {
		t.Fatalf("exact remaining: unexpected err %v", err)
	}

	over := decimal.RequireFromString("60.001")
	_, err := evaluateMovement(li, end, bal, MovementTypeConsumption, over, decimal.Zero, nil, today)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over remaining: err = %v, want ErrInsufficientBalance", err)
	}
	var detail *InsufficientBalanceError
	if !errors.As(err, &detail) {
		t.Fatalf("err %T has no InsufficientBalanceError detail", err)
	}
	if !detail.Available.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("detail.Available = %s, want 60", detail.Available)
	}

	// RESERVE is gated the same way as CONSUMPTION.
	_, err = evaluateMovement(li, end, bal, MovementTypeReserve, over, decimal.Zero, nil, today)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("reserve over remaining: err = %v, want ErrInsufficientBalance", err)
	}
}

func TestEvaluateMovement_OutstandingBound(t *testing.T) {
	li := gateLineItem()
	end := li.Contract.EndDate
	today := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	bal := gateBalance(li, &MovementLedgerEntry{
		LineItemId: 1, MovementType: MovementTypeConsumption, Quantity: decimal.NewFromInt(30),
	})

	if _, err := evaluateMovement(li, end, bal, MovementTypeReversal, decimal.NewFromInt(30), decimal.NewFromInt(30), nil, today); err != nil {
		t.Fatalf("full reversal: unexpected err %v", err)
	}

	_, err := evaluateMovement(li, end, bal, MovementTypeReversal, decimal.NewFromInt(31), decimal.NewFromInt(30), nil, today)
	if !errors.Is(err, ErrReversalExceedsOutstanding) {
		t.Fatalf("over outstanding: err = %v, want ErrReversalExceedsOutstanding", err)
	}

	_, err = evaluateMovement(li, end, bal, MovementTypeReleaseReserve, decimal.NewFromInt(1), decimal.Zero, nil, today)
	if !errors.Is(err, ErrReversalExceedsOutstanding) {
		t.Fatalf("release with nothing reserved: err = %v, want ErrReversalExceedsOutstanding", err)
	}
}

func TestEvaluateMovement_PriceTolerance(t *testing.T) {
	li := gateLineItem()
	end := li.Contract.EndDate
	today := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	bal := gateBalance(li)
	qty := decimal.NewFromInt(1)

	// Exactly 10% off the contracted price of 10 is tolerated.
	atTolerance := decimal.NewFromInt(11)
	report, err := evaluateMovement(li, end, bal, MovementTypeConsumption, qty, decimal.Zero, &atTolerance, today)
	if err != nil {
		t.Fatalf("at tolerance: unexpected err %v", err)
	}
	if report.PriceDifferencePct == nil || !report.PriceDifferencePct.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("PriceDifferencePct = %v, want 10", report.PriceDifferencePct)
	}

	over := decimal.RequireFromString("11.01")
	_, err = evaluateMovement(li, end, bal, MovementTypeConsumption, qty, decimal.Zero, &over, today)
	if !errors.Is(err, ErrPriceOutOfTolerance) {
		t.Fatalf("over tolerance: err = %v, want ErrPriceOutOfTolerance", err)
	}

	// Deviation below the contracted price is measured by magnitude too.
	under := decimal.RequireFromString("8.99")
	_, err = evaluateMovement(li, end, bal, MovementTypeConsumption, qty, decimal.Zero, &under, today)
	if !errors.Is(err, ErrPriceOutOfTolerance) {
		t.Fatalf("under tolerance: err = %v, want ErrPriceOutOfTolerance", err)
	}

	// ADJUSTMENT entries never run the price check.
	if _, err := evaluateMovement(li, end, bal, MovementTypeAdjustment, qty, decimal.Zero, &over, today); err != nil {
		t.Fatalf("adjustment with price: unexpected err %v", err)
	}
}

func TestEvaluateMovement_LowStockWarning(t *testing.T) {
	li := gateLineItem()
	end := li.Contract.EndDate
	today := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	bal := gateBalance(li, &MovementLedgerEntry{
		LineItemId: 1, MovementType: MovementTypeConsumption, Quantity: decimal.NewFromInt(85),
	})

	report, err := evaluateMovement(li, end, bal, MovementTypeConsumption, decimal.NewFromInt(5), decimal.Zero, nil, today)
	if err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if !report.LowStockWarning {
		t.Fatalf("PostUtilization = %s: expected low stock warning at 90%%", report.PostUtilization)
	}

	report, err = evaluateMovement(li, end, bal, MovementTypeConsumption, decimal.NewFromInt(4), decimal.Zero, nil, today)
	if err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if report.LowStockWarning {
		t.Fatalf("PostUtilization = %s: unexpected warning below threshold", report.PostUtilization)
	}
}

func TestMovementLedgerEntry_BeforeSave(t *testing.T) {
	e := &MovementLedgerEntry{MovementType: MovementTypeConsumption, Quantity: decimal.NewFromInt(1)}
	if err := e.BeforeSave(nil); err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if e.Direction != MovementDirectionOut {
		t.Fatalf("consumption direction = %s, want OUT", e.Direction)
	}

	e = &MovementLedgerEntry{MovementType: MovementTypeReleaseReserve, Quantity: decimal.NewFromInt(1)}
	if err := e.BeforeSave(nil); err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if e.Direction != MovementDirectionIn {
		t.Fatalf("release direction = %s, want IN", e.Direction)
	}

	e = &MovementLedgerEntry{MovementType: MovementTypeAdjustment, Quantity: decimal.NewFromInt(1), Direction: MovementDirectionIn}
	if err := e.BeforeSave(nil); err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if e.Direction != MovementDirectionIn {
		t.Fatalf("adjustment direction overridden to %s", e.Direction)
	}

	e = &MovementLedgerEntry{MovementType: MovementTypeConsumption, Quantity: decimal.NewFromInt(-1)}
	if err := e.BeforeSave(nil); !errors.Is(err, ErrInvalidMovement) {
		t.Fatalf("negative quantity: err = %v, want ErrInvalidMovement", err)
	}

	e = &MovementLedgerEntry{MovementType: "TRANSFER", Quantity: decimal.NewFromInt(1)}
	if err := e.BeforeSave(nil); !errors.Is(err, ErrInvalidMovement) {
		t.Fatalf("unknown type: err = %v, want ErrInvalidMovement", err)
	}
}

func TestNewMovement_Validate(t *testing.T) {
	base := func() *NewMovement {
		return &NewMovement{
			LineItemId:    1,
			MovementType:  MovementTypeConsumption,
			Quantity:      decimal.NewFromInt(5),
			Justification: "empenho 2026NE000123",
			MovementDate:  time.Now().Add(-24 * time.Hour),
		}
	}

	if err := base().validate(); err != nil {
		t.Fatalf("valid input: unexpected err %v", err)
	}

	in := base()
	in.Justification = "   "
	if err := in.validate(); !errors.Is(err, ErrJustificationRequired) {
		t.Fatalf("blank justification: err = %v, want ErrJustificationRequired", err)
	}

	in = base()
	in.MovementDate = time.Now().Add(48 * time.Hour)
	if err := in.validate(); !errors.Is(err, ErrFutureDateNotAllowed) {
		t.Fatalf("future date: err = %v, want ErrFutureDateNotAllowed", err)
	}

	in = base()
	in.MovementType = "TRANSFER"
	if err := in.validate(); !errors.Is(err, ErrInvalidMovement) {
		t.Fatalf("bad type: err = %v, want ErrInvalidMovement", err)
	}

	in = base()
	in.Quantity = decimal.Zero
	if err := in.validate(); !errors.Is(err, ErrInvalidMovement) {
		t.Fatalf("zero quantity: err = %v, want ErrInvalidMovement", err)
	}
}

func TestWithinDaysOf(t *testing.T) {
	ref := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if !withinDaysOf(ref, ref.AddDate(0, 0, 7), 7) {
		t.Fatal("day 7 should still be inside a 7-day window")
	}
	if withinDaysOf(ref, ref.AddDate(0, 0, 8), 7) {
		t.Fatal("day 8 should be outside a 7-day window")
	}
	if !withinDaysOf(ref, ref.AddDate(0, 0, 30), 30) {
		t.Fatal("day 30 should still be inside a 30-day window")
	}
}
