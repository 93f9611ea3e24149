package models_test

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/contracts_backend/models"
	"github.com/shopspring/decimal"
)

// Regression: balance-affecting appends serialize per line item, so a burst
// of reservations racing for the same headroom commits exactly the subset
// that fits and never drives available_real negative.
func TestConcurrentCartAddsSerializePerLineItem(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)

	contract, err := models.CreateContract(ctx, &models.NewContract{
		Number:       "CT-2026-0100",
		SupplierId:   55,
		SupplierName: "Distribuidora Boa Safra LTDA",
		StartDate:    time.Now().AddDate(0, 0, -30),
		EndDate:      time.Now().AddDate(0, 6, 0),
		LineItems: []models.NewContractLineItem{
			{
				ProductId:         1,
				ProductName:       "Feijão carioca",
				Unit:              "kg",
				BaseQuantityLimit: decimal.NewFromInt(100),
				UnitPrice:         decimal.NewFromInt(8),
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	li := contract.LineItems[0]

	// 8 racers of 30 each against a limit of 100: only 3 fit.
	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = models.CartAdd(ctx, &models.NewCartItem{
				LineItemId: li.ID,
				Quantity:   decimal.NewFromInt(30),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, models.ErrInsufficientBalance):
		default:
			t.Fatalf("racer %d: unexpected err %v", i, err)
		}
	}
	if succeeded != 3 {
		t.Fatalf("succeeded adds = %d, want 3", succeeded)
	}

	bal, err := models.GetBalance(ctx, li.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.AvailableReal.IsNegative() {
		t.Fatalf("AvailableReal = %s, went negative under contention", bal.AvailableReal)
	}
	if !bal.NetReserved.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("NetReserved = %s, want 90", bal.NetReserved)
	}
	if !bal.Available.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("Available = %s, want 10", bal.Available)
	}

	open, err := models.ListOpenCartItems(ctx)
	if err != nil {
		t.Fatalf("ListOpenCartItems: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("open cart items = %d, want 3", len(open))
	}
}

// Regression: the quantity delta is computed from the cart row as committed,
// not from a read taken before the line item lock. Two racing updates to the
// same target quantity must land on a ledger outstanding equal to that
// quantity, not double the delta.
func TestConcurrentCartQuantityUpdatesConverge(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)

	contract, err := models.CreateContract(ctx, &models.NewContract{
		Number:       "CT-2026-0101",
		SupplierId:   55,
		SupplierName: "Distribuidora Boa Safra LTDA",
		StartDate:    time.Now().AddDate(0, 0, -30),
		EndDate:      time.Now().AddDate(0, 6, 0),
		LineItems: []models.NewContractLineItem{
			{
				ProductId:         2,
				ProductName:       "Óleo de soja",
				Unit:              "l",
				BaseQuantityLimit: decimal.NewFromInt(100),
				UnitPrice:         decimal.NewFromInt(9),
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	li := contract.LineItems[0]

	item, err := models.CartAdd(ctx, &models.NewCartItem{LineItemId: li.ID, Quantity: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("CartAdd: %v", err)
	}

	target := decimal.NewFromInt(15)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = models.CartUpdateQuantity(ctx, item.ID, target)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("CartUpdateQuantity racer %d: %v", i, err)
		}
	}

	// The ledger trail under the cart reference nets to the target, however
	// the two updates interleaved.
	trail, err := models.FindMovementsByDocumentReference(ctx, models.CartItemDocumentReference(item.ID))
	if err != nil {
		t.Fatalf("FindMovementsByDocumentReference: %v", err)
	}
	outstanding := decimal.Zero
	for _, e := range trail {
		switch e.MovementType {
		case models.MovementTypeReserve:
			outstanding = outstanding.Add(e.Quantity)
		case models.MovementTypeReleaseReserve:
			outstanding = outstanding.Sub(e.Quantity)
		}
	}
	if !outstanding.Equal(target) {
		t.Fatalf("cart outstanding = %s, want %s (trail %d entries)", outstanding, target, len(trail))
	}

	bal, err := models.GetBalance(ctx, li.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.NetReserved.Equal(target) {
		t.Fatalf("NetReserved = %s, want %s", bal.NetReserved, target)
	}
	if !bal.Available.Equal(decimal.NewFromInt(85)) {
		t.Fatalf("Available = %s, want 85", bal.Available)
	}
}

// Regression: the percentage ceiling re-check runs inside the approval
// transaction under lock, so two racing approvals whose sum breaches the
// ceiling cannot both commit.
func TestConcurrentAmendmentApprovalsHoldCeiling(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)

	contract, err := models.CreateContract(ctx, &models.NewContract{
		Number:       "CT-2026-0102",
		SupplierId:   55,
		SupplierName: "Distribuidora Boa Safra LTDA",
		StartDate:    time.Now().AddDate(0, 0, -30),
		EndDate:      time.Now().AddDate(0, 6, 0),
		LineItems: []models.NewContractLineItem{
			{
				ProductId:         3,
				ProductName:       "Açúcar cristal",
				Unit:              "kg",
				BaseQuantityLimit: decimal.NewFromInt(100),
				UnitPrice:         decimal.NewFromInt(5),
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateContract: %v", err)
	}
	li := contract.LineItems[0]

	propose := func(pct int64) *models.Amendment {
		t.Helper()
		p := decimal.NewFromInt(pct)
		a, err := models.ProposeAmendment(ctx, &models.NewAmendment{
			ContractId:       contract.ID,
			AmendmentType:    models.AmendmentTypeQuantity,
			SignatureDate:    time.Now(),
			EffectiveStart:   time.Now(),
			GlobalPercentage: &p,
			Justification:    fmt.Sprintf("acréscimo de %d%%", pct),
			LegalBasis:       "art. 125 da Lei 14.133/2021",
		})
		if err != nil {
			t.Fatalf("ProposeAmendment %d%%: %v", pct, err)
		}
		return a
	}
	first := propose(15)
	second := propose(20)

	// 15 + 20 breaches the 25% ceiling: exactly one approval may commit.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []int{first.ID, second.ID} {
		wg.Add(1)
		go func(i, id int) {
			defer wg.Done()
			_, errs[i] = models.ApproveAmendment(ctx, id)
		}(i, id)
	}
	wg.Wait()

	approvedCount := 0
	for i, err := range errs {
		switch {
		case err == nil:
			approvedCount++
		case errors.Is(err, models.ErrAmendmentPercentageExceeded):
		default:
			t.Fatalf("approval racer %d: unexpected err %v", i, err)
		}
	}
	if approvedCount != 1 {
		t.Fatalf("approvals committed = %d, want 1", approvedCount)
	}

	amendments, err := models.ListAmendments(ctx, contract.ID)
	if err != nil {
		t.Fatalf("ListAmendments: %v", err)
	}
	persisted := 0
	for _, a := range amendments {
		if a.Approved {
			persisted++
		}
	}
	if persisted != 1 {
		t.Fatalf("approved amendments persisted = %d, want 1", persisted)
	}

	// The limit reflects whichever racer won, never both.
	bal, err := models.GetBalance(ctx, li.ID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.EffectiveLimit.Equal(decimal.NewFromInt(115)) && !bal.EffectiveLimit.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("EffectiveLimit = %s, want 115 or 120", bal.EffectiveLimit)
	}
}
