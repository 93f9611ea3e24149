package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/contracts_backend/config"
	"bitbucket.org/mmdatafocus/contracts_backend/utils"
	"github.com/shopspring/decimal"
)

// ValidationReport is the gate's structured verdict. It carries enough for
// the excluded HTTP layer to render a user-facing message without another
// round trip.
type ValidationReport struct {
	Allowed            bool             `json:"allowed"`
	MovementType       MovementType     `json:"movement_type"`
	Requested          decimal.Decimal  `json:"requested"`
	Available          decimal.Decimal  `json:"available"`
	Unit               string           `json:"unit"`
	ContractedPrice    *decimal.Decimal `json:"contracted_price,omitempty"`
	OfferedPrice       *decimal.Decimal `json:"offered_price,omitempty"`
	PriceDifferencePct *decimal.Decimal `json:"price_difference_pct,omitempty"`
	PostUtilization    decimal.Decimal  `json:"post_utilization"`
	LowStockWarning    bool             `json:"low_stock_warning"`
}

// evaluateMovement is the pure core of the Validation Gate. It is called in
// two modes: advisory (CheckMovement, balance derived outside a transaction)
// and enforced (inside the append transaction, against the re-derived
// balance). `outstanding` is the bound for restoring types, already scoped
// to the document reference when one applies.
//
// ADJUSTMENT entries are manual corrections: exempt from the balance and
// outstanding rules, never from vigency.
func evaluateMovement(
	li *ContractLineItem,
	effectiveEnd time.Time,
	bal Balance,
	movementType MovementType,
	quantity decimal.Decimal,
	outstanding decimal.Decimal,
	unitPrice *decimal.Decimal,
	today time.Time,
) (*ValidationReport, error) {

	report := &ValidationReport{
		MovementType: movementType,
		Requested:    quantity,
		Available:    bal.AvailableReal,
		Unit:         li.Unit,
	}

	day := utils.TruncateToDate(today)
	if day.Before(utils.TruncateToDate(li.Contract.StartDate)) {
		return report, ErrContractNotInForce
	}
	if day.After(utils.TruncateToDate(effectiveEnd)) {
		return report, ErrContractExpired
	}

	if movementType.ConsumesBalance() && quantity.GreaterThan(bal.AvailableReal) {
		return report, &InsufficientBalanceError{
			LineItemId: li.ID,
			Available:  bal.AvailableReal,
			Requested:  quantity,
			Unit:       li.Unit,
		}
	}

	if movementType.RestoresBalance() && quantity.GreaterThan(outstanding) {
		return report, &OutstandingExceededError{
			LineItemId:   li.ID,
			MovementType: movementType,
			Outstanding:  outstanding,
			Requested:    quantity,
		}
	}

	if unitPrice != nil && movementType != MovementTypeAdjustment {
		report.ContractedPrice = &li.UnitPrice
		report.OfferedPrice = unitPrice
		if li.UnitPrice.IsPositive() {
			diffPct := unitPrice.Sub(li.UnitPrice).Abs().Div(li.UnitPrice).Mul(oneHundred)
			report.PriceDifferencePct = &diffPct
			tolerance := config.PriceTolerancePercentage()
			if diffPct.GreaterThan(tolerance) {
				return report, &PriceToleranceError{
					LineItemId:      li.ID,
					ContractedPrice: li.UnitPrice,
					OfferedPrice:    *unitPrice,
					DifferencePct:   diffPct,
					TolerancePct:    tolerance,
				}
			}
		}
	}

	// Soft warning only: utilization after this movement lands.
	committed := bal.NetConsumed.Add(bal.NetAdjusted).Add(bal.NetReserved)
	switch {
	case movementType.ConsumesBalance():
		committed = committed.Add(quantity)
	case movementType.RestoresBalance():
		committed = committed.Sub(quantity)
	case movementType == MovementTypeAdjustment:
		// direction unknown here; warning computed against current state
	}
	report.PostUtilization = utilizationPercentage(bal.EffectiveLimit, committed)
	report.LowStockWarning = report.PostUtilization.GreaterThanOrEqual(config.LowStockThresholdPercentage())

	report.Allowed = true
	return report, nil
}

// CheckMovement is the advisory (read-only) form of the gate. The verdict is
// not a promise: the append transaction re-runs the same rules against a
// balance re-derived under lock.
func CheckMovement(ctx context.Context, lineItemId int, movementType MovementType, quantity decimal.Decimal, unitPrice *decimal.Decimal) (*ValidationReport, error) {
	if !movementType.IsValid() {
		return nil, ErrInvalidMovement
	}
	if !quantity.IsPositive() {
		return nil, ErrInvalidMovement
	}

	li, err := GetLineItem(ctx, lineItemId)
	if err != nil {
		return nil, err
	}

	effectiveEnd, err := contractEffectiveEndDate(ctx, li.Contract)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	bal, err := deriveBalanceTx(db, ctx, li)
	if err != nil {
		return nil, err
	}

	outstanding := decimal.Zero
	switch movementType {
	case MovementTypeReversal:
		outstanding = bal.NetConsumed
	case MovementTypeReleaseReserve:
		outstanding = bal.NetReserved
	}

	return evaluateMovement(li, effectiveEnd, bal, movementType, quantity, outstanding, unitPrice, time.Now())
}
