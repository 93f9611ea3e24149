package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Business-rule rejections. These are surfaced to the caller, never retried:
// they describe a rule violation, not a transient fault. Callers match with
// errors.Is; the detail structs below carry enough data to render a message.
var (
	ErrLineItemNotFound            = errors.New("contract line item not found")
	ErrContractNotInForce          = errors.New("contract is not yet in force")
	ErrContractExpired             = errors.New("contract has expired")
	ErrInsufficientBalance         = errors.New("insufficient balance")
	ErrReversalExceedsOutstanding  = errors.New("reversal exceeds outstanding balance")
	ErrPriceOutOfTolerance         = errors.New("offered price out of tolerance")
	ErrInvalidMovement             = errors.New("invalid movement")
	ErrJustificationRequired       = errors.New("justification is required")
	ErrFutureDateNotAllowed        = errors.New("movement date cannot be in the future")
	ErrAmendmentPercentageExceeded = errors.New("amendment percentage ceiling exceeded")
	ErrEditWindowExpired           = errors.New("movement edit window has expired")
	ErrDeleteWindowExpired         = errors.New("movement delete window has expired")
	ErrReservationNotFound         = errors.New("cart reservation not found")
	ErrCartItemNotFound            = errors.New("cart item not found")
	ErrAmendmentNotFound           = errors.New("amendment not found")
	ErrConflict                    = errors.New("concurrent update conflict")
)

// InsufficientBalanceError reports how much was available when a CONSUMPTION
// or RESERVE was rejected.
type InsufficientBalanceError struct {
	LineItemId int
	Available  decimal.Decimal
	Requested  decimal.Decimal
	Unit       string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for line item %d: requested %s %s, available %s",
		e.LineItemId, e.Requested, e.Unit, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// OutstandingExceededError reports a REVERSAL/RELEASE_RESERVE larger than the
// outstanding amount of its forward type.
type OutstandingExceededError struct {
	LineItemId        int
	MovementType      MovementType
	Outstanding       decimal.Decimal
	Requested         decimal.Decimal
	DocumentReference string
}

func (e *OutstandingExceededError) Error() string {
	scope := "line item"
	if e.DocumentReference != "" {
		scope = "document " + e.DocumentReference
	}
	return fmt.Sprintf("%s of %s exceeds outstanding %s for %s",
		e.MovementType, e.Requested, e.Outstanding, scope)
}

func (e *OutstandingExceededError) Unwrap() error { return ErrReversalExceedsOutstanding }

// PriceToleranceError reports an offered unit price deviating from the
// contracted price beyond the configured tolerance.
type PriceToleranceError struct {
	LineItemId      int
	ContractedPrice decimal.Decimal
	OfferedPrice    decimal.Decimal
	DifferencePct   decimal.Decimal
	TolerancePct    decimal.Decimal
}

func (e *PriceToleranceError) Error() string {
	return fmt.Sprintf("offered price %s deviates %s%% from contracted price %s (tolerance %s%%)",
		e.OfferedPrice, e.DifferencePct, e.ContractedPrice, e.TolerancePct)
}

func (e *PriceToleranceError) Unwrap() error { return ErrPriceOutOfTolerance }

// PercentageCeilingError reports a proposed amendment percentage that would
// push the contract past the cumulative ceiling for its category.
type PercentageCeilingError struct {
	ContractId  int
	Proposed    decimal.Decimal
	Accumulated decimal.Decimal
	Remaining   decimal.Decimal
	Ceiling     decimal.Decimal
}

func (e *PercentageCeilingError) Error() string {
	return fmt.Sprintf("amendment of %s%% exceeds remaining %s%% (accumulated %s%%, ceiling %s%%) for contract %d",
		e.Proposed, e.Remaining, e.Accumulated, e.Ceiling, e.ContractId)
}

func (e *PercentageCeilingError) Unwrap() error { return ErrAmendmentPercentageExceeded }
