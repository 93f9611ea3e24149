package models

import "fmt"

// MovementType classifies a ledger entry. Direction is encoded by the type
// (and, for ADJUSTMENT, by MovementDirection); quantity is always positive.
type MovementType string

const (
	MovementTypeConsumption    MovementType = "CONSUMPTION"
	MovementTypeReversal       MovementType = "REVERSAL"
	MovementTypeAdjustment     MovementType = "ADJUSTMENT"
	MovementTypeReserve        MovementType = "RESERVE"
	MovementTypeReleaseReserve MovementType = "RELEASE_RESERVE"
)

func (t MovementType) IsValid() bool {
	switch t {
	case MovementTypeConsumption, MovementTypeReversal, MovementTypeAdjustment,
		MovementTypeReserve, MovementTypeReleaseReserve:
		return true
	}
	return false
}

// ConsumesBalance reports whether the type reduces availability and therefore
// must pass the insufficient-balance gate.
func (t MovementType) ConsumesBalance() bool {
	return t == MovementTypeConsumption || t == MovementTypeReserve
}

// RestoresBalance reports whether the type undoes a prior forward movement
// and is bounded by the matching outstanding amount.
func (t MovementType) RestoresBalance() bool {
	return t == MovementTypeReversal || t == MovementTypeReleaseReserve
}

// ForwardType returns the movement type a restoring type undoes.
func (t MovementType) ForwardType() MovementType {
	switch t {
	case MovementTypeReversal:
		return MovementTypeConsumption
	case MovementTypeReleaseReserve:
		return MovementTypeReserve
	}
	return ""
}

// MovementDirection disambiguates manual ADJUSTMENT entries. OUT consumes
// availability, IN restores it. For every other type the direction is fixed
// by the type and is filled in by the BeforeSave hook.
type MovementDirection string

const (
	MovementDirectionIn  MovementDirection = "IN"
	MovementDirectionOut MovementDirection = "OUT"
)

// AmendmentType classifies a contract amendment ("aditivo").
type AmendmentType string

const (
	AmendmentTypeTerm     AmendmentType = "TERM"
	AmendmentTypeQuantity AmendmentType = "QUANTITY"
	AmendmentTypeValue    AmendmentType = "VALUE"
	AmendmentTypeMixed    AmendmentType = "MIXED"
)

func (t AmendmentType) IsValid() bool {
	switch t {
	case AmendmentTypeTerm, AmendmentTypeQuantity, AmendmentTypeValue, AmendmentTypeMixed:
		return true
	}
	return false
}

func (t AmendmentType) ExtendsTerm() bool {
	return t == AmendmentTypeTerm || t == AmendmentTypeMixed
}

func (t AmendmentType) AdjustsLimits() bool {
	return t == AmendmentTypeQuantity || t == AmendmentTypeValue || t == AmendmentTypeMixed
}

// SameCeilingCategory reports whether two amendment types share a percentage
// ceiling bucket. QUANTITY and VALUE accumulate separately; MIXED counts in
// both buckets.
func (t AmendmentType) SameCeilingCategory(other AmendmentType) bool {
	if !t.AdjustsLimits() || !other.AdjustsLimits() {
		return false
	}
	if t == AmendmentTypeMixed || other == AmendmentTypeMixed {
		return true
	}
	return t == other
}

type BalanceStatus string

const (
	BalanceStatusAvailable BalanceStatus = "AVAILABLE"
	BalanceStatusLowStock  BalanceStatus = "LOW_STOCK"
	BalanceStatusDepleted  BalanceStatus = "DEPLETED"
)

type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "ACTIVE"
	ContractStatusSuspended ContractStatus = "SUSPENDED"
	ContractStatusClosed    ContractStatus = "CLOSED"
)

type CartItemStatus string

const (
	CartItemStatusOpen      CartItemStatus = "OPEN"
	CartItemStatusConfirmed CartItemStatus = "CONFIRMED"
	CartItemStatusRemoved   CartItemStatus = "REMOVED"
)

type BalanceEventType string

const (
	BalanceEventMovementRemoved   BalanceEventType = "MOVEMENT_REMOVED"
	BalanceEventLowStock          BalanceEventType = "LOW_STOCK"
	BalanceEventDepleted          BalanceEventType = "DEPLETED"
	BalanceEventAmendmentApproved BalanceEventType = "AMENDMENT_APPROVED"
)

type OutboxPublishStatus string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "PENDING"
	OutboxPublishStatusProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishStatusSent       OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead       OutboxPublishStatus = "DEAD"
)

// Document-reference prefixes correlate a ledger trail with its owner.
const (
	DocRefCartItemPrefix = "CART_ITEM_"
	DocRefOrderPrefix    = "ORDER_"
)

func CartItemDocumentReference(cartItemId int) string {
	return fmt.Sprintf("%s%d", DocRefCartItemPrefix, cartItemId)
}
