package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/contracts_backend/config"
	"bitbucket.org/mmdatafocus/contracts_backend/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CartItem is one open reservation against a line item. The cart carries no
// balance state of its own: every quantity change is a RESERVE or
// RELEASE_RESERVE ledger entry under the CART_ITEM_<id> document reference,
// and the cart row holds only the current requested quantity and status.
type CartItem struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrgId          string          `gorm:"index;not null" json:"org_id"`
	LineItemId     int             `gorm:"index;not null" json:"line_item_id"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	ActorId        int             `gorm:"index;not null" json:"actor_id"`
	Status         CartItemStatus  `gorm:"type:enum('OPEN','CONFIRMED','REMOVED');not null;default:OPEN" json:"status"`
	OrderReference *string         `gorm:"size:100;index" json:"order_reference"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCartItem struct {
	LineItemId int             `json:"line_item_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
}

func (input *NewCartItem) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.Quantity.IsPositive() {
		return ErrInvalidMovement
	}
	return nil
}

func fetchOpenCartItem(ctx context.Context, id int) (*CartItem, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}
	item, err := utils.FetchModel[CartItem](ctx, orgId, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCartItemNotFound
		}
		return nil, err
	}
	if item.Status != CartItemStatusOpen {
		return nil, ErrCartItemNotFound
	}
	return item, nil
}

// ListOpenCartItems returns the calling actor's open cart.
func ListOpenCartItems(ctx context.Context) ([]*CartItem, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}
	actorId, _ := utils.GetActorIdFromContext(ctx)

	db := config.GetDB()
	var items []*CartItem
	if err := db.WithContext(ctx).
		Where("org_id = ? AND actor_id = ? AND status = ?", orgId, actorId, CartItemStatusOpen).
		Order("id").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// cartReservedOutstanding is the quantity still reserved under a document
// reference, derived from the ledger inside the caller's transaction.
func cartReservedOutstanding(tx *gorm.DB, ctx context.Context, li *ContractLineItem, documentReference string, bal Balance) (decimal.Decimal, error) {
	return outstandingForScope(tx, ctx, li, MovementTypeReleaseReserve, documentReference, bal)
}

// CartAdd opens a cart item and reserves its quantity: the cart row and the
// RESERVE ledger entry commit together, so either the reservation holds
// balance or the item does not exist.
func CartAdd(ctx context.Context, input *NewCartItem) (*CartItem, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}
	actorId, ok := utils.GetActorIdFromContext(ctx)
	if !ok || actorId == 0 {
		return nil, errors.New("actor id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	li, err := GetLineItem(ctx, input.LineItemId)
	if err != nil {
		return nil, err
	}
	effectiveEnd, err := contractEffectiveEndDate(ctx, li.Contract)
	if err != nil {
		return nil, err
	}

	lock, err := utils.ObtainLineItemLock(ctx, orgId, li.ID)
	if err != nil {
		return nil, err
	}
	defer utils.ReleaseLineItemLock(ctx, lock)

	item := CartItem{
		OrgId:      orgId,
		LineItemId: li.ID,
		Quantity:   input.Quantity,
		ActorId:    actorId,
		Status:     CartItemStatusOpen,
	}

	db := config.GetDB()
	err = withConflictRetry(func() error {
		item.ID = 0
		tx := db.Begin()
		if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
			tx.Rollback()
			return err
		}
		_, _, err := appendMovementTx(tx, ctx, li, effectiveEnd, appendParams{
			MovementType:      MovementTypeReserve,
			Quantity:          input.Quantity,
			Justification:     fmt.Sprintf("cart reservation by actor %d", actorId),
			MovementDate:      time.Now(),
			ActorId:           actorId,
			DocumentReference: CartItemDocumentReference(item.ID),
		})
		if err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit().Error
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// CartUpdateQuantity moves an open cart item to a new quantity by appending
// the delta: an extra RESERVE when growing (gated against availability), a
// RELEASE_RESERVE when shrinking (bounded by the item's own outstanding).
// Setting the current quantity is a no-op. The delta is computed from the
// cart row as re-read under FOR UPDATE, so concurrent updates of the same
// item each append against the quantity the previous one committed.
func CartUpdateQuantity(ctx context.Context, cartItemId int, quantity decimal.Decimal) (*CartItem, error) {
	if !quantity.IsPositive() {
		return nil, ErrInvalidMovement
	}

	item, err := fetchOpenCartItem(ctx, cartItemId)
	if err != nil {
		return nil, err
	}
	li, err := GetLineItem(ctx, item.LineItemId)
	if err != nil {
		return nil, err
	}
	effectiveEnd, err := contractEffectiveEndDate(ctx, li.Contract)
	if err != nil {
		return nil, err
	}

	if quantity.Equal(item.Quantity) {
		return item, nil
	}

	lock, err := utils.ObtainLineItemLock(ctx, item.OrgId, li.ID)
	if err != nil {
		return nil, err
	}
	defer utils.ReleaseLineItemLock(ctx, lock)

	db := config.GetDB()
	err = withConflictRetry(func() error {
		tx := db.Begin()

		// The pre-lock read may be stale.
		var current CartItem
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("org_id = ?", item.OrgId).
			First(&current, item.ID).Error; err != nil {
			tx.Rollback()
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCartItemNotFound
			}
			return err
		}
		if current.Status != CartItemStatusOpen {
			tx.Rollback()
			return ErrCartItemNotFound
		}

		delta := quantity.Sub(current.Quantity)
		if delta.IsZero() {
			item.Quantity = quantity
			return tx.Rollback().Error
		}
		movementType := MovementTypeReserve
		if delta.IsNegative() {
			movementType = MovementTypeReleaseReserve
		}

		_, _, err := appendMovementTx(tx, ctx, li, effectiveEnd, appendParams{
			MovementType:      movementType,
			Quantity:          delta.Abs(),
			Justification:     fmt.Sprintf("cart quantity change by actor %d", item.ActorId),
			MovementDate:      time.Now(),
			ActorId:           item.ActorId,
			DocumentReference: CartItemDocumentReference(item.ID),
		})
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.WithContext(ctx).Model(&current).Update("Quantity", quantity).Error; err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit().Error; err != nil {
			return err
		}
		item.Quantity = quantity
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CartRemove releases everything the cart item still holds and marks it
// REMOVED. An item whose reservation is already gone (fully released) cannot
// be removed through the compensating path and surfaces
// ErrReservationNotFound.
func CartRemove(ctx context.Context, cartItemId int) (*CartItem, error) {
	item, err := fetchOpenCartItem(ctx, cartItemId)
	if err != nil {
		return nil, err
	}
	li, err := GetLineItem(ctx, item.LineItemId)
	if err != nil {
		return nil, err
	}
	effectiveEnd, err := contractEffectiveEndDate(ctx, li.Contract)
	if err != nil {
		return nil, err
	}

	lock, err := utils.ObtainLineItemLock(ctx, item.OrgId, li.ID)
	if err != nil {
		return nil, err
	}
	defer utils.ReleaseLineItemLock(ctx, lock)

	db := config.GetDB()
	err = withConflictRetry(func() error {
		tx := db.Begin()
		if _, err := lockLineItemBalance(tx, li); err != nil {
			tx.Rollback()
			return err
		}
		bal, err := deriveBalanceTx(tx, ctx, li)
		if err != nil {
			tx.Rollback()
			return err
		}
		outstanding, err := cartReservedOutstanding(tx, ctx, li, CartItemDocumentReference(item.ID), bal)
		if err != nil {
			tx.Rollback()
			return err
		}
		if !outstanding.IsPositive() {
			tx.Rollback()
			return ErrReservationNotFound
		}
		_, _, err = appendMovementTx(tx, ctx, li, effectiveEnd, appendParams{
			MovementType:      MovementTypeReleaseReserve,
			Quantity:          outstanding,
			Justification:     fmt.Sprintf("cart item removed by actor %d", item.ActorId),
			MovementDate:      time.Now(),
			ActorId:           item.ActorId,
			DocumentReference: CartItemDocumentReference(item.ID),
		})
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.WithContext(ctx).Model(item).Update("Status", CartItemStatusRemoved).Error; err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit().Error
	})
	if err != nil {
		return nil, err
	}
	item.Status = CartItemStatusRemoved
	return item, nil
}

// OrderConfirmation is the result of turning cart reservations into an
// order-held reservation.
type OrderConfirmation struct {
	OrderReference string      `json:"order_reference"`
	Items          []*CartItem `json:"items"`
}

// CartConfirmOrder transfers the reservations of the given cart items to a
// new order reference. For each item it appends a RESERVE under
// ORDER_<uuid> and a RELEASE_RESERVE under the cart reference, in the same
// transaction, so the pair nets to zero against availability. An item with
// no remaining reserved quantity aborts the whole confirmation with
// ErrReservationNotFound.
func CartConfirmOrder(ctx context.Context, cartItemIds []int) (*OrderConfirmation, error) {
	if len(cartItemIds) == 0 {
		return nil, ErrCartItemNotFound
	}

	items := make([]*CartItem, 0, len(cartItemIds))
	lineItems := map[int]*ContractLineItem{}
	endDates := map[int]time.Time{}
	for _, id := range utils.UniqueSlice(cartItemIds) {
		item, err := fetchOpenCartItem(ctx, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if _, ok := lineItems[item.LineItemId]; !ok {
			li, err := GetLineItem(ctx, item.LineItemId)
			if err != nil {
				return nil, err
			}
			effectiveEnd, err := contractEffectiveEndDate(ctx, li.Contract)
			if err != nil {
				return nil, err
			}
			lineItems[li.ID] = li
			endDates[li.ID] = effectiveEnd
		}
	}

	// Locks are taken in ascending line item order so concurrent
	// confirmations over overlapping items cannot deadlock on each other.
	lineItemIds := make([]int, 0, len(lineItems))
	for id := range lineItems {
		lineItemIds = append(lineItemIds, id)
	}
	sort.Ints(lineItemIds)

	orgId, _ := utils.GetOrgIdFromContext(ctx)
	locks := make([]*redislock.Lock, 0, len(lineItemIds))
	defer func() {
		for _, lock := range locks {
			utils.ReleaseLineItemLock(ctx, lock)
		}
	}()
	for _, id := range lineItemIds {
		lock, err := utils.ObtainLineItemLock(ctx, orgId, id)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}

	orderReference := fmt.Sprintf("%s%s", DocRefOrderPrefix, uuid.NewString())

	db := config.GetDB()
	err := withConflictRetry(func() error {
		tx := db.Begin()
		for _, item := range items {
			li := lineItems[item.LineItemId]

			if _, err := lockLineItemBalance(tx, li); err != nil {
				tx.Rollback()
				return err
			}
			bal, err := deriveBalanceTx(tx, ctx, li)
			if err != nil {
				tx.Rollback()
				return err
			}
			outstanding, err := cartReservedOutstanding(tx, ctx, li, CartItemDocumentReference(item.ID), bal)
			if err != nil {
				tx.Rollback()
				return err
			}
			if !outstanding.IsPositive() {
				tx.Rollback()
				return ErrReservationNotFound
			}

			justification := fmt.Sprintf("order confirmation %s", orderReference)
			_, _, err = appendMovementTx(tx, ctx, li, endDates[li.ID], appendParams{
				MovementType:       MovementTypeReserve,
				Quantity:           outstanding,
				Justification:      justification,
				MovementDate:       time.Now(),
				ActorId:            item.ActorId,
				DocumentReference:  orderReference,
				bypassAvailability: true,
			})
			if err != nil {
				tx.Rollback()
				return err
			}
			_, _, err = appendMovementTx(tx, ctx, li, endDates[li.ID], appendParams{
				MovementType:      MovementTypeReleaseReserve,
				Quantity:          outstanding,
				Justification:     justification,
				MovementDate:      time.Now(),
				ActorId:           item.ActorId,
				DocumentReference: CartItemDocumentReference(item.ID),
			})
			if err != nil {
				tx.Rollback()
				return err
			}

			if err := tx.WithContext(ctx).Model(item).
				Updates(map[string]interface{}{
					"Status":         CartItemStatusConfirmed,
					"OrderReference": orderReference,
				}).Error; err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit().Error
	})
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		item.Status = CartItemStatusConfirmed
		item.OrderReference = &orderReference
	}
	return &OrderConfirmation{OrderReference: orderReference, Items: items}, nil
}
