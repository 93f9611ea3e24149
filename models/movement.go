package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/contracts_backend/config"
	"bitbucket.org/mmdatafocus/contracts_backend/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MovementLedgerEntry is one append-only movement against a line item's
// balance. Entries are never updated after creation, with two time-boxed
// exceptions: Observations may be amended for 30 days and the entry may be
// removed entirely for 7 days (both windows counted from MovementDate).
type MovementLedgerEntry struct {
	ID                int               `gorm:"primary_key" json:"id"`
	OrgId             string            `gorm:"index;not null" json:"org_id"`
	LineItemId        int               `gorm:"index;not null" json:"line_item_id"`
	MovementType      MovementType      `gorm:"type:enum('CONSUMPTION','REVERSAL','ADJUSTMENT','RESERVE','RELEASE_RESERVE');not null" json:"movement_type"`
	Quantity          decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Value             *decimal.Decimal  `gorm:"type:decimal(20,4)" json:"value"`
	Direction         MovementDirection `gorm:"type:enum('IN','OUT');not null;default:OUT" json:"direction"`
	Justification     string            `gorm:"type:text;not null" json:"justification"`
	MovementDate      time.Time         `gorm:"index;not null" json:"movement_date"`
	ActorId           int               `gorm:"not null" json:"actor_id"`
	DocumentReference string            `gorm:"index;size:100" json:"document_reference"`
	Observations      string            `gorm:"type:text" json:"observations"`
	CorrelationId     string            `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeSave enforces internal ledger invariants.
//
// Direction is derived from the type for everything except ADJUSTMENT, where
// the caller chooses. Quantity must be strictly positive: direction lives in
// the type, never in the sign.
func (e *MovementLedgerEntry) BeforeSave(tx *gorm.DB) error {
	if !e.Quantity.IsPositive() {
		return ErrInvalidMovement
	}
	switch e.MovementType {
	case MovementTypeConsumption, MovementTypeReserve:
		e.Direction = MovementDirectionOut
	case MovementTypeReversal, MovementTypeReleaseReserve:
		e.Direction = MovementDirectionIn
	case MovementTypeAdjustment:
		if e.Direction != MovementDirectionIn && e.Direction != MovementDirectionOut {
			e.Direction = MovementDirectionOut
		}
	default:
		return ErrInvalidMovement
	}
	return nil
}

type NewMovement struct {
	LineItemId        int               `json:"line_item_id" validate:"required"`
	MovementType      MovementType      `json:"movement_type" validate:"required"`
	Quantity          decimal.Decimal   `json:"quantity"`
	Value             *decimal.Decimal  `json:"value"`
	Direction         MovementDirection `json:"direction"`
	UnitPrice         *decimal.Decimal  `json:"unit_price"`
	Justification     string            `json:"justification"`
	MovementDate      time.Time         `json:"movement_date" validate:"required"`
	DocumentReference string            `json:"document_reference"`
	Observations      string            `json:"observations"`
}

func (input *NewMovement) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.MovementType.IsValid() {
		return ErrInvalidMovement
	}
	if !input.Quantity.IsPositive() {
		return ErrInvalidMovement
	}
	if strings.TrimSpace(input.Justification) == "" {
		return ErrJustificationRequired
	}
	if utils.TruncateToDate(input.MovementDate).After(utils.TruncateToDate(time.Now())) {
		return ErrFutureDateNotAllowed
	}
	return nil
}

// appendParams is the internal form of one ledger append, shared by
// AppendMovement and the cart operations (which append inside their own
// transactions).
type appendParams struct {
	MovementType      MovementType
	Quantity          decimal.Decimal
	Value             *decimal.Decimal
	Direction         MovementDirection
	UnitPrice         *decimal.Decimal
	Justification     string
	MovementDate      time.Time
	ActorId           int
	DocumentReference string
	Observations      string

	// bypassAvailability skips only the insufficient-balance rule. Used by
	// CartConfirmOrder for the order-side RESERVE, which is offset by the
	// cart-side RELEASE_RESERVE in the same transaction (net zero).
	bypassAvailability bool
}

// appendMovementTx performs one gated ledger append inside the caller's
// transaction: lock the balance cache row, re-derive the balance from the
// ledger, run the gate, insert, refresh the cache, and record any
// low-stock/depleted transition in the outbox. The pre-transaction
// CheckMovement verdict (if the caller obtained one) is advisory only; this
// re-derivation under lock is what closes the check-then-append race.
func appendMovementTx(tx *gorm.DB, ctx context.Context, li *ContractLineItem, effectiveEnd time.Time, p appendParams) (*MovementLedgerEntry, *ValidationReport, error) {
	row, err := lockLineItemBalance(tx, li)
	if err != nil {
		return nil, nil, err
	}

	bal, err := deriveBalanceTx(tx, ctx, li)
	if err != nil {
		return nil, nil, err
	}

	outstanding := decimal.Zero
	if p.MovementType.RestoresBalance() {
		outstanding, err = outstandingForScope(tx, ctx, li, p.MovementType, p.DocumentReference, bal)
		if err != nil {
			return nil, nil, err
		}
	}

	report, err := evaluateMovement(li, effectiveEnd, bal, p.MovementType, p.Quantity, outstanding, p.UnitPrice, time.Now())
	if err != nil {
		if !(p.bypassAvailability && errors.Is(err, ErrInsufficientBalance)) {
			return nil, report, err
		}
		report.Allowed = true
	}

	entry := MovementLedgerEntry{
		OrgId:             li.OrgId,
		LineItemId:        li.ID,
		MovementType:      p.MovementType,
		Quantity:          p.Quantity,
		Value:             p.Value,
		Direction:         p.Direction,
		Justification:     p.Justification,
		MovementDate:      p.MovementDate,
		ActorId:           p.ActorId,
		DocumentReference: p.DocumentReference,
		Observations:      p.Observations,
		CorrelationId:     correlationIdFromContextOrNew(ctx),
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, report, err
	}

	postBal, err := deriveBalanceTx(tx, ctx, li)
	if err != nil {
		return nil, report, err
	}

	// Committed-state invariant: only explicit ADJUSTMENT entries (and the
	// confirm-time bypass, which nets to zero within its transaction) may
	// leave available below zero.
	if postBal.AvailableReal.IsNegative() && p.MovementType != MovementTypeAdjustment && !p.bypassAvailability {
		return nil, report, &InsufficientBalanceError{
			LineItemId: li.ID,
			Available:  bal.AvailableReal,
			Requested:  p.Quantity,
			Unit:       li.Unit,
		}
	}

	if err := refreshLineItemBalance(tx, row, postBal); err != nil {
		return nil, report, err
	}

	if err := recordStatusTransition(tx, ctx, li, bal.Status, postBal); err != nil {
		return nil, report, err
	}

	return &entry, report, nil
}

// outstandingForScope bounds a restoring movement. Scoped to the document
// reference when one is given, otherwise to the line item's aggregate.
func outstandingForScope(tx *gorm.DB, ctx context.Context, li *ContractLineItem, movementType MovementType, documentReference string, bal Balance) (decimal.Decimal, error) {
	if documentReference == "" {
		switch movementType {
		case MovementTypeReversal:
			return bal.NetConsumed, nil
		case MovementTypeReleaseReserve:
			return bal.NetReserved, nil
		}
		return decimal.Zero, nil
	}

	forward := movementType.ForwardType()
	var result decimal.Decimal
	err := tx.WithContext(ctx).Model(&MovementLedgerEntry{}).
		Select(`COALESCE(SUM(CASE WHEN movement_type = ? THEN quantity ELSE -quantity END), 0)`, forward).
		Where("org_id = ? AND line_item_id = ? AND document_reference = ?", li.OrgId, li.ID, documentReference).
		Where("movement_type IN ?", []MovementType{forward, movementType}).
		Scan(&result).Error
	if err != nil {
		return decimal.Zero, err
	}
	return result, nil
}

// AppendMovement validates and appends one ledger entry. Balance-affecting
// appends serialize per line item: a redis lock around the transaction plus
// a FOR UPDATE row lock inside it. Deadlock/lock-timeout conflicts retry a
// bounded number of times before surfacing ErrConflict.
func AppendMovement(ctx context.Context, input *NewMovement) (*MovementLedgerEntry, error) {
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

	params := appendParams{
		MovementType:      input.MovementType,
		Quantity:          input.Quantity,
		Value:             input.Value,
		Direction:         input.Direction,
		UnitPrice:         input.UnitPrice,
		Justification:     input.Justification,
		MovementDate:      input.MovementDate,
		ActorId:           actorId,
		DocumentReference: input.DocumentReference,
		Observations:      input.Observations,
	}

	db := config.GetDB()
	var entry *MovementLedgerEntry
	err = withConflictRetry(func() error {
		tx := db.Begin()
		var txErr error
		entry, _, txErr = appendMovementTx(tx, ctx, li, effectiveEnd, params)
		if txErr != nil {
			tx.Rollback()
			return txErr
		}
		return tx.Commit().Error
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// withConflictRetry retries fn on MySQL deadlock (1213) and lock wait
// timeout (1205) up to the configured bound, then surfaces ErrConflict.
// Business-rule rejections pass through untouched.
func withConflictRetry(fn func() error) error {
	limit := config.AppendRetryLimit()
	var err error
	for attempt := 0; attempt <= limit; attempt++ {
		err = fn()
		if err == nil || !isRetryableMySQLError(err) {
			return err
		}
	}
	logger := config.GetLogger()
	config.LogError(logger, "models", "withConflictRetry", "retry limit exhausted", nil, err)
	return ErrConflict
}

func isRetryableMySQLError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return false
	}
	return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// GetHistory lists a line item's ledger, most recent first.
func GetHistory(ctx context.Context, lineItemId int, limit int, offset int) ([]*MovementLedgerEntry, error) {
	li, err := GetLineItem(ctx, lineItemId)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = config.SearchLimit
	}
	if offset < 0 {
		offset = 0
	}

	db := config.GetDB()
	var entries []*MovementLedgerEntry
	if err := db.WithContext(ctx).
		Where("org_id = ? AND line_item_id = ?", li.OrgId, li.ID).
		Order("movement_date DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func FindMovementByID(ctx context.Context, id int) (*MovementLedgerEntry, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}
	return utils.FetchModel[MovementLedgerEntry](ctx, orgId, id)
}

// FindMovementsByDocumentReference returns the full ledger trail of one
// correlated document (cart item, order), oldest first.
func FindMovementsByDocumentReference(ctx context.Context, documentReference string) ([]*MovementLedgerEntry, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}

	db := config.GetDB()
	var entries []*MovementLedgerEntry
	if err := db.WithContext(ctx).
		Where("org_id = ? AND document_reference = ?", orgId, documentReference).
		Order("id").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// withinDaysOf reports whether `now` is at most `days` whole days after
// `reference` (date-granular).
func withinDaysOf(reference time.Time, now time.Time, days int) bool {
	elapsed := utils.DaysSince(reference, now)
	return elapsed >= 0 && elapsed <= days
}

// AmendMovementObservations updates an entry's observations. Everything else
// about a ledger entry is immutable; this is allowed only within the
// configured edit window after the movement date.
func AmendMovementObservations(ctx context.Context, id int, observations string) (*MovementLedgerEntry, error) {
	entry, err := FindMovementByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !withinDaysOf(entry.MovementDate, time.Now(), config.MovementEditWindowDays()) {
		return nil, ErrEditWindowExpired
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(entry).Update("Observations", observations).Error; err != nil {
		return nil, err
	}
	entry.Observations = observations
	return entry, nil
}

// RemoveMovement deletes a ledger entry within the (shorter) delete window,
// rebuilds the balance cache row, and records a MOVEMENT_REMOVED outbox
// event so downstream consumers can issue the compensating notification.
// Returns the removed entry.
func RemoveMovement(ctx context.Context, id int) (*MovementLedgerEntry, error) {
	entry, err := FindMovementByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !withinDaysOf(entry.MovementDate, time.Now(), config.MovementDeleteWindowDays()) {
		return nil, ErrDeleteWindowExpired
	}

	li, err := GetLineItem(ctx, entry.LineItemId)
	if err != nil {
		return nil, err
	}

	lock, err := utils.ObtainLineItemLock(ctx, li.OrgId, li.ID)
	if err != nil {
		return nil, err
	}
	defer utils.ReleaseLineItemLock(ctx, lock)

	db := config.GetDB()
	err = withConflictRetry(func() error {
		tx := db.Begin()
		if err := tx.WithContext(ctx).Delete(&MovementLedgerEntry{}, entry.ID).Error; err != nil {
			tx.Rollback()
			return err
		}
		bal, err := RecalculateLineItemBalance(tx, ctx, li)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := writeBalanceEvent(tx, ctx, li, BalanceEventMovementRemoved, map[string]interface{}{
			"movement_id":    entry.ID,
			"movement_type":  entry.MovementType,
			"quantity":       entry.Quantity,
			"document_ref":   entry.DocumentReference,
			"available_real": bal.AvailableReal,
		}); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit().Error
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
