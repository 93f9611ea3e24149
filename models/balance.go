package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/contracts_backend/config"
	"bitbucket.org/mmdatafocus/contracts_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Balance is the derived position of one line item. Quantities follow the
// core invariants:
//
//	EffectiveLimit = base + Σ approved amendment additional quantities
//	NetConsumed    = Σ CONSUMPTION − Σ REVERSAL
//	NetAdjusted    = Σ ADJUSTMENT OUT − Σ ADJUSTMENT IN
//	NetReserved    = Σ RESERVE − Σ RELEASE_RESERVE
//	Available      = EffectiveLimit − NetConsumed − NetAdjusted − NetReserved
type Balance struct {
	LineItemId     int             `json:"line_item_id"`
	ContractId     int             `json:"contract_id"`
	ProductName    string          `json:"product_name"`
	Unit           string          `json:"unit"`
	EffectiveLimit decimal.Decimal `json:"effective_limit"`
	NetConsumed    decimal.Decimal `json:"net_consumed"`
	NetAdjusted    decimal.Decimal `json:"net_adjusted"`
	NetReserved    decimal.Decimal `json:"net_reserved"`
	Available      decimal.Decimal `json:"available"`
	AvailableReal  decimal.Decimal `json:"available_real"`
	Utilization    decimal.Decimal `json:"utilization"`
	Status         BalanceStatus   `json:"status"`
}

// LineItemBalance is the persisted cache of Balance, maintained inside the
// same transaction as every balance-affecting write. The movement ledger is
// the source of truth; this table only serves listing queries and the row
// lock that serializes appends. Rebuildable via cmd/balance-rebuild.
type LineItemBalance struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrgId          string          `gorm:"index;not null" json:"org_id"`
	LineItemId     int             `gorm:"uniqueIndex;not null" json:"line_item_id"`
	ContractId     int             `gorm:"index;not null" json:"contract_id"`
	EffectiveLimit decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"effective_limit"`
	NetConsumed    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"net_consumed"`
	NetAdjusted    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"net_adjusted"`
	NetReserved    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"net_reserved"`
	Available      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"available"`
	AvailableReal  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"available_real"`
	Status         BalanceStatus   `gorm:"type:enum('AVAILABLE','LOW_STOCK','DEPLETED');default:AVAILABLE" json:"status"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

var oneHundred = decimal.NewFromInt(100)

// ComputeBalance derives the balance of a line item from its approved
// amendments and ledger entries. Pure: no DB, no clock. Entries and
// adjustments belonging to other line items are ignored; adjustments whose
// amendment is not approved contribute nothing.
func ComputeBalance(li *ContractLineItem, amendments []*Amendment, adjustments []*AmendmentLineAdjustment, entries []*MovementLedgerEntry) Balance {
	approved := make(map[int]bool, len(amendments))
	for _, a := range amendments {
		if a.Approved {
			approved[a.ID] = true
		}
	}

	effectiveLimit := li.BaseQuantityLimit
	for _, adj := range adjustments {
		if adj.LineItemId != li.ID || !approved[adj.AmendmentId] {
			continue
		}
		effectiveLimit = effectiveLimit.Add(adj.AdditionalQuantity)
	}

	netConsumed := decimal.Zero
	netAdjusted := decimal.Zero
	netReserved := decimal.Zero
	for _, e := range entries {
		if e.LineItemId != li.ID {
			continue
		}
		switch e.MovementType {
		case MovementTypeConsumption:
			netConsumed = netConsumed.Add(e.Quantity)
		case MovementTypeReversal:
			netConsumed = netConsumed.Sub(e.Quantity)
		case MovementTypeReserve:
			netReserved = netReserved.Add(e.Quantity)
		case MovementTypeReleaseReserve:
			netReserved = netReserved.Sub(e.Quantity)
		case MovementTypeAdjustment:
			if e.Direction == MovementDirectionIn {
				netAdjusted = netAdjusted.Sub(e.Quantity)
			} else {
				netAdjusted = netAdjusted.Add(e.Quantity)
			}
		}
	}

	available := effectiveLimit.Sub(netConsumed).Sub(netAdjusted).Sub(netReserved)

	bal := Balance{
		LineItemId:     li.ID,
		ContractId:     li.ContractId,
		ProductName:    li.ProductName,
		Unit:           li.Unit,
		EffectiveLimit: effectiveLimit,
		NetConsumed:    netConsumed,
		NetAdjusted:    netAdjusted,
		NetReserved:    netReserved,
		Available:      available,
		AvailableReal:  available,
	}
	bal.Utilization = utilizationPercentage(effectiveLimit, netConsumed.Add(netAdjusted).Add(netReserved))
	bal.Status = balanceStatus(effectiveLimit, bal.AvailableReal, bal.Utilization)
	return bal
}

func utilizationPercentage(limit decimal.Decimal, committed decimal.Decimal) decimal.Decimal {
	if limit.LessThanOrEqual(decimal.Zero) {
		return oneHundred
	}
	return committed.Div(limit).Mul(oneHundred)
}

func balanceStatus(limit decimal.Decimal, availableReal decimal.Decimal, utilization decimal.Decimal) BalanceStatus {
	if limit.LessThanOrEqual(decimal.Zero) || availableReal.LessThanOrEqual(decimal.Zero) {
		return BalanceStatusDepleted
	}
	if utilization.GreaterThanOrEqual(config.LowStockThresholdPercentage()) {
		return BalanceStatusLowStock
	}
	return BalanceStatusAvailable
}

// deriveBalanceTx recomputes the balance from the ledger of record inside
// the caller's transaction, so it sees uncommitted entries of that
// transaction. Never read the cache for enforcement.
func deriveBalanceTx(tx *gorm.DB, ctx context.Context, li *ContractLineItem) (Balance, error) {
	var amendments []*Amendment
	if err := tx.WithContext(ctx).
		Where("org_id = ? AND contract_id = ? AND approved = ?", li.OrgId, li.ContractId, true).
		Find(&amendments).Error; err != nil {
		return Balance{}, err
	}

	var adjustments []*AmendmentLineAdjustment
	if err := tx.WithContext(ctx).
		Where("line_item_id = ?", li.ID).
		Find(&adjustments).Error; err != nil {
		return Balance{}, err
	}

	var entries []*MovementLedgerEntry
	if err := tx.WithContext(ctx).
		Where("org_id = ? AND line_item_id = ?", li.OrgId, li.ID).
		Find(&entries).Error; err != nil {
		return Balance{}, err
	}

	return ComputeBalance(li, amendments, adjustments, entries), nil
}

// lockLineItemBalance locks (creating if absent) the cache row for the line
// item with SELECT ... FOR UPDATE, serializing concurrent appends within the
// storage layer.
func lockLineItemBalance(tx *gorm.DB, li *ContractLineItem) (*LineItemBalance, error) {
	row := LineItemBalance{
		OrgId:      li.OrgId,
		LineItemId: li.ID,
		ContractId: li.ContractId,
	}
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("org_id = ? AND line_item_id = ?", li.OrgId, li.ID).
		FirstOrCreate(&row)
	if result.Error != nil {
		return nil, result.Error
	}
	return &row, nil
}

func refreshLineItemBalance(tx *gorm.DB, row *LineItemBalance, bal Balance) error {
	return tx.Model(row).Updates(map[string]interface{}{
		"EffectiveLimit": bal.EffectiveLimit,
		"NetConsumed":    bal.NetConsumed,
		"NetAdjusted":    bal.NetAdjusted,
		"NetReserved":    bal.NetReserved,
		"Available":      bal.Available,
		"AvailableReal":  bal.AvailableReal,
		"Status":         bal.Status,
	}).Error
}

// RecalculateLineItemBalance re-derives one cache row from the ledger inside
// the given transaction. Shared by movement removal, amendment approval and
// the rebuild binary.
func RecalculateLineItemBalance(tx *gorm.DB, ctx context.Context, li *ContractLineItem) (Balance, error) {
	row, err := lockLineItemBalance(tx, li)
	if err != nil {
		return Balance{}, err
	}
	bal, err := deriveBalanceTx(tx, ctx, li)
	if err != nil {
		return Balance{}, err
	}
	if err := refreshLineItemBalance(tx, row, bal); err != nil {
		return Balance{}, err
	}
	return bal, nil
}

// GetBalance derives the current balance of a line item from the ledger of
// record (not the cache).
func GetBalance(ctx context.Context, lineItemId int) (*Balance, error) {
	li, err := GetLineItem(ctx, lineItemId)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	bal, err := deriveBalanceTx(db, ctx, li)
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// BalanceFilter narrows ListBalances. Zero values mean "no filter".
type BalanceFilter struct {
	ContractId  int
	SupplierId  int
	Status      BalanceStatus
	ProductName string
}

// ListBalances serves listing screens from the line_item_balances cache,
// joined with line items/contracts for name and supplier filters.
func ListBalances(ctx context.Context, filter BalanceFilter) ([]*Balance, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).
		Model(&LineItemBalance{}).
		Select(`line_item_balances.line_item_id,
			line_item_balances.contract_id,
			contract_line_items.product_name,
			contract_line_items.unit,
			line_item_balances.effective_limit,
			line_item_balances.net_consumed,
			line_item_balances.net_adjusted,
			line_item_balances.net_reserved,
			line_item_balances.available,
			line_item_balances.available_real,
			line_item_balances.status`).
		Joins("JOIN contract_line_items ON contract_line_items.id = line_item_balances.line_item_id").
		Joins("JOIN contracts ON contracts.id = line_item_balances.contract_id").
		Where("line_item_balances.org_id = ?", orgId)

	if filter.ContractId != 0 {
		dbCtx = dbCtx.Where("line_item_balances.contract_id = ?", filter.ContractId)
	}
	if filter.SupplierId != 0 {
		dbCtx = dbCtx.Where("contracts.supplier_id = ?", filter.SupplierId)
	}
	if filter.Status != "" {
		dbCtx = dbCtx.Where("line_item_balances.status = ?", filter.Status)
	}
	if filter.ProductName != "" {
		dbCtx = dbCtx.Where("contract_line_items.product_name LIKE ?", "%"+filter.ProductName+"%")
	}

	var balances []*Balance
	if err := dbCtx.Order("line_item_balances.contract_id, line_item_balances.line_item_id").
		Scan(&balances).Error; err != nil {
		return nil, err
	}
	for _, b := range balances {
		b.Utilization = utilizationPercentage(b.EffectiveLimit, b.NetConsumed.Add(b.NetAdjusted).Add(b.NetReserved))
	}
	return balances, nil
}
