package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/contracts_backend/config"
	"bitbucket.org/mmdatafocus/contracts_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Contract is a public-procurement supply contract. Line items carry the
// enforceable limits; the contract carries vigency and supplier identity.
type Contract struct {
	ID           int                 `gorm:"primary_key" json:"id"`
	OrgId        string              `gorm:"index;not null" json:"org_id"`
	Number       string              `gorm:"size:100;not null" json:"number"`
	SupplierId   int                 `gorm:"index;not null" json:"supplier_id"`
	SupplierName string              `gorm:"size:255" json:"supplier_name"`
	StartDate    time.Time           `gorm:"not null" json:"start_date"`
	EndDate      time.Time           `gorm:"not null" json:"end_date"`
	Status       ContractStatus      `gorm:"type:enum('ACTIVE','SUSPENDED','CLOSED');default:ACTIVE" json:"status"`
	Description  string              `gorm:"type:text" json:"description"`
	LineItems    []*ContractLineItem `gorm:"foreignKey:ContractId" json:"line_items"`
	CreatedBy    int                 `gorm:"not null" json:"created_by"`
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// ContractLineItem pairs a contract with a product and owns the quantity
// limit. Immutable once created; only approved amendments change its
// effective limit, and only via AmendmentLineAdjustment rows, never by
// touching BaseQuantityLimit.
type ContractLineItem struct {
	ID                int             `gorm:"primary_key" json:"id"`
	OrgId             string          `gorm:"index;not null" json:"org_id"`
	ContractId        int             `gorm:"index;not null" json:"contract_id"`
	Contract          *Contract       `gorm:"foreignKey:ContractId" json:"contract,omitempty"`
	ProductId         int             `gorm:"index;not null" json:"product_id"`
	ProductName       string          `gorm:"size:255;not null" json:"product_name"`
	Unit              string          `gorm:"size:20;not null" json:"unit"`
	BaseQuantityLimit decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"base_quantity_limit"`
	UnitPrice         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewContract struct {
	Number       string                `json:"number" validate:"required"`
	SupplierId   int                   `json:"supplier_id" validate:"required"`
	SupplierName string                `json:"supplier_name"`
	StartDate    time.Time             `json:"start_date" validate:"required"`
	EndDate      time.Time             `json:"end_date" validate:"required"`
	Description  string                `json:"description"`
	LineItems    []NewContractLineItem `json:"line_items" validate:"required,min=1,dive"`
}

type NewContractLineItem struct {
	ProductId         int             `json:"product_id" validate:"required"`
	ProductName       string          `json:"product_name" validate:"required"`
	Unit              string          `json:"unit" validate:"required"`
	BaseQuantityLimit decimal.Decimal `json:"base_quantity_limit"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
}

func (input *NewContract) validate(ctx context.Context, orgId string) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.EndDate.After(input.StartDate) {
		return errors.New("contract end date must be after start date")
	}
	if err := utils.ValidateUnique[Contract](ctx, orgId, "number", input.Number, 0); err != nil {
		return err
	}
	seen := make(map[int]bool, len(input.LineItems))
	for _, item := range input.LineItems {
		if item.BaseQuantityLimit.LessThanOrEqual(decimal.Zero) {
			return errors.New("line item quantity limit must be positive")
		}
		if item.UnitPrice.IsNegative() {
			return errors.New("line item unit price cannot be negative")
		}
		if seen[item.ProductId] {
			return errors.New("duplicate product in contract line items")
		}
		seen[item.ProductId] = true
	}
	return nil
}

func CreateContract(ctx context.Context, input *NewContract) (*Contract, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}
	actorId, ok := utils.GetActorIdFromContext(ctx)
	if !ok || actorId == 0 {
		return nil, errors.New("actor id is required")
	}
	if err := input.validate(ctx, orgId); err != nil {
		return nil, err
	}

	lineItems := make([]*ContractLineItem, 0, len(input.LineItems))
	for _, item := range input.LineItems {
		lineItems = append(lineItems, &ContractLineItem{
			OrgId:             orgId,
			ProductId:         item.ProductId,
			ProductName:       item.ProductName,
			Unit:              item.Unit,
			BaseQuantityLimit: item.BaseQuantityLimit,
			UnitPrice:         item.UnitPrice,
		})
	}

	contract := Contract{
		OrgId:        orgId,
		Number:       input.Number,
		SupplierId:   input.SupplierId,
		SupplierName: input.SupplierName,
		StartDate:    input.StartDate,
		EndDate:      input.EndDate,
		Status:       ContractStatusActive,
		Description:  input.Description,
		LineItems:    lineItems,
		CreatedBy:    actorId,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&contract).Error; err != nil {
		return nil, err
	}
	return &contract, nil
}

func GetContract(ctx context.Context, id int) (*Contract, error) {
	return GetResource[Contract](ctx, id, "LineItems")
}

// GetLineItem fetches a line item scoped by the context org.
// Returns ErrLineItemNotFound (not the generic record-not-found) so callers
// can surface the ledger's own error kind.
func GetLineItem(ctx context.Context, id int) (*ContractLineItem, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}
	item, err := utils.FetchModel[ContractLineItem](ctx, orgId, id, "Contract")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLineItemNotFound
		}
		return nil, err
	}
	return item, nil
}

// EffectiveContractEndDate resolves the contract's end date after approved
// TERM/MIXED amendments. The authoritative value is always the maximum of
// the original end date and every approved amendment's new end date, never
// a sum of "additional days" (those are display-only).
func EffectiveContractEndDate(contract *Contract, approved []*Amendment) time.Time {
	end := contract.EndDate
	for _, a := range approved {
		if !a.Approved || !a.AmendmentType.ExtendsTerm() || a.NewEndDate == nil {
			continue
		}
		if a.NewEndDate.After(end) {
			end = *a.NewEndDate
		}
	}
	return end
}

// contractEffectiveEndDate loads approved term amendments and resolves the
// effective end date from the DB.
func contractEffectiveEndDate(ctx context.Context, contract *Contract) (time.Time, error) {
	db := config.GetDB()
	var amendments []*Amendment
	if err := db.WithContext(ctx).
		Where("org_id = ? AND contract_id = ? AND approved = ?", contract.OrgId, contract.ID, true).
		Where("amendment_type IN ?", []AmendmentType{AmendmentTypeTerm, AmendmentTypeMixed}).
		Find(&amendments).Error; err != nil {
		return time.Time{}, err
	}
	return EffectiveContractEndDate(contract, amendments), nil
}
