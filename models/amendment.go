package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/contracts_backend/config"
	"bitbucket.org/mmdatafocus/contracts_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Amendment is an "aditivo": a contract modification extending the term
// (TERM), raising quantity or value limits (QUANTITY/VALUE), or both (MIXED).
// Amendments are proposed first and only affect balances once approved.
type Amendment struct {
	ID               int                        `gorm:"primary_key" json:"id"`
	OrgId            string                     `gorm:"index;not null" json:"org_id"`
	ContractId       int                        `gorm:"index;not null" json:"contract_id"`
	Contract         *Contract                  `gorm:"foreignKey:ContractId" json:"contract,omitempty"`
	AmendmentType    AmendmentType              `gorm:"type:enum('TERM','QUANTITY','VALUE','MIXED');not null" json:"amendment_type"`
	SignatureDate    time.Time                  `gorm:"not null" json:"signature_date"`
	EffectiveStart   time.Time                  `gorm:"not null" json:"effective_start"`
	NewEndDate       *time.Time                 `json:"new_end_date"`
	GlobalPercentage *decimal.Decimal           `gorm:"type:decimal(20,4)" json:"global_percentage"`
	Justification    string                     `gorm:"type:text;not null" json:"justification"`
	LegalBasis       string                     `gorm:"size:255;not null" json:"legal_basis"`
	Approved         bool                       `gorm:"not null;default:false;index" json:"approved"`
	ApprovalDate     *time.Time                 `json:"approval_date"`
	CreatedBy        int                        `gorm:"not null" json:"created_by"`
	LineAdjustments  []*AmendmentLineAdjustment `gorm:"foreignKey:AmendmentId" json:"line_adjustments"`
	CreatedAt        time.Time                  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time                  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AmendmentLineAdjustment records what an amendment adds to one line item.
// OriginalQuantity snapshots the line's base limit at proposal time so the
// additional quantity is always a percentage of the base, never of an
// already-amended limit (no compounding).
type AmendmentLineAdjustment struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	AmendmentId        int              `gorm:"index;not null" json:"amendment_id"`
	LineItemId         int              `gorm:"index;not null" json:"line_item_id"`
	Percentage         decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"percentage"`
	OriginalQuantity   decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"original_quantity"`
	AdditionalQuantity decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"additional_quantity"`
	AdditionalValue    *decimal.Decimal `gorm:"type:decimal(20,4)" json:"additional_value"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

type NewAmendmentLineAdjustment struct {
	LineItemId int             `json:"line_item_id" validate:"required"`
	Percentage decimal.Decimal `json:"percentage"`
}

type NewAmendment struct {
	ContractId       int                           `json:"contract_id" validate:"required"`
	AmendmentType    AmendmentType                 `json:"amendment_type" validate:"required"`
	SignatureDate    time.Time                     `json:"signature_date" validate:"required"`
	EffectiveStart   time.Time                     `json:"effective_start" validate:"required"`
	NewEndDate       *time.Time                    `json:"new_end_date"`
	GlobalPercentage *decimal.Decimal              `json:"global_percentage"`
	LineAdjustments  []*NewAmendmentLineAdjustment `json:"line_adjustments" validate:"omitempty,dive"`
	Justification    string                        `json:"justification"`
	LegalBasis       string                        `json:"legal_basis"`
}

func (input *NewAmendment) validate(contract *Contract) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if !input.AmendmentType.IsValid() {
		return errors.New("invalid amendment type")
	}
	if strings.TrimSpace(input.Justification) == "" || strings.TrimSpace(input.LegalBasis) == "" {
		return ErrJustificationRequired
	}

	if input.AmendmentType.ExtendsTerm() {
		if input.NewEndDate == nil {
			return errors.New("new end date is required for term amendments")
		}
		if !input.NewEndDate.After(contract.EndDate) {
			return errors.New("new end date must be after the current contract end date")
		}
	} else if input.NewEndDate != nil {
		return errors.New("new end date is only valid for term amendments")
	}

	if input.AmendmentType.AdjustsLimits() {
		hasGlobal := input.GlobalPercentage != nil
		hasLines := len(input.LineAdjustments) > 0
		if hasGlobal == hasLines {
			return errors.New("exactly one of global percentage or line adjustments is required")
		}
		ceiling := config.AmendmentPercentageCeiling()
		if hasGlobal {
			if !input.GlobalPercentage.IsPositive() {
				return errors.New("global percentage must be positive")
			}
			if input.GlobalPercentage.GreaterThan(ceiling) {
				return ErrAmendmentPercentageExceeded
			}
		}
		seen := map[int]bool{}
		for _, adj := range input.LineAdjustments {
			if seen[adj.LineItemId] {
				return errors.New("duplicate line item in adjustments")
			}
			seen[adj.LineItemId] = true
			if !adj.Percentage.IsPositive() {
				return errors.New("adjustment percentage must be positive")
			}
			if adj.Percentage.GreaterThan(ceiling) {
				return ErrAmendmentPercentageExceeded
			}
		}
	} else {
		if input.GlobalPercentage != nil || len(input.LineAdjustments) > 0 {
			return errors.New("percentages are only valid for quantity, value, or mixed amendments")
		}
	}
	return nil
}

// effectivePercentage is the percentage an amendment contributes to the
// contract's accumulated ceiling bucket: the global percentage, or for
// per-line amendments the largest line percentage.
func (a *Amendment) effectivePercentage() decimal.Decimal {
	if a.GlobalPercentage != nil {
		return *a.GlobalPercentage
	}
	pct := decimal.Zero
	for _, adj := range a.LineAdjustments {
		if adj.Percentage.GreaterThan(pct) {
			pct = adj.Percentage
		}
	}
	return pct
}

// AdditionalDays is display-only: the term extension as whole days. The
// authoritative vigency calculation always uses NewEndDate itself.
func (a *Amendment) AdditionalDays(contract *Contract) int {
	if a.NewEndDate == nil || !a.NewEndDate.After(contract.EndDate) {
		return 0
	}
	return utils.DaysSince(contract.EndDate, *a.NewEndDate)
}

// PercentageReport describes how a proposed percentage sits against the
// contract's accumulated ceiling bucket.
type PercentageReport struct {
	Valid       bool            `json:"valid"`
	Proposed    decimal.Decimal `json:"proposed"`
	Accumulated decimal.Decimal `json:"accumulated"`
	Remaining   decimal.Decimal `json:"remaining"`
	Ceiling     decimal.Decimal `json:"ceiling"`
}

func accumulatedPercentage(ctx context.Context, db *gorm.DB, orgId string, contractId int, amendmentType AmendmentType, excludingAmendmentId int) (decimal.Decimal, error) {
	var approved []*Amendment
	if err := db.WithContext(ctx).
		Preload("LineAdjustments").
		Where("org_id = ? AND contract_id = ? AND approved = ?", orgId, contractId, true).
		Find(&approved).Error; err != nil {
		return decimal.Zero, err
	}

	accumulated := decimal.Zero
	for _, a := range approved {
		if a.ID == excludingAmendmentId {
			continue
		}
		if !a.AmendmentType.SameCeilingCategory(amendmentType) {
			continue
		}
		accumulated = accumulated.Add(a.effectivePercentage())
	}
	return accumulated, nil
}

// ValidateAmendmentPercentage checks a proposed percentage against the
// contract's accumulated approved percentages in the same ceiling category.
// A proposal is valid while accumulated + proposed stays at or under the
// ceiling. excludingAmendmentId skips one amendment from the accumulation,
// for re-validating an already-persisted proposal at approval time.
func ValidateAmendmentPercentage(ctx context.Context, contractId int, amendmentType AmendmentType, percentage decimal.Decimal, excludingAmendmentId int) (*PercentageReport, error) {
	contract, err := GetContract(ctx, contractId)
	if err != nil {
		return nil, err
	}
	if !amendmentType.AdjustsLimits() {
		return nil, errors.New("amendment type has no percentage ceiling")
	}

	db := config.GetDB()
	accumulated, err := accumulatedPercentage(ctx, db, contract.OrgId, contract.ID, amendmentType, excludingAmendmentId)
	if err != nil {
		return nil, err
	}

	ceiling := config.AmendmentPercentageCeiling()
	report := &PercentageReport{
		Valid:       accumulated.Add(percentage).LessThanOrEqual(ceiling),
		Proposed:    percentage,
		Accumulated: accumulated,
		Remaining:   decimal.Max(ceiling.Sub(accumulated), decimal.Zero),
		Ceiling:     ceiling,
	}
	return report, nil
}

// ProposeAmendment persists a pending amendment. Per-line adjustments are
// snapshotted here against each line item's base quantity limit; global
// amendments materialize their adjustment rows at approval. Proposals are
// not checked against the accumulated ceiling (only individual percentages
// are bounded) since concurrent proposals may race for the same headroom;
// the ceiling is enforced at approval.
func ProposeAmendment(ctx context.Context, input *NewAmendment) (*Amendment, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}
	actorId, ok := utils.GetActorIdFromContext(ctx)
	if !ok || actorId == 0 {
		return nil, errors.New("actor id is required")
	}

	contract, err := GetContract(ctx, input.ContractId)
	if err != nil {
		return nil, err
	}
	if err := input.validate(contract); err != nil {
		return nil, err
	}

	lineItemsById := make(map[int]*ContractLineItem, len(contract.LineItems))
	for _, li := range contract.LineItems {
		lineItemsById[li.ID] = li
	}
	for _, adj := range input.LineAdjustments {
		if _, ok := lineItemsById[adj.LineItemId]; !ok {
			return nil, ErrLineItemNotFound
		}
	}

	amendment := Amendment{
		OrgId:            orgId,
		ContractId:       contract.ID,
		AmendmentType:    input.AmendmentType,
		SignatureDate:    input.SignatureDate,
		EffectiveStart:   input.EffectiveStart,
		NewEndDate:       input.NewEndDate,
		GlobalPercentage: input.GlobalPercentage,
		Justification:    input.Justification,
		LegalBasis:       input.LegalBasis,
		CreatedBy:        actorId,
	}
	for _, adj := range input.LineAdjustments {
		li := lineItemsById[adj.LineItemId]
		amendment.LineAdjustments = append(amendment.LineAdjustments, buildLineAdjustment(li, adj.Percentage))
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&amendment).Error; err != nil {
		return nil, err
	}
	return &amendment, nil
}

func buildLineAdjustment(li *ContractLineItem, percentage decimal.Decimal) *AmendmentLineAdjustment {
	additionalQty := li.BaseQuantityLimit.Mul(percentage).Div(oneHundred)
	additionalValue := additionalQty.Mul(li.UnitPrice)
	return &AmendmentLineAdjustment{
		LineItemId:         li.ID,
		Percentage:         percentage,
		OriginalQuantity:   li.BaseQuantityLimit,
		AdditionalQuantity: additionalQty,
		AdditionalValue:    &additionalValue,
	}
}

// GetAmendment fetches an amendment with its adjustments.
func GetAmendment(ctx context.Context, id int) (*Amendment, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}
	amendment, err := utils.FetchModel[Amendment](ctx, orgId, id, "LineAdjustments", "Contract")
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAmendmentNotFound
		}
		return nil, err
	}
	return amendment, nil
}

// ListAmendments returns a contract's amendments, newest first.
func ListAmendments(ctx context.Context, contractId int) ([]*Amendment, error) {
	contract, err := GetContract(ctx, contractId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	var amendments []*Amendment
	if err := db.WithContext(ctx).
		Preload("LineAdjustments").
		Where("org_id = ? AND contract_id = ?", contract.OrgId, contract.ID).
		Order("id DESC").
		Find(&amendments).Error; err != nil {
		return nil, err
	}
	return amendments, nil
}

// ApproveAmendment flips a pending amendment to approved, re-checking the
// percentage ceiling against the amendments approved since proposal. The
// re-check runs inside the approval transaction over a FOR UPDATE read of
// the contract's amendments, so concurrent approvals on the same contract
// serialize and the loser sees the winner's percentage. Global amendments
// materialize one adjustment row per line item here, snapshotted against
// base limits. Affected balance cache rows are rebuilt and an
// AMENDMENT_APPROVED event is queued, all in one transaction.
func ApproveAmendment(ctx context.Context, id int) (*Amendment, error) {
	amendment, err := GetAmendment(ctx, id)
	if err != nil {
		return nil, err
	}
	if amendment.Approved {
		return amendment, nil
	}
	contract, err := GetContract(ctx, amendment.ContractId)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	db := config.GetDB()
	approvedElsewhere := false
	baseAdjustments := amendment.LineAdjustments
	err = withConflictRetry(func() error {
		// A retried attempt starts from the proposal's own adjustments.
		amendment.LineAdjustments = baseAdjustments
		tx := db.Begin()

		// Current read under lock. The set includes pending rows, so two
		// approvals on the same contract contend here regardless of which
		// amendment each one targets.
		var contenders []*Amendment
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("LineAdjustments").
			Where("org_id = ? AND contract_id = ?", amendment.OrgId, contract.ID).
			Find(&contenders).Error; err != nil {
			tx.Rollback()
			return err
		}

		var current *Amendment
		accumulated := decimal.Zero
		for _, a := range contenders {
			if a.ID == amendment.ID {
				current = a
				continue
			}
			if a.Approved && a.AmendmentType.SameCeilingCategory(amendment.AmendmentType) {
				accumulated = accumulated.Add(a.effectivePercentage())
			}
		}
		if current == nil {
			tx.Rollback()
			return ErrAmendmentNotFound
		}
		if current.Approved {
			tx.Rollback()
			approvedElsewhere = true
			return nil
		}

		if amendment.AmendmentType.AdjustsLimits() {
			ceiling := config.AmendmentPercentageCeiling()
			proposed := amendment.effectivePercentage()
			if accumulated.Add(proposed).GreaterThan(ceiling) {
				tx.Rollback()
				return &PercentageCeilingError{
					ContractId:  contract.ID,
					Proposed:    proposed,
					Accumulated: accumulated,
					Remaining:   decimal.Max(ceiling.Sub(accumulated), decimal.Zero),
					Ceiling:     ceiling,
				}
			}
		}

		if err := tx.WithContext(ctx).Model(amendment).
			Updates(map[string]interface{}{"Approved": true, "ApprovalDate": now}).Error; err != nil {
			tx.Rollback()
			return err
		}

		affected := contract.LineItems
		if amendment.GlobalPercentage == nil && amendment.AmendmentType.AdjustsLimits() {
			byId := make(map[int]*ContractLineItem, len(contract.LineItems))
			for _, li := range contract.LineItems {
				byId[li.ID] = li
			}
			affected = nil
			for _, adj := range amendment.LineAdjustments {
				if li, ok := byId[adj.LineItemId]; ok {
					affected = append(affected, li)
				}
			}
		}

		if amendment.GlobalPercentage != nil {
			for _, li := range contract.LineItems {
				adj := buildLineAdjustment(li, *amendment.GlobalPercentage)
				adj.AmendmentId = amendment.ID
				if err := tx.WithContext(ctx).Create(adj).Error; err != nil {
					tx.Rollback()
					return err
				}
				amendment.LineAdjustments = append(amendment.LineAdjustments, adj)
			}
		}

		if amendment.AmendmentType.AdjustsLimits() {
			for _, li := range affected {
				if _, err := RecalculateLineItemBalance(tx, ctx, li); err != nil {
					tx.Rollback()
					return err
				}
				if err := writeBalanceEvent(tx, ctx, li, BalanceEventAmendmentApproved, map[string]interface{}{
					"amendment_id":   amendment.ID,
					"amendment_type": amendment.AmendmentType,
					"contract_id":    contract.ID,
				}); err != nil {
					tx.Rollback()
					return err
				}
			}
		}

		return tx.Commit().Error
	})
	if err != nil {
		return nil, err
	}
	if approvedElsewhere {
		return GetAmendment(ctx, id)
	}

	amendment.Approved = true
	amendment.ApprovalDate = &now
	return amendment, nil
}
