package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/contracts_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RebuildLineItemBalances recomputes the balance cache rows of an
// organization from the ledger of record. lineItemId narrows the rebuild to
// one line item when non-zero. Each row rebuilds in its own transaction so a
// failing line item does not hold locks over the rest.
func RebuildLineItemBalances(db *gorm.DB, logger *logrus.Logger, orgId string, lineItemId int) (int, error) {
	ctx := context.Background()

	q := db.WithContext(ctx).Where("org_id = ?", orgId)
	if lineItemId > 0 {
		q = q.Where("id = ?", lineItemId)
	}
	var lineItems []*models.ContractLineItem
	if err := q.Find(&lineItems).Error; err != nil {
		return 0, err
	}

	rebuilt := 0
	for _, li := range lineItems {
		err := db.Transaction(func(tx *gorm.DB) error {
			_, err := models.RecalculateLineItemBalance(tx, ctx, li)
			return err
		})
		if err != nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"field":        "RebuildLineItemBalances",
					"org_id":       orgId,
					"line_item_id": li.ID,
				}).Error(err)
			}
			return rebuilt, err
		}
		rebuilt++
	}
	return rebuilt, nil
}
