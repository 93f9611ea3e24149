package models

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// BalanceEventRecord is the transactional outbox row for balance
// notifications. Rows are written in the same transaction as the state
// change that triggered them; the dispatcher claims and publishes them to
// Pub/Sub afterwards.
type BalanceEventRecord struct {
	ID               int                 `gorm:"primary_key" json:"id"`
	OrgId            string              `gorm:"index;not null" json:"org_id"`
	EventType        BalanceEventType    `gorm:"size:40;not null" json:"event_type"`
	LineItemId       int                 `gorm:"index;not null" json:"line_item_id"`
	ContractId       int                 `gorm:"index;not null" json:"contract_id"`
	Payload          json.RawMessage     `gorm:"type:json" json:"payload"`
	CorrelationId    string              `gorm:"size:64" json:"correlation_id"`
	PublishStatus    OutboxPublishStatus `gorm:"size:20;not null;default:PENDING;index" json:"publish_status"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`
	NextAttemptAt    *time.Time          `json:"next_attempt_at"`
	LockedAt         *time.Time          `json:"locked_at"`
	LockedBy         *string             `gorm:"size:64" json:"locked_by"`
	PubSubMessageId  *string             `gorm:"size:64" json:"pub_sub_message_id"`
	OccurredAt       time.Time           `gorm:"not null" json:"occurred_at"`
	PublishedAt      *time.Time          `json:"published_at"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func writeBalanceEvent(tx *gorm.DB, ctx context.Context, li *ContractLineItem, eventType BalanceEventType, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := BalanceEventRecord{
		OrgId:         li.OrgId,
		EventType:     eventType,
		LineItemId:    li.ID,
		ContractId:    li.ContractId,
		Payload:       body,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		PublishStatus: OutboxPublishStatusPending,
		OccurredAt:    time.Now(),
	}
	return tx.WithContext(ctx).Create(&record).Error
}

// recordStatusTransition queues a LOW_STOCK or DEPLETED event when an append
// pushes the line item into one of those states. Recoveries back to
// AVAILABLE do not notify.
func recordStatusTransition(tx *gorm.DB, ctx context.Context, li *ContractLineItem, previous BalanceStatus, post Balance) error {
	if post.Status == previous {
		return nil
	}
	var eventType BalanceEventType
	switch post.Status {
	case BalanceStatusLowStock:
		eventType = BalanceEventLowStock
	case BalanceStatusDepleted:
		eventType = BalanceEventDepleted
	default:
		return nil
	}
	return writeBalanceEvent(tx, ctx, li, eventType, map[string]interface{}{
		"product_name":   li.ProductName,
		"available_real": post.AvailableReal,
		"utilization":    post.Utilization,
		"status":         post.Status,
	})
}
