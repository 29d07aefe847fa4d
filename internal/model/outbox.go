package model

import "time"

// NotificationEvent is the outbox row behind the notification port. It is
// written in the same DB transaction as the status change it reports, so a
// transition is never blocked or rolled back by notification delivery.
type NotificationEvent struct {
	ID            uint64    `gorm:"primaryKey"`
	TransactionID string    `gorm:"size:36;not null;index"`
	EventType     string    `gorm:"size:64;not null"`
	Payload       string    `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	Processed     bool      `gorm:"not null;default:false"`
	ProcessedAt   *time.Time
}

func (NotificationEvent) TableName() string { return "notification_outbox" }
