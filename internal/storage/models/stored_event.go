package models

import "time"

// StoredEvent is a pending outbox row. It is inserted inside the business
// transaction that produced it and deleted once the broker acknowledged it.
type StoredEvent struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement"`
	CreatedAt  time.Time  `gorm:"precision:6;not null;index:idx_stored_events_locked_created,priority:2"`
	RoutingKey string     `gorm:"type:varchar(255);not null"`
	Payload    []byte     `gorm:"type:longblob;not null"`
	LockedAt   *time.Time `gorm:"precision:6;index:idx_stored_events_locked_created,priority:1"` // nil until first claimed
	Version    uint64     `gorm:"not null;default:0"`
}

// TableName specifies the table name for the StoredEvent model.
func (StoredEvent) TableName() string {
	return "stored_events"
}

