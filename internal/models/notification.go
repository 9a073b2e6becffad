package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification is a user facing alert pushed by the notifications socket.
type Notification struct {
	ID        int64                  `json:"id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	TicketID  *int64                 `json:"ticket_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"created_at"`
}

// QueuedNotification is the durable record kept by the offline notification queue.
type QueuedNotification struct {
	ID           int64                            `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Notification datatypes.JSONType[Notification] `gorm:"type:json" json:"notification"`
	Timestamp    int64                            `gorm:"index;not null" json:"timestamp"`
	Synced       bool                             `gorm:"index;not null" json:"synced"`
}

// Payload returns the embedded notification.
func (q QueuedNotification) Payload() Notification {
	return q.Notification.Data()
}

// QueueMeta stores schema bookkeeping for the local queue database.
type QueueMeta struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value string `gorm:"size:255"`
}

// TableName pins the metadata table name.
func (QueueMeta) TableName() string {
	return "queue_meta"
}
