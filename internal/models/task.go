package models

import "time"

// Task statuses.
const (
	TaskStatusQueued  = "queued"
	TaskStatusRunning = "running"
	TaskStatusDone    = "done"
	TaskStatusFailed  = "failed"
)

// Task is one unit of deferred work on the distributed worker pool. Retry
// bookkeeping (attempt counts) travels in the JSON payload, not in separate
// persisted state, so a restart resets in-flight retry budgets.
type Task struct {
	ID        string    `gorm:"primaryKey;size:32"`
	Kind      string    `gorm:"size:48;index;not null"`
	Payload   string    `gorm:"type:json"`
	Status    string    `gorm:"size:16;default:queued;index"`
	RunAt     time.Time `gorm:"index;not null"`
	ClaimedBy string    `gorm:"size:64"`
	ClaimedAt *time.Time
	LastError string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
