// Package queue implements the delayed-task abstraction backing all
// background work: webhook ingestion, workflow polling, store submissions.
//
// Tasks are rows claimed with SELECT ... FOR UPDATE SKIP LOCKED, so multiple
// workers across processes can drain the same table. Retry counts travel in
// task payloads rather than persisted state; a process restart therefore
// resets in-flight retry budgets. That is a documented limitation, not a
// hidden one.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relkit/conductor/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoTasks indicates no due task was available to claim.
var ErrNoTasks = errors.New("queue: no due tasks")

// GenerateID creates a unique task ID in task-xxxxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("queue: generate ID: %w", err)
	}
	return "task-" + hex.EncodeToString(b), nil
}

// Enqueue schedules a task of the given kind to run after delay. The payload
// must marshal to JSON and should reference durable IDs only, never provider
// SDK objects.
func Enqueue(db *gorm.DB, kind string, payload interface{}, delay time.Duration) (*models.Task, error) {
	if kind == "" {
		return nil, fmt.Errorf("queue: kind is required")
	}
	id, err := GenerateID()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal payload for %s: %w", kind, err)
	}

	task := &models.Task{
		ID:      id,
		Kind:    kind,
		Payload: string(data),
		Status:  models.TaskStatusQueued,
		RunAt:   time.Now().Add(delay),
	}
	if err := db.Create(task).Error; err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", kind, err)
	}
	return task, nil
}

// Claim atomically takes the oldest due queued task and marks it running.
// Returns ErrNoTasks when nothing is due.
func Claim(db *gorm.DB, workerID string) (*models.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("queue: workerID is required")
	}

	var claimed models.Task
	err := db.Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status = ? AND run_at <= ?", models.TaskStatusQueued, time.Now())
		// SQLite (tests) cannot parse FOR UPDATE; its writer transaction
		// serializes claims anyway.
		if tx.Dialector.Name() == "mysql" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		result := query.
			Order("run_at ASC").
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("queue: find due task: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNoTasks
		}

		now := time.Now()
		if err := tx.Model(&models.Task{}).Where("id = ?", claimed.ID).Updates(map[string]interface{}{
			"status":     models.TaskStatusRunning,
			"claimed_by": workerID,
			"claimed_at": now,
		}).Error; err != nil {
			return fmt.Errorf("queue: claim task %s: %w", claimed.ID, err)
		}
		claimed.Status = models.TaskStatusRunning
		claimed.ClaimedBy = workerID
		claimed.ClaimedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// MarkDone records successful completion.
func MarkDone(db *gorm.DB, taskID string) error {
	if err := db.Model(&models.Task{}).Where("id = ?", taskID).
		Update("status", models.TaskStatusDone).Error; err != nil {
		return fmt.Errorf("queue: mark done %s: %w", taskID, err)
	}
	return nil
}

// MarkFailed records a fatal task failure with its error text.
func MarkFailed(db *gorm.DB, taskID string, taskErr error) error {
	if err := db.Model(&models.Task{}).Where("id = ?", taskID).Updates(map[string]interface{}{
		"status":     models.TaskStatusFailed,
		"last_error": taskErr.Error(),
	}).Error; err != nil {
		return fmt.Errorf("queue: mark failed %s: %w", taskID, err)
	}
	return nil
}

// DecodePayload unmarshals a task's JSON payload into v.
func DecodePayload(task *models.Task, v interface{}) error {
	if err := json.Unmarshal([]byte(task.Payload), v); err != nil {
		return fmt.Errorf("queue: decode %s payload: %w", task.Kind, err)
	}
	return nil
}

// SweepStuck re-queues tasks that have sat in running state longer than
// olderThan, which means the claiming worker died mid-task. Returns the
// number of tasks re-queued.
func SweepStuck(db *gorm.DB, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	result := db.Model(&models.Task{}).
		Where("status = ? AND claimed_at < ?", models.TaskStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":     models.TaskStatusQueued,
			"claimed_by": "",
			"run_at":     time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("queue: sweep stuck tasks: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}
