package release

import (
	"errors"
	"fmt"

	"github.com/relkit/conductor/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound indicates the release no longer exists; callers treat it as a
// benign no-op since queued tasks can outlive their release.
var ErrNotFound = errors.New("release: not found")

// WithLock runs fn inside a transaction holding the release's exclusive row
// lock. All state-mutating operations on a release and its children must go
// through here; fn must re-check its guard predicate on the freshly-loaded
// release, because the decision that scheduled it may be stale by the time
// the lock is granted.
func WithLock(db *gorm.DB, releaseID string, fn func(tx *gorm.DB, rel *models.Release) error) error {
	if releaseID == "" {
		return fmt.Errorf("release: releaseID is required")
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var rel models.Release
		query := tx.Where("id = ?", releaseID)
		// SQLite (tests) cannot parse FOR UPDATE; its writer transaction
		// serializes access anyway.
		if tx.Dialector.Name() == "mysql" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		result := query.Limit(1).Find(&rel)
		if result.Error != nil {
			return fmt.Errorf("release: lock %s: %w", releaseID, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return fn(tx, &rel)
	})
}

// StampEvent records a timeline passage on the release. Best-effort callers
// may ignore the returned error; state transitions must not.
func StampEvent(db *gorm.DB, releaseID, level, message string) error {
	event := models.ReleaseEvent{
		ReleaseID: releaseID,
		Level:     level,
		Message:   message,
	}
	if err := db.Create(&event).Error; err != nil {
		return fmt.Errorf("release: stamp event on %s: %w", releaseID, err)
	}
	return nil
}
