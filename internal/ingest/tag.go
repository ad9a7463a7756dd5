package ingest

import (
	"context"
	"fmt"

	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/notify"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/release"
	"gorm.io/gorm"
)

// HandleTag finishes the active release whose version matches a pushed tag.
// Tags that do not parse as versions or match no active release are no-ops.
func (h *Handlers) HandleTag(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p TagPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}

	v, err := release.ParseVersion(p.TagName)
	if err != nil {
		return nil
	}

	var rel models.Release
	result := db.Where("train_id = ? AND version = ? AND status IN ?", p.TrainID, v.String(),
		[]string{models.ReleaseStatusPending, models.ReleaseStatusOnTrack}).
		Limit(1).
		Find(&rel)
	if result.Error != nil {
		return fmt.Errorf("ingest: find release for tag %s: %w", p.TagName, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	err = release.WithLock(db, rel.ID, func(tx *gorm.DB, locked *models.Release) error {
		if locked.Terminal() {
			return nil
		}
		return release.Finish(tx, locked)
	})
	if err != nil {
		return err
	}

	if h.Notifier != nil {
		h.Notifier.Notify(ctx, notify.Message{
			Title:    fmt.Sprintf("Release %s finished", v.String()),
			Body:     fmt.Sprintf("Tag %s closed release %s.", p.TagName, rel.ID),
			Severity: notify.SeveritySuccess,
		})
	}
	return nil
}
