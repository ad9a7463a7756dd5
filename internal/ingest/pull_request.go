package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/release"
	"gorm.io/gorm"
)

// HandlePullRequest upserts PR state from a webhook. Opened events only
// matter when an active release exists for the PR's base branch; close
// events without a matching open record are no-ops, so out-of-order
// delivery is safe.
func (h *Handlers) HandlePullRequest(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p PullRequestPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}

	var train models.Train
	if err := db.First(&train, "id = ?", p.TrainID).Error; err != nil {
		return fmt.Errorf("ingest: load train %s: %w", p.TrainID, err)
	}
	if p.PullRequest.RepoSlug != train.RepoSlug {
		return nil
	}

	switch {
	case p.PullRequest.Opened:
		return h.openPullRequest(db, &train, &p)
	case p.PullRequest.Closed:
		return h.closePullRequest(db, &p)
	}
	return nil
}

func (h *Handlers) openPullRequest(db *gorm.DB, train *models.Train, p *PullRequestPayload) error {
	rel, err := release.FindActive(db, train.ID, p.PullRequest.BaseBranch)
	if errors.Is(err, release.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return release.WithLock(db, rel.ID, func(tx *gorm.DB, locked *models.Release) error {
		if !locked.Committable() {
			return nil
		}
		now := time.Now()
		row := models.PullRequest{
			ReleaseID:  locked.ID,
			RepoSlug:   p.PullRequest.RepoSlug,
			Number:     p.PullRequest.Number,
			Title:      p.PullRequest.Title,
			URL:        p.PullRequest.URL,
			HeadBranch: p.PullRequest.HeadBranch,
			BaseBranch: p.PullRequest.BaseBranch,
			Phase:      models.PRPhaseMidRelease,
			Kind:       models.PRKindStability,
			State:      models.PRStateOpen,
			OpenedAt:   &now,
		}
		var pr models.PullRequest
		result := tx.Where(models.PullRequest{RepoSlug: row.RepoSlug, Number: row.Number}).
			Attrs(row).
			FirstOrCreate(&pr)
		if result.Error != nil {
			return fmt.Errorf("ingest: upsert PR %s#%d: %w", row.RepoSlug, row.Number, result.Error)
		}
		return nil
	})
}

func (h *Handlers) closePullRequest(db *gorm.DB, p *PullRequestPayload) error {
	var existing models.PullRequest
	result := db.Where("repo_slug = ? AND number = ? AND state = ?",
		p.PullRequest.RepoSlug, p.PullRequest.Number, models.PRStateOpen).
		Limit(1).
		Find(&existing)
	if result.Error != nil {
		return fmt.Errorf("ingest: find PR %s#%d: %w", p.PullRequest.RepoSlug, p.PullRequest.Number, result.Error)
	}
	if result.RowsAffected == 0 {
		// Closed-before-opened or duplicate close. Safe no-op.
		return nil
	}

	return release.WithLock(db, existing.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		closedAt := p.PullRequest.ClosedAt
		if closedAt == nil {
			now := time.Now()
			closedAt = &now
		}
		// Guard on state again inside the transaction so a racing close
		// cannot double-stamp the event.
		update := tx.Model(&models.PullRequest{}).
			Where("id = ? AND state = ?", existing.ID, models.PRStateOpen).
			Updates(map[string]interface{}{
				"state":     models.PRStateClosed,
				"closed_at": closedAt,
			})
		if update.Error != nil {
			return fmt.Errorf("ingest: close PR %s#%d: %w", existing.RepoSlug, existing.Number, update.Error)
		}
		if update.RowsAffected == 0 {
			return nil
		}

		verb := "closed"
		if p.PullRequest.Merged {
			verb = "merged"
		}
		return release.StampEvent(tx, locked.ID,
			"info", fmt.Sprintf("pull request #%d %s", existing.Number, verb))
	})
}
