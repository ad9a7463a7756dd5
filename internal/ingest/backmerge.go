package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/relkit/conductor/internal/backoff"
	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/notify"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/release"
	"github.com/relkit/conductor/internal/vcs"
	"gorm.io/gorm"
)

const (
	// backmergeMaxAttempts bounds merge-check retries. The attempt count
	// travels in the task payload; see the queue package doc.
	backmergeMaxAttempts = 5
	backmergeFactor      = 1
)

// HandleBackmerge merges one release-branch commit back into the working
// branch. A failed merge check is transient and retried with backoff;
// every other failure is terminal: the commit is flagged, an error event
// is stamped, and owners are notified.
func (h *Handlers) HandleBackmerge(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p BackmergePayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}

	var train models.Train
	if err := db.First(&train, "id = ?", p.TrainID).Error; err != nil {
		return fmt.Errorf("ingest: load train %s: %w", p.TrainID, err)
	}

	var rel models.Release
	if err := db.First(&rel, "id = ?", p.ReleaseID).Error; err != nil {
		return fmt.Errorf("ingest: load release %s: %w", p.ReleaseID, err)
	}
	if rel.Terminal() {
		return nil
	}

	client, err := h.client(train.VCSKind)
	if err != nil {
		return err
	}

	title := fmt.Sprintf("Backmerge %s into %s", shortHash(p.CommitHash), train.WorkingBranch)
	pr, mergeErr := client.CreateOrMergePullRequest(ctx, train.RepoSlug, rel.Branch, train.WorkingBranch, title)
	if mergeErr == nil {
		return h.recordBackmerge(db, &rel, pr)
	}

	// Attempts 1..max each earn a retry; the attempt after the budget is
	// terminal.
	if errors.Is(mergeErr, vcs.ErrMergeCheck) && p.Attempt <= backmergeMaxAttempts {
		delay, err := backoff.Delay(p.Attempt, backoff.PeriodMinutes, backoff.Linear, backmergeFactor, nil)
		if err != nil {
			return err
		}
		p.Attempt++
		if _, err := queue.Enqueue(db, TaskBackmerge, p, delay); err != nil {
			return err
		}
		return nil
	}

	return h.failBackmerge(ctx, db, &train, &rel, p.CommitHash, mergeErr)
}

func (h *Handlers) recordBackmerge(db *gorm.DB, rel *models.Release, pr *vcs.PullRequest) error {
	return release.WithLock(db, rel.ID, func(tx *gorm.DB, locked *models.Release) error {
		if pr != nil {
			row := models.PullRequest{
				ReleaseID:  locked.ID,
				RepoSlug:   pr.RepoSlug,
				Number:     pr.Number,
				Title:      pr.Title,
				URL:        pr.URL,
				HeadBranch: pr.HeadBranch,
				BaseBranch: pr.BaseBranch,
				Phase:      models.PRPhaseMidRelease,
				Kind:       models.PRKindBackmerge,
				State:      models.PRStateClosed,
				ClosedAt:   pr.ClosedAt,
			}
			var existing models.PullRequest
			result := tx.Where(models.PullRequest{RepoSlug: row.RepoSlug, Number: row.Number}).
				Attrs(row).
				FirstOrCreate(&existing)
			if result.Error != nil {
				return fmt.Errorf("ingest: record backmerge PR %s#%d: %w", row.RepoSlug, row.Number, result.Error)
			}
		}
		return release.StampEvent(tx, locked.ID, "info", "backmerge merged into working branch")
	})
}

// failBackmerge records a terminal backmerge failure. Never retried.
func (h *Handlers) failBackmerge(ctx context.Context, db *gorm.DB, train *models.Train, rel *models.Release, hash string, cause error) error {
	err := release.WithLock(db, rel.ID, func(tx *gorm.DB, locked *models.Release) error {
		if err := tx.Model(&models.Commit{}).
			Where("release_id = ? AND hash = ?", locked.ID, hash).
			Update("backmerge_failure", true).Error; err != nil {
			return fmt.Errorf("ingest: flag backmerge failure on %s: %w", hash, err)
		}
		return release.StampEvent(tx, locked.ID, "error",
			fmt.Sprintf("backmerge of %s failed: %v", shortHash(hash), cause))
	})
	if err != nil {
		return err
	}

	if h.Notifier != nil {
		h.Notifier.Notify(ctx, notify.Message{
			Title:    fmt.Sprintf("Backmerge failed on %s", train.Name),
			Body:     fmt.Sprintf("Commit %s could not be merged back into %s: %v", shortHash(hash), train.WorkingBranch, cause),
			Severity: notify.SeverityError,
		})
	}
	return nil
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
