package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/notify"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/release"
	"gorm.io/gorm"
)

const defaultStageInterval = 24 * time.Hour

// rolloutStep is one applied rollout stage, recorded in the rollout history.
type rolloutStep struct {
	Stage      int       `json:"stage"`
	Percentage float64   `json:"percentage"`
	AppliedAt  time.Time `json:"applied_at"`
}

func (h *Handlers) stageInterval() time.Duration {
	if h.StageInterval > 0 {
		return h.StageInterval
	}
	return defaultStageInterval
}

// playstoreUpload uploads the build and either releases it fully or creates
// a draft with a staged rollout, depending on configuration.
func (h *Handlers) playstoreUpload(ctx context.Context, db *gorm.DB, sub *models.Submission) error {
	client, err := h.client(models.ChannelPlayStore)
	if err != nil {
		return err
	}
	url, err := artifactsURL(db, sub)
	if err != nil {
		return err
	}

	var uploaded bool
	err = release.WithLock(db, sub.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		var current models.Submission
		if err := tx.First(&current, "id = ?", sub.ID).Error; err != nil {
			return fmt.Errorf("store: reload submission %s: %w", sub.ID, err)
		}
		if current.Status != models.SubmissionStatusCreated {
			return nil
		}
		if err := tx.Model(&models.Submission{}).Where("id = ?", current.ID).
			Update("status", models.SubmissionStatusUploading).Error; err != nil {
			return fmt.Errorf("store: mark uploading %s: %w", current.ID, err)
		}

		res, err := client.Upload(ctx, url)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Submission{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
			"status":      models.SubmissionStatusUploaded,
			"external_id": res.ExternalID,
		}).Error; err != nil {
			return fmt.Errorf("store: mark uploaded %s: %w", current.ID, err)
		}
		uploaded = true

		if len(h.RolloutStages) > 0 {
			stages, err := json.Marshal(h.RolloutStages)
			if err != nil {
				return fmt.Errorf("store: encode rollout stages: %w", err)
			}
			rollout := &models.StagedRollout{
				SubmissionID: current.ID,
				Status:       models.RolloutStatusCreated,
				CurrentStage: -1,
				Stages:       string(stages),
				History:      "[]",
			}
			if err := tx.Create(rollout).Error; err != nil {
				return fmt.Errorf("store: create staged rollout for %s: %w", current.ID, err)
			}
		}
		return release.StampEvent(tx, locked.ID, "info", "playstore upload complete")
	})
	if err != nil {
		var provider *ProviderError
		if errors.As(err, &provider) && provider.Kind == ErrKindPermanent {
			return h.failSubmission(ctx, db, sub, err)
		}
		return err
	}
	if !uploaded {
		return nil
	}

	// Staged rollouts advance via rollout tasks; otherwise release fully.
	if len(h.RolloutStages) > 0 {
		_, err = queue.Enqueue(db, TaskRollout, RolloutPayload{SubmissionID: sub.ID}, 0)
		return err
	}
	return h.playstoreFullRelease(ctx, db, sub.ID)
}

// playstoreFullRelease promotes an uploaded submission to a complete
// release. Promotable is re-checked after the lock is granted.
func (h *Handlers) playstoreFullRelease(ctx context.Context, db *gorm.DB, submissionID string) error {
	sub, err := loadSubmission(db, submissionID)
	if err != nil {
		return err
	}
	client, err := h.client(models.ChannelPlayStore)
	if err != nil {
		return err
	}

	err = release.WithLock(db, sub.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		var current models.Submission
		if err := tx.First(&current, "id = ?", sub.ID).Error; err != nil {
			return fmt.Errorf("store: reload submission %s: %w", sub.ID, err)
		}
		if !promotable(&current) {
			return nil
		}
		if _, err := client.Release(ctx, current.ExternalID); err != nil {
			return err
		}
		return releaseSubmission(tx, locked.ID, &current)
	})
	if err != nil {
		var provider *ProviderError
		if errors.As(err, &provider) && provider.Kind == ErrKindPermanent {
			return h.failSubmission(ctx, db, sub, err)
		}
		return err
	}

	if h.Notifier != nil {
		h.Notifier.Notify(ctx, notify.Message{
			Title:    "Play Store release live",
			Severity: notify.SeveritySuccess,
		})
	}
	return nil
}

// promotable reports whether a submission may take a release-affecting
// action. Checked again under the lock before every external call.
func promotable(sub *models.Submission) bool {
	return sub.Status == models.SubmissionStatusUploaded && sub.ExternalID != ""
}

// HandleRollout advances a staged rollout one stage, finishing with a full
// release after the last stage. The stale decision that scheduled this task
// is re-validated under the lock before the provider is called.
func (h *Handlers) HandleRollout(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p RolloutPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}
	sub, err := loadSubmission(db, p.SubmissionID)
	if err != nil {
		return err
	}
	client, err := h.client(models.ChannelPlayStore)
	if err != nil {
		return err
	}

	var moreStages bool
	err = release.WithLock(db, sub.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		var current models.Submission
		if err := tx.First(&current, "id = ?", sub.ID).Error; err != nil {
			return fmt.Errorf("store: reload submission %s: %w", sub.ID, err)
		}
		if !promotable(&current) {
			return nil
		}
		var rollout models.StagedRollout
		if err := tx.First(&rollout, "submission_id = ?", current.ID).Error; err != nil {
			return fmt.Errorf("store: load rollout for %s: %w", current.ID, err)
		}
		if rollout.Status == models.RolloutStatusHalted || rollout.Status == models.RolloutStatusCompleted {
			return nil
		}

		var stages []float64
		if err := json.Unmarshal([]byte(rollout.Stages), &stages); err != nil {
			return fmt.Errorf("store: decode stages for %s: %w", current.ID, err)
		}

		next := rollout.CurrentStage + 1
		if next >= len(stages) {
			if _, err := client.Release(ctx, current.ExternalID); err != nil {
				return err
			}
			if err := tx.Model(&models.StagedRollout{}).Where("id = ?", rollout.ID).
				Update("status", models.RolloutStatusCompleted).Error; err != nil {
				return fmt.Errorf("store: complete rollout for %s: %w", current.ID, err)
			}
			return releaseSubmission(tx, locked.ID, &current)
		}

		percentage := stages[next]
		if _, err := client.RolloutRelease(ctx, current.ExternalID, percentage); err != nil {
			return err
		}

		var history []rolloutStep
		if rollout.History != "" {
			if err := json.Unmarshal([]byte(rollout.History), &history); err != nil {
				return fmt.Errorf("store: decode history for %s: %w", current.ID, err)
			}
		}
		history = append(history, rolloutStep{Stage: next, Percentage: percentage, AppliedAt: time.Now()})
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("store: encode history for %s: %w", current.ID, err)
		}

		if err := tx.Model(&models.StagedRollout{}).Where("id = ?", rollout.ID).Updates(map[string]interface{}{
			"status":          models.RolloutStatusStarted,
			"current_stage":   next,
			"last_percentage": percentage,
			"history":         string(encoded),
		}).Error; err != nil {
			return fmt.Errorf("store: advance rollout for %s: %w", current.ID, err)
		}
		moreStages = true
		return release.StampEvent(tx, locked.ID, "info",
			fmt.Sprintf("playstore rollout at %g%%", percentage))
	})
	if err != nil {
		var provider *ProviderError
		if errors.As(err, &provider) && provider.Kind == ErrKindPermanent {
			return h.failSubmission(ctx, db, sub, err)
		}
		return err
	}

	if moreStages {
		_, err = queue.Enqueue(db, TaskRollout, p, h.stageInterval())
		return err
	}
	return nil
}

// HandleHalt stops a staged rollout. A rollout that never started is a
// no-op: no external halt call is made for a draft.
func (h *Handlers) HandleHalt(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p HaltPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}
	sub, err := loadSubmission(db, p.SubmissionID)
	if err != nil {
		return err
	}
	client, err := h.client(models.ChannelPlayStore)
	if err != nil {
		return err
	}

	var halted bool
	err = release.WithLock(db, sub.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		var rollout models.StagedRollout
		result := tx.Limit(1).Find(&rollout, "submission_id = ?", sub.ID)
		if result.Error != nil {
			return fmt.Errorf("store: load rollout for %s: %w", sub.ID, result.Error)
		}
		if result.RowsAffected == 0 || !rollout.Started() {
			return nil
		}

		var current models.Submission
		if err := tx.First(&current, "id = ?", sub.ID).Error; err != nil {
			return fmt.Errorf("store: reload submission %s: %w", sub.ID, err)
		}
		if _, err := client.HaltRelease(ctx, current.ExternalID); err != nil {
			return err
		}
		if err := tx.Model(&models.StagedRollout{}).Where("id = ?", rollout.ID).
			Update("status", models.RolloutStatusHalted).Error; err != nil {
			return fmt.Errorf("store: halt rollout for %s: %w", sub.ID, err)
		}
		halted = true
		return release.StampEvent(tx, locked.ID, "error", "playstore rollout halted")
	})
	if err != nil {
		return err
	}

	if halted && h.Notifier != nil {
		h.Notifier.Notify(ctx, notify.Message{
			Title:    "Play Store rollout halted",
			Severity: notify.SeverityError,
		})
	}
	return nil
}
