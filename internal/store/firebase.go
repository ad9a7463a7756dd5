package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/relkit/conductor/internal/backoff"
	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/notify"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/release"
	"gorm.io/gorm"
)

const (
	// firebaseStatusMaxAttempts bounds upload-status polls before the task
	// fails loudly with retries exhausted.
	firebaseStatusMaxAttempts = 5
	// firebaseStatusFactor is the static backoff factor in minutes.
	firebaseStatusFactor = 2
)

// firebaseUpload runs the Firebase upload under the release lock. If a
// sibling submission for the same build already completed its upload, the
// external-release reference is copied instead of re-uploading.
func (h *Handlers) firebaseUpload(ctx context.Context, db *gorm.DB, sub *models.Submission) error {
	client, err := h.client(models.ChannelFirebase)
	if err != nil {
		return err
	}
	url, err := artifactsURL(db, sub)
	if err != nil {
		return err
	}

	var handle string
	var reused bool
	err = release.WithLock(db, sub.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		var current models.Submission
		if err := tx.First(&current, "id = ?", sub.ID).Error; err != nil {
			return fmt.Errorf("store: reload submission %s: %w", sub.ID, err)
		}
		if current.Status != models.SubmissionStatusCreated {
			// Another task already started this upload. Benign race.
			return nil
		}

		// Cross-submission build reuse: a sibling that uploaded the same
		// workflow run's build short-circuits the upload entirely.
		var sibling models.Submission
		result := tx.Where("workflow_run_id = ? AND channel = ? AND id <> ? AND external_id <> ''",
			current.WorkflowRunID, models.ChannelFirebase, current.ID).
			Where("status IN ?", []string{
				models.SubmissionStatusUploaded,
				models.SubmissionStatusPrepared,
				models.SubmissionStatusReleased,
			}).
			Limit(1).
			Find(&sibling)
		if result.Error != nil {
			return fmt.Errorf("store: find sibling for %s: %w", current.ID, result.Error)
		}
		if result.RowsAffected > 0 {
			reused = true
			if err := tx.Model(&models.Submission{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
				"status":      models.SubmissionStatusUploaded,
				"external_id": sibling.ExternalID,
			}).Error; err != nil {
				return fmt.Errorf("store: reuse sibling build on %s: %w", current.ID, err)
			}
			return release.StampEvent(tx, locked.ID, "info",
				"firebase upload skipped, reusing sibling build")
		}

		if err := tx.Model(&models.Submission{}).Where("id = ?", current.ID).
			Update("status", models.SubmissionStatusUploading).Error; err != nil {
			return fmt.Errorf("store: mark uploading %s: %w", current.ID, err)
		}

		res, err := client.Upload(ctx, url)
		if err != nil {
			return err
		}
		handle = res.Handle
		if err := tx.Model(&models.Submission{}).Where("id = ?", current.ID).
			Update("operation_handle", handle).Error; err != nil {
			return fmt.Errorf("store: store operation handle on %s: %w", current.ID, err)
		}
		return nil
	})
	if err != nil {
		var provider *ProviderError
		if errors.As(err, &provider) && provider.Kind == ErrKindPermanent {
			return h.failSubmission(ctx, db, sub, err)
		}
		return err
	}

	if reused {
		return h.firebaseFinalize(ctx, db, sub.ID)
	}
	if handle == "" {
		return nil
	}

	delay, err := backoff.Delay(1, backoff.PeriodMinutes, backoff.Static, firebaseStatusFactor, nil)
	if err != nil {
		return err
	}
	_, err = queue.Enqueue(db, TaskUploadStatus, UploadStatusPayload{
		SubmissionID: sub.ID,
		Attempt:      1,
	}, delay)
	return err
}

// HandleUploadStatus polls the async upload operation. Not-yet-done is
// retried on a static cadence up to the attempt budget, after which the
// task fails loudly. Any other error is non-retryable and propagates.
func (h *Handlers) HandleUploadStatus(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p UploadStatusPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}
	sub, err := loadSubmission(db, p.SubmissionID)
	if err != nil {
		return err
	}
	if sub.Terminal() || sub.Status != models.SubmissionStatusUploading {
		return nil
	}
	client, err := h.client(sub.Channel)
	if err != nil {
		return err
	}

	res, err := client.GetUploadStatus(ctx, sub.OperationHandle)
	if errors.Is(err, ErrUploadNotComplete) {
		// Attempts 1..max each earn a retry; the attempt after the budget
		// fails loudly.
		if p.Attempt > firebaseStatusMaxAttempts {
			if failErr := h.failSubmission(ctx, db, sub, err); failErr != nil {
				return failErr
			}
			return fmt.Errorf("store: upload status retries exhausted for %s after %d attempts: %w",
				sub.ID, p.Attempt, err)
		}
		delay, derr := backoff.Delay(p.Attempt, backoff.PeriodMinutes, backoff.Static, firebaseStatusFactor, nil)
		if derr != nil {
			return derr
		}
		p.Attempt++
		_, err = queue.Enqueue(db, TaskUploadStatus, p, delay)
		return err
	}
	if err != nil {
		return err
	}

	err = release.WithLock(db, sub.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		var current models.Submission
		if err := tx.First(&current, "id = ?", sub.ID).Error; err != nil {
			return fmt.Errorf("store: reload submission %s: %w", sub.ID, err)
		}
		if current.Status != models.SubmissionStatusUploading {
			return nil
		}
		if err := tx.Model(&models.Submission{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
			"status":      models.SubmissionStatusUploaded,
			"external_id": res.ExternalID,
		}).Error; err != nil {
			return fmt.Errorf("store: mark uploaded %s: %w", current.ID, err)
		}
		return release.StampEvent(tx, locked.ID, "info", "firebase upload complete")
	})
	if err != nil {
		return err
	}
	return h.firebaseFinalize(ctx, db, sub.ID)
}

// firebaseFinalize distributes an uploaded build to its tester groups.
func (h *Handlers) firebaseFinalize(ctx context.Context, db *gorm.DB, submissionID string) error {
	sub, err := loadSubmission(db, submissionID)
	if err != nil {
		return err
	}
	if sub.Status != models.SubmissionStatusUploaded {
		return nil
	}
	client, err := h.client(models.ChannelFirebase)
	if err != nil {
		return err
	}

	err = release.WithLock(db, sub.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		var current models.Submission
		if err := tx.First(&current, "id = ?", sub.ID).Error; err != nil {
			return fmt.Errorf("store: reload submission %s: %w", sub.ID, err)
		}
		if current.Status != models.SubmissionStatusUploaded {
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
			Title:    "Firebase build distributed",
			Severity: notify.SeveritySuccess,
		})
	}
	return nil
}
