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
	// testflightFactor is the static discovery cadence in minutes. Review
	// and propagation latency can span many hours, so the retry policy is
	// enduring rather than bounded at a handful of attempts.
	testflightFactor = 5
	// testflightMaxAttempts is about a week of wall clock at the 5 minute
	// cadence, after which the build is abandoned as fatal.
	testflightMaxAttempts = 2016
)

// testflightUpload pushes the build and starts the enduring discovery poll;
// the build only becomes actionable once App Store Connect has processed it.
func (h *Handlers) testflightUpload(ctx context.Context, db *gorm.DB, sub *models.Submission) error {
	client, err := h.client(models.ChannelTestFlight)
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
		if err := tx.Model(&models.Submission{}).Where("id = ?", current.ID).
			Update("operation_handle", res.Handle).Error; err != nil {
			return fmt.Errorf("store: store operation handle on %s: %w", current.ID, err)
		}
		uploaded = true
		return release.StampEvent(tx, locked.ID, "info", "testflight upload complete, awaiting processing")
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

	delay, err := backoff.Delay(1, backoff.PeriodMinutes, backoff.Static, testflightFactor, nil)
	if err != nil {
		return err
	}
	_, err = queue.Enqueue(db, TaskDiscover, DiscoverPayload{
		SubmissionID: sub.ID,
		Attempt:      1,
	}, delay)
	return err
}

// HandleDiscover polls App Store Connect until the uploaded build becomes
// visible, then distributes it to the beta group.
func (h *Handlers) HandleDiscover(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p DiscoverPayload
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
	client, err := h.client(models.ChannelTestFlight)
	if err != nil {
		return err
	}

	res, err := client.GetUploadStatus(ctx, sub.OperationHandle)
	if errors.Is(err, ErrBuildNotFound) || errors.Is(err, ErrUploadNotComplete) {
		if p.Attempt > testflightMaxAttempts {
			if failErr := h.failSubmission(ctx, db, sub, err); failErr != nil {
				return failErr
			}
			return fmt.Errorf("store: build discovery abandoned for %s after %d attempts: %w",
				sub.ID, p.Attempt, err)
		}
		delay, derr := backoff.Delay(p.Attempt, backoff.PeriodMinutes, backoff.Static, testflightFactor, nil)
		if derr != nil {
			return derr
		}
		p.Attempt++
		_, err = queue.Enqueue(db, TaskDiscover, p, delay)
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
		current.Status = models.SubmissionStatusUploaded
		current.ExternalID = res.ExternalID

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
			Title:    "TestFlight build available",
			Severity: notify.SeveritySuccess,
		})
	}
	return nil
}
