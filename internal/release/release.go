// Package release owns the release aggregate: its lifecycle, versioning,
// and the exclusive lock every concurrent writer must hold.
package release

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/relkit/conductor/internal/models"
	"gorm.io/gorm"
)

// GenerateID creates a unique release ID in rel-xxxxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("release: generate ID: %w", err)
	}
	return "rel-" + hex.EncodeToString(b), nil
}

// BranchFor computes the release branch for a train cut at the given
// version. Trunk-based trains release straight off the working branch.
func BranchFor(train *models.Train, version string) string {
	if train.BranchingStrategy == "trunk" {
		return train.WorkingBranch
	}
	return "release/" + version
}

// Cut creates a new pending release for the train at its current version.
// Only one non-terminal release may exist per train branch.
func Cut(db *gorm.DB, train *models.Train) (*models.Release, error) {
	if train == nil {
		return nil, fmt.Errorf("release: train is required")
	}
	if !train.Active {
		return nil, fmt.Errorf("release: train %s is not active", train.ID)
	}

	branch := BranchFor(train, train.Version)

	var count int64
	if err := db.Model(&models.Release{}).
		Where("train_id = ? AND branch = ? AND status IN ?", train.ID, branch,
			[]string{models.ReleaseStatusPending, models.ReleaseStatusOnTrack}).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("release: check active releases for %s: %w", train.ID, err)
	}
	if count > 0 {
		return nil, fmt.Errorf("release: train %s already has an active release on %s", train.ID, branch)
	}

	id, err := GenerateID()
	if err != nil {
		return nil, err
	}
	rel := &models.Release{
		ID:      id,
		TrainID: train.ID,
		Status:  models.ReleaseStatusPending,
		Branch:  branch,
	}
	if err := db.Create(rel).Error; err != nil {
		return nil, fmt.Errorf("release: cut release for %s: %w", train.ID, err)
	}
	return rel, nil
}

// FindActive returns the non-terminal release for a train branch, or
// ErrNotFound when none exists.
func FindActive(db *gorm.DB, trainID, branch string) (*models.Release, error) {
	var rel models.Release
	result := db.Where("train_id = ? AND branch = ? AND status IN ?", trainID, branch,
		[]string{models.ReleaseStatusPending, models.ReleaseStatusOnTrack}).
		Order("created_at DESC").
		Limit(1).
		Find(&rel)
	if result.Error != nil {
		return nil, fmt.Errorf("release: find active for %s/%s: %w", trainID, branch, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &rel, nil
}

// Start transitions a pending release to on_track at the train's current
// version. Caller must hold the release lock; starting twice is a no-op.
func Start(tx *gorm.DB, rel *models.Release, train *models.Train) error {
	if rel.Status != models.ReleaseStatusPending {
		return nil
	}
	if err := tx.Model(&models.Release{}).Where("id = ?", rel.ID).Updates(map[string]interface{}{
		"status":  models.ReleaseStatusOnTrack,
		"version": train.Version,
	}).Error; err != nil {
		return fmt.Errorf("release: start %s: %w", rel.ID, err)
	}
	rel.Status = models.ReleaseStatusOnTrack
	rel.Version = train.Version
	return StampEvent(tx, rel.ID, "info", fmt.Sprintf("release started at version %s", train.Version))
}

// BumpPatch advances the train's version by one patch level and mirrors it
// onto the release. Caller must hold the release lock.
func BumpPatch(tx *gorm.DB, rel *models.Release, train *models.Train) error {
	v, err := ParseVersion(train.Version)
	if err != nil {
		return err
	}
	next := v.BumpPatch().String()

	if err := tx.Model(&models.Train{}).Where("id = ?", train.ID).
		Update("version", next).Error; err != nil {
		return fmt.Errorf("release: bump train %s version: %w", train.ID, err)
	}
	if err := tx.Model(&models.Release{}).Where("id = ?", rel.ID).
		Update("version", next).Error; err != nil {
		return fmt.Errorf("release: bump release %s version: %w", rel.ID, err)
	}
	train.Version = next
	rel.Version = next
	return StampEvent(tx, rel.ID, "info", fmt.Sprintf("version bumped to %s", next))
}

// StartSoak opens the soak window. Caller must hold the release lock.
func StartSoak(tx *gorm.DB, rel *models.Release, duration time.Duration) error {
	now := time.Now()
	if err := tx.Model(&models.Release{}).Where("id = ?", rel.ID).Updates(map[string]interface{}{
		"soak_started_at": now,
		"soak_seconds":    int64(duration.Seconds()),
	}).Error; err != nil {
		return fmt.Errorf("release: start soak on %s: %w", rel.ID, err)
	}
	rel.SoakStartedAt = &now
	rel.SoakSeconds = int64(duration.Seconds())
	return StampEvent(tx, rel.ID, "info", fmt.Sprintf("soak period started (%s)", duration))
}

// Stop permanently halts the release. Terminal releases stay as they are.
func Stop(tx *gorm.DB, rel *models.Release) error {
	if rel.Terminal() {
		return nil
	}
	return complete(tx, rel, models.ReleaseStatusStopped, "release stopped")
}

// Finish completes the release. It refuses while the soak window is still
// open so a stop can still happen on soak feedback.
func Finish(tx *gorm.DB, rel *models.Release) error {
	if rel.Terminal() {
		return nil
	}
	if !rel.SoakElapsed(time.Now()) {
		return fmt.Errorf("release: %s is still in its soak period", rel.ID)
	}
	return complete(tx, rel, models.ReleaseStatusFinished, "release finished")
}

// MarkError stamps a release-level error without ending the release.
func MarkError(tx *gorm.DB, rel *models.Release, message string) error {
	if err := tx.Model(&models.Release{}).Where("id = ?", rel.ID).
		Update("status", models.ReleaseStatusError).Error; err != nil {
		return fmt.Errorf("release: mark error on %s: %w", rel.ID, err)
	}
	rel.Status = models.ReleaseStatusError
	return StampEvent(tx, rel.ID, "error", message)
}

func complete(tx *gorm.DB, rel *models.Release, status, message string) error {
	now := time.Now()
	if err := tx.Model(&models.Release{}).Where("id = ?", rel.ID).Updates(map[string]interface{}{
		"status":       status,
		"completed_at": now,
	}).Error; err != nil {
		return fmt.Errorf("release: move %s to %s: %w", rel.ID, status, err)
	}
	rel.Status = status
	rel.CompletedAt = &now
	return StampEvent(tx, rel.ID, "info", message)
}
