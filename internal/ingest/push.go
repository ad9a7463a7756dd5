package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/release"
	"github.com/relkit/conductor/internal/vcs"
	"gorm.io/gorm"
)

// HandlePush processes a push to a monitored branch. The head commit is
// recorded synchronously so version bumps precede dependent build triggers;
// the rest of the batch is enqueued for asynchronous creation.
func (h *Handlers) HandlePush(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p PushPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}
	if !p.Push.ValidBranch() || p.Push.HeadCommit == nil {
		return nil
	}

	var train models.Train
	if err := db.First(&train, "id = ?", p.TrainID).Error; err != nil {
		return fmt.Errorf("ingest: load train %s: %w", p.TrainID, err)
	}

	rel, err := release.FindActive(db, train.ID, p.Push.BranchName)
	if errors.Is(err, release.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var created bool
	err = release.WithLock(db, rel.ID, func(tx *gorm.DB, locked *models.Release) error {
		if !locked.Committable() {
			return nil
		}
		created, err = recordCommit(tx, locked, &train, *p.Push.HeadCommit)
		return err
	})
	if err != nil {
		return err
	}
	if !created {
		// Duplicate delivery, or the release went terminal first.
		return nil
	}

	for _, c := range p.Push.RestCommits {
		if _, err := queue.Enqueue(db, TaskCommit, CommitPayload{
			TrainID:   train.ID,
			ReleaseID: rel.ID,
			Commit:    c,
		}, 0); err != nil {
			return err
		}
	}
	return enqueueBackmerge(db, &train, rel.ID, p.Push.HeadCommit.Hash)
}

// HandleCommit creates one non-head commit from a push batch.
func (h *Handlers) HandleCommit(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p CommitPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}

	var train models.Train
	if err := db.First(&train, "id = ?", p.TrainID).Error; err != nil {
		return fmt.Errorf("ingest: load train %s: %w", p.TrainID, err)
	}

	var created bool
	err := release.WithLock(db, p.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		if !locked.Committable() {
			return nil
		}
		var err error
		created, err = recordCommit(tx, locked, &train, p.Commit)
		return err
	})
	if errors.Is(err, release.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return enqueueBackmerge(db, &train, p.ReleaseID, p.Commit.Hash)
}

// recordCommit creates the commit row, starting the release on its first
// commit and applying the train's bump policy on later ones. It reports
// false without side effects when the hash is already recorded, so
// duplicate delivery never re-triggers a version bump. Caller must hold
// the release lock.
func recordCommit(tx *gorm.DB, rel *models.Release, train *models.Train, c vcs.Commit) (bool, error) {
	var count int64
	if err := tx.Model(&models.Commit{}).
		Where("release_id = ? AND hash = ?", rel.ID, c.Hash).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("ingest: check commit %s: %w", c.Hash, err)
	}
	if count > 0 {
		return false, nil
	}

	var existing int64
	if err := tx.Model(&models.Commit{}).
		Where("release_id = ?", rel.ID).
		Count(&existing).Error; err != nil {
		return false, fmt.Errorf("ingest: count commits for %s: %w", rel.ID, err)
	}

	if existing == 0 {
		if err := release.Start(tx, rel, train); err != nil {
			return false, err
		}
	} else if train.BumpOnCommit {
		if err := release.BumpPatch(tx, rel, train); err != nil {
			return false, err
		}
	}

	row := &models.Commit{
		ReleaseID:   rel.ID,
		Hash:        c.Hash,
		Message:     c.Message,
		AuthorName:  c.AuthorName,
		AuthorEmail: c.AuthorEmail,
		URL:         c.URL,
		Timestamp:   c.Timestamp,
		ParentHash:  c.ParentHash,
	}
	if err := tx.Create(row).Error; err != nil {
		return false, fmt.Errorf("ingest: create commit %s: %w", c.Hash, err)
	}
	return true, nil
}

// enqueueBackmerge schedules the first backmerge attempt for a commit.
// Trunk-based trains release off the working branch, so there is nothing
// to merge back.
func enqueueBackmerge(db *gorm.DB, train *models.Train, releaseID, hash string) error {
	if train.BranchingStrategy == "trunk" {
		return nil
	}
	_, err := queue.Enqueue(db, TaskBackmerge, BackmergePayload{
		TrainID:    train.ID,
		ReleaseID:  releaseID,
		CommitHash: hash,
		Attempt:    1,
	}, 0)
	return err
}
