package db

import (
	"encoding/json"
	"fmt"

	"github.com/relkit/conductor/internal/config"
	"github.com/relkit/conductor/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Train{},
		&models.Release{},
		&models.Commit{},
		&models.PullRequest{},
		&models.ReleaseEvent{},
		&models.WorkflowRun{},
		&models.Submission{},
		&models.StagedRollout{},
		&models.Task{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedTrains upserts Train rows from configuration. An existing train keeps
// its current version; config supplies the starting version only.
func SeedTrains(db *gorm.DB, trains []config.TrainConfig) error {
	for _, tc := range trains {
		channels, err := json.Marshal(tc.Channels)
		if err != nil {
			return fmt.Errorf("db: marshal channels for train %q: %w", tc.ID, err)
		}

		train := models.Train{
			ID:                tc.ID,
			Name:              tc.Name,
			Platform:          tc.Platform,
			RepoSlug:          tc.Repo,
			VCSKind:           tc.VCS,
			CIKind:            tc.CI,
			WorkingBranch:     tc.WorkingBranch,
			BranchingStrategy: tc.BranchingStrategy,
			Version:           tc.Version,
			BumpOnCommit:      tc.BumpOnCommit,
			Channels:          string(channels),
			Active:            true,
		}

		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "platform", "repo_slug", "vcs_kind", "ci_kind",
				"working_branch", "branching_strategy", "bump_on_commit",
				"channels", "active",
			}),
		}).Create(&train)
		if result.Error != nil {
			return fmt.Errorf("db: seed train %q: %w", tc.ID, result.Error)
		}
	}
	return nil
}
