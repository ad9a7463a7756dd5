package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/release"
)

func newTrainsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trains",
		Short: "Release train management commands",
	}

	cmd.AddCommand(newTrainsListCmd())
	cmd.AddCommand(newTrainsCutCmd())
	cmd.AddCommand(newTrainsSoakCmd())
	cmd.AddCommand(newTrainsStopCmd())
	return cmd
}

func newTrainsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List release trains and their active releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrainsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "path to Conductor config file")
	return cmd
}

func runTrainsList(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	var trains []models.Train
	if err := gormDB.Order("id").Find(&trains).Error; err != nil {
		return fmt.Errorf("list trains: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, train := range trains {
		status := "idle"
		rel, err := activeRelease(gormDB, train.ID)
		if err != nil {
			return err
		}
		if rel != nil {
			status = fmt.Sprintf("%s %s on %s", rel.ID, rel.Status, rel.Branch)
		}
		fmt.Fprintf(out, "%-24s %-8s v%-10s %s\n", train.ID, train.Platform, train.Version, status)
	}
	if len(trains) == 0 {
		fmt.Fprintln(out, "No trains configured. Run `conductor migrate` first.")
	}
	return nil
}

// activeRelease returns the train's non-terminal release, or nil.
func activeRelease(db *gorm.DB, trainID string) (*models.Release, error) {
	var rel models.Release
	result := db.Where("train_id = ? AND status IN ?", trainID,
		[]string{models.ReleaseStatusPending, models.ReleaseStatusOnTrack}).
		Order("created_at DESC").
		Limit(1).
		Find(&rel)
	if result.Error != nil {
		return nil, fmt.Errorf("find active release for %s: %w", trainID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &rel, nil
}

func newTrainsCutCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cut <train-id>",
		Short: "Cut a new release for a train",
		Long:  "Creates the release branch on the remote (for branch-based strategies) and opens a pending release at the train's current version.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrainsCut(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "path to Conductor config file")
	return cmd
}

func runTrainsCut(cmd *cobra.Command, configPath, trainID string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	var train models.Train
	if err := gormDB.First(&train, "id = ?", trainID).Error; err != nil {
		return fmt.Errorf("load train %s: %w", trainID, err)
	}

	ctx := context.Background()
	out := cmd.OutOrStdout()

	branch := release.BranchFor(&train, train.Version)
	if branch != train.WorkingBranch {
		client, ok := vcsClients(ctx, cfg)[train.VCSKind]
		if !ok {
			return fmt.Errorf("no %s client configured; cannot create branch %s", train.VCSKind, branch)
		}
		if err := client.CreateBranch(ctx, train.RepoSlug, train.WorkingBranch, branch); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created branch %s from %s\n", branch, train.WorkingBranch)
	}

	rel, err := release.Cut(gormDB, &train)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Cut release %s for %s at v%s on %s\n", rel.ID, train.ID, train.Version, rel.Branch)
	return nil
}

func newTrainsSoakCmd() *cobra.Command {
	var (
		configPath string
		duration   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "soak <train-id>",
		Short: "Open a soak window on a train's active release",
		Long:  "Starts the soak period. The release cannot finish until the window elapses.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrainsSoak(cmd, configPath, args[0], duration)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "path to Conductor config file")
	cmd.Flags().DurationVar(&duration, "duration", 48*time.Hour, "soak window length")
	return cmd
}

func runTrainsSoak(cmd *cobra.Command, configPath, trainID string, duration time.Duration) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	rel, err := activeRelease(gormDB, trainID)
	if err != nil {
		return err
	}
	if rel == nil {
		return fmt.Errorf("train %s has no active release", trainID)
	}

	err = release.WithLock(gormDB, rel.ID, func(tx *gorm.DB, locked *models.Release) error {
		return release.StartSoak(tx, locked, duration)
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Soaking release %s for %s\n", rel.ID, duration)
	return nil
}

func newTrainsStopCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stop <train-id>",
		Short: "Stop a train's active release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrainsStop(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "path to Conductor config file")
	return cmd
}

func runTrainsStop(cmd *cobra.Command, configPath, trainID string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	rel, err := activeRelease(gormDB, trainID)
	if err != nil {
		return err
	}
	if rel == nil {
		return fmt.Errorf("train %s has no active release", trainID)
	}

	err = release.WithLock(gormDB, rel.ID, func(tx *gorm.DB, locked *models.Release) error {
		return release.Stop(tx, locked)
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stopped release %s on %s\n", rel.ID, trainID)
	return nil
}
