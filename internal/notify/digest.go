package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/queue"
	"gorm.io/gorm"
)

// TrainHealth holds the digest line for one train's active release.
type TrainHealth struct {
	TrainName string
	ReleaseID string
	Version   string
	Status    string
	Commits   int64
	Failures  int64
}

// BuildDigest summarizes every active release. Returns nil when no release
// is in flight, which suppresses the digest entirely.
func BuildDigest(db *gorm.DB) ([]TrainHealth, error) {
	var releases []models.Release
	err := db.Where("status IN ?", []string{
		models.ReleaseStatusPending,
		models.ReleaseStatusOnTrack,
		models.ReleaseStatusError,
	}).Find(&releases).Error
	if err != nil {
		return nil, fmt.Errorf("notify: digest query: %w", err)
	}
	if len(releases) == 0 {
		return nil, nil
	}

	var lines []TrainHealth
	for _, rel := range releases {
		var train models.Train
		if err := db.First(&train, "id = ?", rel.TrainID).Error; err != nil {
			return nil, fmt.Errorf("notify: digest train %s: %w", rel.TrainID, err)
		}
		line := TrainHealth{
			TrainName: train.Name,
			ReleaseID: rel.ID,
			Version:   rel.Version,
			Status:    rel.Status,
		}
		if err := db.Model(&models.Commit{}).Where("release_id = ?", rel.ID).
			Count(&line.Commits).Error; err != nil {
			return nil, fmt.Errorf("notify: digest commits for %s: %w", rel.ID, err)
		}
		if err := db.Model(&models.ReleaseEvent{}).
			Where("release_id = ? AND level = ?", rel.ID, "error").
			Count(&line.Failures).Error; err != nil {
			return nil, fmt.Errorf("notify: digest failures for %s: %w", rel.ID, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// FormatDigest renders the digest as a chat message.
func FormatDigest(lines []TrainHealth) Message {
	var b strings.Builder
	severity := SeverityInfo
	for _, line := range lines {
		fmt.Fprintf(&b, "%s %s (%s): %d commits", line.TrainName, line.Version, line.Status, line.Commits)
		if line.Failures > 0 {
			fmt.Fprintf(&b, ", %d failures", line.Failures)
			severity = SeverityError
		}
		b.WriteString("\n")
	}
	return Message{
		Title:    fmt.Sprintf("Release train health (%d active)", len(lines)),
		Body:     strings.TrimRight(b.String(), "\n"),
		Severity: severity,
	}
}

// StartDigest sends the train-health digest on the given cron schedule
// until ctx is cancelled. An unparseable expression disables the digest.
func StartDigest(ctx context.Context, db *gorm.DB, notifier Notifier, cronExpr string, out io.Writer) {
	if out == nil {
		out = io.Discard
	}
	go func() {
		for {
			wait := queue.NextCronDuration(cronExpr)
			if wait == 0 {
				log.Printf("notify: digest disabled: bad cron expression %q", cronExpr)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			lines, err := BuildDigest(db)
			if err != nil {
				log.Printf("notify: digest error: %v", err)
				continue
			}
			if len(lines) == 0 {
				continue
			}
			notifier.Notify(ctx, FormatDigest(lines))
		}
	}()
}

