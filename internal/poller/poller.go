// Package poller drives the workflow-run polling loop. Each poll tick is a
// task that re-enqueues itself while the run is in progress; the chain
// self-terminates on the first terminal classification.
package poller

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relkit/conductor/internal/ci"
	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/notify"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/release"
	"github.com/relkit/conductor/internal/store"
	"gorm.io/gorm"
)

// TaskPoll is the self-re-enqueuing poll tick.
const TaskPoll = "poller.poll"

const defaultPollWait = time.Minute

// GenerateID creates a unique workflow run ID in run-xxxxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("poller: generate ID: %w", err)
	}
	return "run-" + hex.EncodeToString(b), nil
}

// PollPayload references a run by durable ID; the handler re-fetches the
// current row rather than trusting a stale copy.
type PollPayload struct {
	RunID string `json:"run_id"`
}

// Handlers binds the poller to its collaborators. Clients is keyed by CI
// integration kind. PollWait is the fixed re-enqueue delay while a run is
// in progress, typically shorter in development than in production.
type Handlers struct {
	Clients  map[string]ci.Client
	Notifier notify.Notifier
	PollWait time.Duration
}

// Register wires the poll task kind into the runner.
func (h *Handlers) Register(r *queue.Runner) {
	r.Register(TaskPoll, h.HandlePoll)
}

func (h *Handlers) pollWait() time.Duration {
	if h.PollWait > 0 {
		return h.PollWait
	}
	return defaultPollWait
}

// StartRun registers a workflow run and enqueues its first poll tick.
func StartRun(db *gorm.DB, run *models.WorkflowRun) error {
	if run.ID == "" {
		id, err := GenerateID()
		if err != nil {
			return err
		}
		run.ID = id
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	if err := db.Create(run).Error; err != nil {
		return fmt.Errorf("poller: create workflow run: %w", err)
	}
	_, err := queue.Enqueue(db, TaskPoll, PollPayload{RunID: run.ID}, 0)
	return err
}

// HandlePoll fetches the current provider status for a run and advances its
// state machine. Terminal runs are no-ops, so a straggler tick after the
// chain ended does nothing.
func (h *Handlers) HandlePoll(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p PollPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}

	var run models.WorkflowRun
	if err := db.First(&run, "id = ?", p.RunID).Error; err != nil {
		return fmt.Errorf("poller: load run %s: %w", p.RunID, err)
	}
	if run.Terminal() {
		return nil
	}

	client, ok := h.Clients[run.CIKind]
	if !ok || client == nil {
		return fmt.Errorf("poller: no ci client configured for kind %q", run.CIKind)
	}
	norm, ok := ci.ForKind(run.CIKind)
	if !ok {
		return fmt.Errorf("poller: no normalizer for kind %q", run.CIKind)
	}

	payload, err := client.GetWorkflowRun(ctx, run.ExternalID)
	if err != nil {
		return fmt.Errorf("poller: fetch run %s: %w", run.ExternalID, err)
	}
	result, err := norm.Normalize(payload)
	if err != nil {
		// ErrUnknownStatus included: fatal, surfaced, never guessed around.
		return err
	}

	switch result.Status {
	case ci.StatusInProgress:
		if err := h.markRunning(db, &run); err != nil {
			return err
		}
		_, err := queue.Enqueue(db, TaskPoll, p, h.pollWait())
		return err
	case ci.StatusSuccessful:
		return h.finishRun(ctx, db, &run, result, false)
	case ci.StatusError:
		if run.AllowSoftError {
			return h.finishRun(ctx, db, &run, result, true)
		}
		return h.failRun(ctx, db, &run, models.RunStatusError, result)
	case ci.StatusFailed:
		return h.failRun(ctx, db, &run, models.RunStatusFailed, result)
	case ci.StatusHalted:
		return h.failRun(ctx, db, &run, models.RunStatusHalted, result)
	}
	return fmt.Errorf("poller: unhandled status %q for run %s", result.Status, run.ID)
}

func (h *Handlers) markRunning(db *gorm.DB, run *models.WorkflowRun) error {
	if run.Status != models.RunStatusQueued {
		return nil
	}
	err := release.WithLock(db, run.ReleaseID, func(tx *gorm.DB, _ *models.Release) error {
		return tx.Model(&models.WorkflowRun{}).
			Where("id = ? AND status = ?", run.ID, models.RunStatusQueued).
			Update("status", models.RunStatusRunning).Error
	})
	if errors.Is(err, release.ErrNotFound) {
		return nil
	}
	return err
}

// finishRun persists artifact metadata and moves the run to successful,
// then fans out store submissions and a completion notification as separate
// follow-ups so neither can roll back the transition.
func (h *Handlers) finishRun(ctx context.Context, db *gorm.DB, run *models.WorkflowRun, result *ci.Run, soft bool) error {
	var advanced bool
	err := release.WithLock(db, run.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		var current models.WorkflowRun
		if err := tx.First(&current, "id = ?", run.ID).Error; err != nil {
			return fmt.Errorf("poller: reload run %s: %w", run.ID, err)
		}
		if current.Terminal() {
			return nil
		}
		updates := map[string]interface{}{
			"status":        models.RunStatusSuccessful,
			"artifacts_url": result.ArtifactsURL,
			"soft_failed":   soft,
		}
		if result.StartedAt != nil {
			updates["started_at"] = result.StartedAt
		}
		if result.FinishedAt != nil {
			updates["finished_at"] = result.FinishedAt
		}
		if err := tx.Model(&models.WorkflowRun{}).Where("id = ?", run.ID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("poller: finish run %s: %w", run.ID, err)
		}
		advanced = true
		message := fmt.Sprintf("workflow %s succeeded", run.WorkflowName)
		if soft {
			message = fmt.Sprintf("workflow %s succeeded with soft errors", run.WorkflowName)
		}
		return release.StampEvent(tx, locked.ID, "info", message)
	})
	if err != nil || !advanced {
		return err
	}

	if err := h.fanOutSubmissions(db, run); err != nil {
		return err
	}
	if h.Notifier != nil {
		title := fmt.Sprintf("Build ready: %s", run.WorkflowName)
		if soft {
			title += " (soft errors)"
		}
		h.Notifier.Notify(ctx, notify.Message{
			Title:    title,
			Body:     result.ArtifactsURL,
			Severity: notify.SeveritySuccess,
		})
	}
	return nil
}

func (h *Handlers) failRun(ctx context.Context, db *gorm.DB, run *models.WorkflowRun, status string, result *ci.Run) error {
	var advanced bool
	err := release.WithLock(db, run.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		var current models.WorkflowRun
		if err := tx.First(&current, "id = ?", run.ID).Error; err != nil {
			return fmt.Errorf("poller: reload run %s: %w", run.ID, err)
		}
		if current.Terminal() {
			return nil
		}
		updates := map[string]interface{}{"status": status}
		if result.FinishedAt != nil {
			updates["finished_at"] = result.FinishedAt
		}
		if err := tx.Model(&models.WorkflowRun{}).Where("id = ?", run.ID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("poller: move run %s to %s: %w", run.ID, status, err)
		}
		advanced = true
		return release.StampEvent(tx, locked.ID, "error",
			fmt.Sprintf("workflow %s %s", run.WorkflowName, status))
	})
	if err != nil || !advanced {
		return err
	}

	if h.Notifier != nil {
		h.Notifier.Notify(ctx, notify.Message{
			Title:    fmt.Sprintf("Workflow %s %s", run.WorkflowName, status),
			Severity: notify.SeverityError,
		})
	}
	return nil
}

// fanOutSubmissions creates one submission per configured train channel and
// enqueues its upload task.
func (h *Handlers) fanOutSubmissions(db *gorm.DB, run *models.WorkflowRun) error {
	var rel models.Release
	if err := db.First(&rel, "id = ?", run.ReleaseID).Error; err != nil {
		return fmt.Errorf("poller: load release %s: %w", run.ReleaseID, err)
	}
	var train models.Train
	if err := db.First(&train, "id = ?", rel.TrainID).Error; err != nil {
		return fmt.Errorf("poller: load train %s: %w", rel.TrainID, err)
	}

	var channels []string
	if train.Channels != "" {
		if err := json.Unmarshal([]byte(train.Channels), &channels); err != nil {
			return fmt.Errorf("poller: decode channels for %s: %w", train.ID, err)
		}
	}

	for _, channel := range channels {
		sub, err := store.CreateSubmission(db, run.ReleaseID, run.ID, channel)
		if err != nil {
			return err
		}
		if _, err := queue.Enqueue(db, store.TaskUpload, store.UploadPayload{SubmissionID: sub.ID}, 0); err != nil {
			return err
		}
	}
	return nil
}
