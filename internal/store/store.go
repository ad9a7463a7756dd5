// Package store drives build submissions through app-store distribution
// channels. Every channel shares the upload, await-external-processing,
// finalize shape; the transition detail differs per provider.
//
// Invariant: no submission performs an external side-effecting call without
// first holding its release's exclusive lock and re-validating that the
// submission still permits the action. Two concurrently-scheduled tasks for
// the same logical operation must not both reach the provider.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/notify"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/release"
	"gorm.io/gorm"
)

// Task kinds handled by this package.
const (
	TaskUpload       = "store.upload"
	TaskUploadStatus = "store.upload_status"
	TaskRollout      = "store.rollout"
	TaskHalt         = "store.halt"
	TaskDiscover     = "store.discover"
)

// UploadPayload starts a submission's upload.
type UploadPayload struct {
	SubmissionID string `json:"submission_id"`
}

// UploadStatusPayload polls an async upload operation. Attempt travels in
// the payload; see the queue package doc.
type UploadStatusPayload struct {
	SubmissionID string `json:"submission_id"`
	Attempt      int    `json:"attempt"`
}

// RolloutPayload advances a staged rollout to its next stage.
type RolloutPayload struct {
	SubmissionID string `json:"submission_id"`
}

// HaltPayload halts a started staged rollout.
type HaltPayload struct {
	SubmissionID string `json:"submission_id"`
}

// DiscoverPayload polls for a build to become visible in the store.
type DiscoverPayload struct {
	SubmissionID string `json:"submission_id"`
	Attempt      int    `json:"attempt"`
}

// Distinguished signals used for retry classification. Any other provider
// error is non-retryable and propagates.
var (
	// ErrUploadNotComplete means the provider reports the async upload
	// operation as not yet done.
	ErrUploadNotComplete = errors.New("store: upload operation not complete")
	// ErrBuildNotFound means the uploaded build is not yet visible in the
	// store, which can lag by hours.
	ErrBuildNotFound = errors.New("store: build not yet visible")
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	ErrKindTransient ErrorKind = "transient"
	ErrKindPermanent ErrorKind = "permanent"
)

// ProviderError is a classified failure from a store provider call.
type ProviderError struct {
	Kind    ErrorKind
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("store: provider error (%s): %s", e.Kind, e.Message)
}

// Result is the canonical outcome of one store provider call.
type Result struct {
	ExternalID string // provider-side release/build reference
	Handle     string // async operation handle, polled until done
	Done       bool
}

// Client is the outbound store collaborator for one distribution channel.
type Client interface {
	Upload(ctx context.Context, artifactsURL string) (*Result, error)
	GetUploadStatus(ctx context.Context, handle string) (*Result, error)
	Release(ctx context.Context, externalID string) (*Result, error)
	RolloutRelease(ctx context.Context, externalID string, percentage float64) (*Result, error)
	HaltRelease(ctx context.Context, externalID string) (*Result, error)
}

// Handlers binds the submission pipelines to their collaborators. Clients
// is keyed by channel. RolloutStages configures Play Store staged rollouts;
// empty means full release on upload.
type Handlers struct {
	Clients       map[string]Client
	Notifier      notify.Notifier
	RolloutStages []float64
	StageInterval time.Duration
}

// Register wires all submission task kinds into the runner.
func (h *Handlers) Register(r *queue.Runner) {
	r.Register(TaskUpload, h.HandleUpload)
	r.Register(TaskUploadStatus, h.HandleUploadStatus)
	r.Register(TaskRollout, h.HandleRollout)
	r.Register(TaskHalt, h.HandleHalt)
	r.Register(TaskDiscover, h.HandleDiscover)
}

// GenerateID creates a unique submission ID in sub-xxxxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("store: generate ID: %w", err)
	}
	return "sub-" + hex.EncodeToString(b), nil
}

// CreateSubmission records a new submission for a finished workflow run.
func CreateSubmission(db *gorm.DB, releaseID, runID, channel string) (*models.Submission, error) {
	switch channel {
	case models.ChannelFirebase, models.ChannelPlayStore, models.ChannelTestFlight:
	default:
		return nil, fmt.Errorf("store: unknown channel %q", channel)
	}
	id, err := GenerateID()
	if err != nil {
		return nil, err
	}
	sub := &models.Submission{
		ID:            id,
		ReleaseID:     releaseID,
		WorkflowRunID: runID,
		Channel:       channel,
		Status:        models.SubmissionStatusCreated,
	}
	if err := db.Create(sub).Error; err != nil {
		return nil, fmt.Errorf("store: create %s submission: %w", channel, err)
	}
	return sub, nil
}

func (h *Handlers) client(channel string) (Client, error) {
	c, ok := h.Clients[channel]
	if !ok || c == nil {
		return nil, fmt.Errorf("store: no client configured for channel %q", channel)
	}
	return c, nil
}

// HandleUpload dispatches a submission's upload to its channel pipeline.
func (h *Handlers) HandleUpload(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var p UploadPayload
	if err := queue.DecodePayload(task, &p); err != nil {
		return err
	}
	sub, err := loadSubmission(db, p.SubmissionID)
	if err != nil {
		return err
	}

	switch sub.Channel {
	case models.ChannelFirebase:
		return h.firebaseUpload(ctx, db, sub)
	case models.ChannelPlayStore:
		return h.playstoreUpload(ctx, db, sub)
	case models.ChannelTestFlight:
		return h.testflightUpload(ctx, db, sub)
	}
	return fmt.Errorf("store: unknown channel %q on submission %s", sub.Channel, sub.ID)
}

func loadSubmission(db *gorm.DB, id string) (*models.Submission, error) {
	var sub models.Submission
	if err := db.First(&sub, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("store: load submission %s: %w", id, err)
	}
	return &sub, nil
}

// artifactsURL resolves the uploaded build's location from the submission's
// workflow run.
func artifactsURL(db *gorm.DB, sub *models.Submission) (string, error) {
	var run models.WorkflowRun
	if err := db.First(&run, "id = ?", sub.WorkflowRunID).Error; err != nil {
		return "", fmt.Errorf("store: load run %s: %w", sub.WorkflowRunID, err)
	}
	return run.ArtifactsURL, nil
}

// failSubmission records a terminal submission failure, moves the release
// to error, and notifies. The failure itself is handled; the task that
// found it completes normally.
func (h *Handlers) failSubmission(ctx context.Context, db *gorm.DB, sub *models.Submission, cause error) error {
	err := release.WithLock(db, sub.ReleaseID, func(tx *gorm.DB, locked *models.Release) error {
		if err := tx.Model(&models.Submission{}).Where("id = ?", sub.ID).Updates(map[string]interface{}{
			"status":         models.SubmissionStatusFailed,
			"failure_reason": cause.Error(),
		}).Error; err != nil {
			return fmt.Errorf("store: fail submission %s: %w", sub.ID, err)
		}
		return release.MarkError(tx, locked,
			fmt.Sprintf("%s submission failed: %v", sub.Channel, cause))
	})
	if err != nil {
		return err
	}

	if h.Notifier != nil {
		h.Notifier.Notify(ctx, notify.Message{
			Title:    fmt.Sprintf("%s submission failed", sub.Channel),
			Body:     cause.Error(),
			Severity: notify.SeverityError,
		})
	}
	return nil
}

// releaseSubmission marks a submission released and stamps the event.
// Caller must hold the release lock.
func releaseSubmission(tx *gorm.DB, releaseID string, sub *models.Submission) error {
	if err := tx.Model(&models.Submission{}).Where("id = ?", sub.ID).
		Update("status", models.SubmissionStatusReleased).Error; err != nil {
		return fmt.Errorf("store: release submission %s: %w", sub.ID, err)
	}
	sub.Status = models.SubmissionStatusReleased
	return release.StampEvent(tx, releaseID, "info",
		fmt.Sprintf("%s submission released", sub.Channel))
}
