package webhook

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/relkit/conductor/internal/ingest"
	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/poller"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/release"
	"github.com/relkit/conductor/internal/vcs"
	"gorm.io/gorm"
)

// Event kinds classified from provider headers.
const (
	eventPush        = "push"
	eventPullRequest = "pull_request"
)

// eventKind classifies the webhook from its provider header. Unknown
// headers return ok=false and the event is dropped after acknowledgement.
func eventKind(c *gin.Context) (string, bool) {
	if ev := c.GetHeader("X-GitHub-Event"); ev != "" {
		switch ev {
		case "push":
			return eventPush, true
		case "pull_request":
			return eventPullRequest, true
		}
		return "", false
	}
	if ev := c.GetHeader("X-Gitlab-Event"); ev != "" {
		switch ev {
		case "Push Hook", "Tag Push Hook":
			return eventPush, true
		case "Merge Request Hook":
			return eventPullRequest, true
		}
		return "", false
	}
	if ev := c.GetHeader("X-Event-Key"); ev != "" {
		if ev == "repo:push" {
			return eventPush, true
		}
		if strings.HasPrefix(ev, "pullrequest:") {
			return eventPullRequest, true
		}
		return "", false
	}
	return "", false
}

// accepted is the constant acknowledgement. Internal relevance never leaks
// back to the provider.
func accepted(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func handleVCSEvent(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var train models.Train
		if err := db.First(&train, "id = ?", c.Param("train")).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown train"})
			return
		}

		kind, ok := eventKind(c)
		if !ok {
			accepted(c)
			return
		}

		norm, ok := vcs.ForKind(train.VCSKind)
		if !ok {
			// Unsupported provider is not an error, just a no-op.
			accepted(c)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil || len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
			return
		}

		switch kind {
		case eventPush:
			handlePush(c, db, &train, norm, body)
		case eventPullRequest:
			handlePullRequest(c, db, &train, norm, body)
		}
	}
}

func handlePush(c *gin.Context, db *gorm.DB, train *models.Train, norm vcs.Normalizer, body []byte) {
	push, err := norm.NormalizePush(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed push payload"})
		return
	}

	// Tags are never treated as branch pushes; a version tag may end a
	// release instead.
	if push.ValidTag() {
		if _, err := queue.Enqueue(db, ingest.TaskTag, ingest.TagPayload{
			TrainID: train.ID,
			TagName: push.TagName,
		}, 0); err != nil {
			log.Printf("webhook: enqueue tag for %s: %v", train.ID, err)
		}
		accepted(c)
		return
	}
	if !push.ValidBranch() || push.HeadCommit == nil {
		accepted(c)
		return
	}

	if !monitoredBranch(db, train, push.BranchName) {
		accepted(c)
		return
	}

	if _, err := queue.Enqueue(db, ingest.TaskPush, ingest.PushPayload{
		TrainID: train.ID,
		Push:    *push,
	}, 0); err != nil {
		log.Printf("webhook: enqueue push for %s: %v", train.ID, err)
	}
	accepted(c)
}

// monitoredBranch reports whether pushes to the branch matter for the
// train: its working branch or any active release branch.
func monitoredBranch(db *gorm.DB, train *models.Train, branch string) bool {
	if branch == train.WorkingBranch {
		return true
	}
	if _, err := release.FindActive(db, train.ID, branch); err == nil {
		return true
	}
	return false
}

func handlePullRequest(c *gin.Context, db *gorm.DB, train *models.Train, norm vcs.Normalizer, body []byte) {
	pr, err := norm.NormalizePullRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed pull request payload"})
		return
	}

	// Defense against stale or misdirected webhooks.
	if pr.RepoSlug != train.RepoSlug {
		accepted(c)
		return
	}

	if _, err := queue.Enqueue(db, ingest.TaskPullRequest, ingest.PullRequestPayload{
		TrainID:     train.ID,
		PullRequest: *pr,
	}, 0); err != nil {
		log.Printf("webhook: enqueue pull request for %s: %v", train.ID, err)
	}
	accepted(c)
}

// runRegistration is the payload CI systems post when a workflow run
// starts, so the poller can track it to completion.
type runRegistration struct {
	ExternalID     string `json:"external_id" binding:"required"`
	WorkflowName   string `json:"workflow_name"`
	AllowSoftError bool   `json:"allow_soft_error"`
}

func handleRunRegistration(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var train models.Train
		if err := db.First(&train, "id = ?", c.Param("train")).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown train"})
			return
		}

		var reg runRegistration
		if err := c.ShouldBindJSON(&reg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed run payload"})
			return
		}

		rel, err := latestActiveRelease(db, train.ID)
		if errors.Is(err, release.ErrNotFound) {
			// No release to attach the run to; acknowledged and dropped.
			accepted(c)
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}

		run := &models.WorkflowRun{
			ReleaseID:      rel.ID,
			CIKind:         train.CIKind,
			ExternalID:     reg.ExternalID,
			WorkflowName:   reg.WorkflowName,
			AllowSoftError: reg.AllowSoftError,
		}
		if err := poller.StartRun(db, run); err != nil {
			log.Printf("webhook: start run for %s: %v", train.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "run registration failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "run_id": run.ID})
	}
}

func latestActiveRelease(db *gorm.DB, trainID string) (*models.Release, error) {
	var rel models.Release
	result := db.Where("train_id = ? AND status IN ?", trainID,
		[]string{models.ReleaseStatusPending, models.ReleaseStatusOnTrack}).
		Order("created_at DESC").
		Limit(1).
		Find(&rel)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, release.ErrNotFound
	}
	return &rel, nil
}
