// Package ingest consumes canonical push and pull-request events and
// mutates release aggregate state under the release's exclusive lock.
// Handlers are idempotent: duplicate webhook delivery and out-of-order
// events degrade to no-ops rather than corrupting state.
package ingest

import (
	"fmt"

	"github.com/relkit/conductor/internal/notify"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/vcs"
)

// Task kinds handled by this package.
const (
	TaskPush        = "ingest.push"
	TaskCommit      = "ingest.commit"
	TaskPullRequest = "ingest.pull_request"
	TaskTag         = "ingest.tag"
	TaskBackmerge   = "ingest.backmerge"
)

// PushPayload is the canonical work item for a push webhook.
type PushPayload struct {
	TrainID string   `json:"train_id"`
	Push    vcs.Push `json:"push"`
}

// CommitPayload carries one non-head commit for asynchronous creation.
type CommitPayload struct {
	TrainID   string     `json:"train_id"`
	ReleaseID string     `json:"release_id"`
	Commit    vcs.Commit `json:"commit"`
}

// PullRequestPayload is the canonical work item for a PR webhook.
type PullRequestPayload struct {
	TrainID     string          `json:"train_id"`
	PullRequest vcs.PullRequest `json:"pull_request"`
}

// TagPayload is the canonical work item for a tag push.
type TagPayload struct {
	TrainID string `json:"train_id"`
	TagName string `json:"tag_name"`
}

// BackmergePayload carries one backmerge attempt. Attempt travels in the
// payload, not persisted state, so a process restart resets the budget.
type BackmergePayload struct {
	TrainID    string `json:"train_id"`
	ReleaseID  string `json:"release_id"`
	CommitHash string `json:"commit_hash"`
	Attempt    int    `json:"attempt"`
}

// Handlers binds the ingestion pipeline to its collaborators. Clients is
// keyed by VCS integration kind; a train whose kind has no client cannot
// run backmerges.
type Handlers struct {
	Clients  map[string]vcs.Client
	Notifier notify.Notifier
}

// Register wires all ingestion task kinds into the runner.
func (h *Handlers) Register(r *queue.Runner) {
	r.Register(TaskPush, h.HandlePush)
	r.Register(TaskCommit, h.HandleCommit)
	r.Register(TaskPullRequest, h.HandlePullRequest)
	r.Register(TaskTag, h.HandleTag)
	r.Register(TaskBackmerge, h.HandleBackmerge)
}

func (h *Handlers) client(kind string) (vcs.Client, error) {
	c, ok := h.Clients[kind]
	if !ok || c == nil {
		return nil, fmt.Errorf("ingest: no vcs client configured for kind %q", kind)
	}
	return c, nil
}
