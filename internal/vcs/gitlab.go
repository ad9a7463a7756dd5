package vcs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GitLab normalizes GitLab webhook payloads.
type GitLab struct{}

type gitlabPush struct {
	ObjectKind string `json:"object_kind"`
	Ref        string `json:"ref"`
	Project    struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	Commits []struct {
		ID        string    `json:"id"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
		URL       string    `json:"url"`
		Author    struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	} `json:"commits"`
	CheckoutSHA string `json:"checkout_sha"`
}

func (GitLab) NormalizePush(payload []byte) (*Push, error) {
	var event gitlabPush
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("vcs: gitlab: parse push payload: %w", err)
	}

	push := &Push{
		RepoSlug: event.Project.PathWithNamespace,
		Ref:      event.Ref,
	}
	switch {
	case strings.HasPrefix(event.Ref, "refs/heads/"):
		push.BranchName = strings.TrimPrefix(event.Ref, "refs/heads/")
	case strings.HasPrefix(event.Ref, "refs/tags/"):
		push.TagName = strings.TrimPrefix(event.Ref, "refs/tags/")
	}

	// GitLab lists commits oldest→newest; checkout_sha identifies the head.
	for _, c := range event.Commits {
		commit := Commit{
			Hash:        c.ID,
			Message:     c.Message,
			AuthorName:  c.Author.Name,
			AuthorEmail: c.Author.Email,
			URL:         c.URL,
			Timestamp:   c.Timestamp,
		}
		if c.ID == event.CheckoutSHA || (event.CheckoutSHA == "" && c.ID == event.Commits[len(event.Commits)-1].ID) {
			head := commit
			push.HeadCommit = &head
			continue
		}
		push.RestCommits = append(push.RestCommits, commit)
	}
	return push, nil
}

type gitlabMergeRequest struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	ObjectAttributes struct {
		IID          int        `json:"iid"`
		Title        string     `json:"title"`
		URL          string     `json:"url"`
		State        string     `json:"state"`
		Action       string     `json:"action"`
		SourceBranch string     `json:"source_branch"`
		TargetBranch string     `json:"target_branch"`
		UpdatedAt    *time.Time `json:"updated_at"`
	} `json:"object_attributes"`
}

func (GitLab) NormalizePullRequest(payload []byte) (*PullRequest, error) {
	var event gitlabMergeRequest
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("vcs: gitlab: parse merge request payload: %w", err)
	}

	attrs := event.ObjectAttributes
	out := &PullRequest{
		RepoSlug:   event.Project.PathWithNamespace,
		Number:     attrs.IID,
		Title:      attrs.Title,
		URL:        attrs.URL,
		HeadBranch: attrs.SourceBranch,
		BaseBranch: attrs.TargetBranch,
		Merged:     attrs.Action == "merge" || attrs.State == "merged",
	}
	switch attrs.Action {
	case "open", "reopen":
		out.Opened = true
	case "close", "merge":
		// GitLab splits merge and close into distinct actions; both end the MR.
		out.Closed = true
		out.ClosedAt = attrs.UpdatedAt
	}
	return out, nil
}
