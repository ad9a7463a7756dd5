package vcs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
)

// GitHub normalizes GitHub webhook payloads using the go-github event types.
type GitHub struct{}

func (GitHub) NormalizePush(payload []byte) (*Push, error) {
	var event github.PushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("vcs: github: parse push payload: %w", err)
	}

	push := &Push{
		RepoSlug: event.GetRepo().GetFullName(),
		Ref:      event.GetRef(),
	}
	switch {
	case strings.HasPrefix(push.Ref, "refs/heads/"):
		push.BranchName = strings.TrimPrefix(push.Ref, "refs/heads/")
	case strings.HasPrefix(push.Ref, "refs/tags/"):
		push.TagName = strings.TrimPrefix(push.Ref, "refs/tags/")
	}

	if hc := event.GetHeadCommit(); hc != nil {
		push.HeadCommit = githubCommit(hc, event.GetBefore())
	}
	// event.Commits is ordered oldest→newest with the head last.
	for _, c := range event.Commits {
		if push.HeadCommit != nil && c.GetID() == push.HeadCommit.Hash {
			continue
		}
		push.RestCommits = append(push.RestCommits, *githubCommit(c, ""))
	}
	return push, nil
}

func githubCommit(c *github.HeadCommit, parent string) *Commit {
	return &Commit{
		Hash:        c.GetID(),
		Message:     c.GetMessage(),
		AuthorName:  c.GetAuthor().GetName(),
		AuthorEmail: c.GetAuthor().GetEmail(),
		URL:         c.GetURL(),
		Timestamp:   c.GetTimestamp().Time,
		ParentHash:  parent,
	}
}

func (GitHub) NormalizePullRequest(payload []byte) (*PullRequest, error) {
	var event github.PullRequestEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("vcs: github: parse pull request payload: %w", err)
	}

	pr := event.GetPullRequest()
	out := &PullRequest{
		RepoSlug:   event.GetRepo().GetFullName(),
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		URL:        pr.GetHTMLURL(),
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		Merged:     pr.GetMerged(),
	}
	switch event.GetAction() {
	case "opened", "reopened":
		out.Opened = true
	case "closed":
		// GitHub's closed action covers both merged and declined.
		out.Closed = true
		if ts := pr.GetClosedAt(); !ts.IsZero() {
			t := ts.Time
			out.ClosedAt = &t
		}
	}
	return out, nil
}
