package vcs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Bitbucket normalizes Bitbucket Cloud webhook payloads.
type Bitbucket struct{}

type bitbucketAuthor struct {
	Raw  string `json:"raw"` // "Name <email>"
	User struct {
		DisplayName string `json:"display_name"`
	} `json:"user"`
}

type bitbucketCommit struct {
	Hash    string          `json:"hash"`
	Message string          `json:"message"`
	Date    time.Time       `json:"date"`
	Author  bitbucketAuthor `json:"author"`
	Links   struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"links"`
}

type bitbucketPush struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Push struct {
		Changes []struct {
			New struct {
				Type string `json:"type"` // branch, tag
				Name string `json:"name"`
			} `json:"new"`
			Commits []bitbucketCommit `json:"commits"` // newest first
		} `json:"changes"`
	} `json:"push"`
}

func (Bitbucket) NormalizePush(payload []byte) (*Push, error) {
	var event bitbucketPush
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("vcs: bitbucket: parse push payload: %w", err)
	}
	if len(event.Push.Changes) == 0 {
		return nil, fmt.Errorf("vcs: bitbucket: push payload has no changes")
	}

	change := event.Push.Changes[0]
	push := &Push{
		RepoSlug: event.Repository.FullName,
		Ref:      change.New.Name,
	}
	switch change.New.Type {
	case "branch", "named_branch":
		push.BranchName = change.New.Name
	case "tag", "annotated_tag":
		push.TagName = change.New.Name
	}

	// Bitbucket lists commits newest-first: head first, rest reversed into
	// oldest→newest order.
	for i, c := range change.Commits {
		commit := bitbucketToCommit(c)
		if i == 0 {
			push.HeadCommit = &commit
			continue
		}
		push.RestCommits = append([]Commit{commit}, push.RestCommits...)
	}
	return push, nil
}

func bitbucketToCommit(c bitbucketCommit) Commit {
	name, email := splitRawAuthor(c.Author.Raw)
	if name == "" {
		name = c.Author.User.DisplayName
	}
	return Commit{
		Hash:        c.Hash,
		Message:     c.Message,
		AuthorName:  name,
		AuthorEmail: email,
		URL:         c.Links.HTML.Href,
		Timestamp:   c.Date,
	}
}

// splitRawAuthor parses Bitbucket's "Name <email>" author format.
func splitRawAuthor(raw string) (name, email string) {
	start := strings.LastIndex(raw, "<")
	end := strings.LastIndex(raw, ">")
	if start < 0 || end < start {
		return strings.TrimSpace(raw), ""
	}
	return strings.TrimSpace(raw[:start]), raw[start+1 : end]
}

type bitbucketPullRequest struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
		State string `json:"state"` // OPEN, MERGED, DECLINED
		Links struct {
			HTML struct {
				Href string `json:"href"`
			} `json:"html"`
		} `json:"links"`
		Source struct {
			Branch struct {
				Name string `json:"name"`
			} `json:"branch"`
		} `json:"source"`
		Destination struct {
			Branch struct {
				Name string `json:"name"`
			} `json:"branch"`
		} `json:"destination"`
		UpdatedOn *time.Time `json:"updated_on"`
	} `json:"pullrequest"`
}

func (Bitbucket) NormalizePullRequest(payload []byte) (*PullRequest, error) {
	var event bitbucketPullRequest
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("vcs: bitbucket: parse pull request payload: %w", err)
	}

	pr := event.PullRequest
	out := &PullRequest{
		RepoSlug:   event.Repository.FullName,
		Number:     pr.ID,
		Title:      pr.Title,
		URL:        pr.Links.HTML.Href,
		HeadBranch: pr.Source.Branch.Name,
		BaseBranch: pr.Destination.Branch.Name,
	}
	switch pr.State {
	case "OPEN":
		out.Opened = true
	case "MERGED", "DECLINED":
		// Fulfilled and rejected both close the PR.
		out.Closed = true
		out.Merged = pr.State == "MERGED"
		out.ClosedAt = pr.UpdatedOn
	}
	return out, nil
}
