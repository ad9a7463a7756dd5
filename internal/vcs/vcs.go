// Package vcs normalizes version-control webhook payloads into canonical
// push and pull-request facts, and defines the outbound VCS collaborator
// interface. Normalizing is read-only classification and needs no lock.
package vcs

import (
	"context"
	"errors"
	"time"
)

// Commit is the canonical shape of one VCS commit.
type Commit struct {
	Hash        string
	Message     string
	AuthorName  string
	AuthorEmail string
	URL         string
	Timestamp   time.Time
	ParentHash  string
}

// Push is the canonical shape of a push webhook. Exactly one of BranchName
// or TagName is set; a tag push is never treated as a branch push.
type Push struct {
	RepoSlug    string
	Ref         string
	BranchName  string
	TagName     string
	HeadCommit  *Commit
	RestCommits []Commit // ordered oldest→newest, excluding the head
}

// ValidBranch reports whether the push targets a branch.
func (p *Push) ValidBranch() bool { return p.BranchName != "" }

// ValidTag reports whether the push targets a tag.
func (p *Push) ValidTag() bool { return p.TagName != "" }

// PullRequest is the canonical shape of a pull-request webhook. Closed is
// the provider-specific union of merged and declined.
type PullRequest struct {
	RepoSlug   string
	Number     int
	Title      string
	URL        string
	HeadBranch string
	BaseBranch string
	Opened     bool
	Closed     bool
	Merged     bool
	ClosedAt   *time.Time
}

// Normalizer translates one provider's webhook payloads into canonical facts.
type Normalizer interface {
	NormalizePush(payload []byte) (*Push, error)
	NormalizePullRequest(payload []byte) (*PullRequest, error)
}

// ForKind resolves the normalizer for an integration kind. The provider set
// is closed; unknown kinds return ok=false.
func ForKind(kind string) (Normalizer, bool) {
	switch kind {
	case "github":
		return GitHub{}, true
	case "gitlab":
		return GitLab{}, true
	case "bitbucket":
		return Bitbucket{}, true
	}
	return nil, false
}

// ErrMergeCheck marks a pull request that could not merge because required
// checks are not yet satisfied. It is the only transient classification for
// backmerge attempts; everything else is terminal.
var ErrMergeCheck = errors.New("vcs: pull request failed merge check")

// Client is the outbound VCS collaborator. Implementations wrap a provider
// API; this package depends only on the canonical response shapes.
type Client interface {
	GetCommit(ctx context.Context, repo, sha string) (*Commit, error)
	CommitLog(ctx context.Context, repo, fromSHA, toSHA string) ([]Commit, error)
	CreateBranch(ctx context.Context, repo, fromRef, name string) error
	// CreateOrMergePullRequest opens (or finds) a PR from head to base and
	// attempts to merge it. Returns ErrMergeCheck when merging is blocked by
	// unsatisfied checks.
	CreateOrMergePullRequest(ctx context.Context, repo, head, base, title string) (*PullRequest, error)
}
