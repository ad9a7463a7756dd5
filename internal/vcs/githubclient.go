package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// GitHubClient implements Client against the GitHub REST API.
type GitHubClient struct {
	api *github.Client
}

// NewGitHubClient builds a Client authenticated with a personal access or
// installation token.
func NewGitHubClient(ctx context.Context, token string) *GitHubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubClient{api: github.NewClient(oauth2.NewClient(ctx, ts))}
}

// splitSlug splits "owner/name" into its halves.
func splitSlug(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("vcs: github: repo slug %q must be owner/name", repo)
	}
	return owner, name, nil
}

func (c *GitHubClient) GetCommit(ctx context.Context, repo, sha string) (*Commit, error) {
	owner, name, err := splitSlug(repo)
	if err != nil {
		return nil, err
	}
	rc, _, err := c.api.Repositories.GetCommit(ctx, owner, name, sha, nil)
	if err != nil {
		return nil, fmt.Errorf("vcs: github: get commit %s: %w", sha, err)
	}
	return repositoryCommit(rc), nil
}

func (c *GitHubClient) CommitLog(ctx context.Context, repo, fromSHA, toSHA string) ([]Commit, error) {
	owner, name, err := splitSlug(repo)
	if err != nil {
		return nil, err
	}
	cmp, _, err := c.api.Repositories.CompareCommits(ctx, owner, name, fromSHA, toSHA, nil)
	if err != nil {
		return nil, fmt.Errorf("vcs: github: compare %s...%s: %w", fromSHA, toSHA, err)
	}
	commits := make([]Commit, 0, len(cmp.Commits))
	for _, rc := range cmp.Commits {
		commits = append(commits, *repositoryCommit(rc))
	}
	return commits, nil
}

func (c *GitHubClient) CreateBranch(ctx context.Context, repo, fromRef, name string) error {
	owner, repoName, err := splitSlug(repo)
	if err != nil {
		return err
	}
	base, _, err := c.api.Git.GetRef(ctx, owner, repoName, "refs/heads/"+fromRef)
	if err != nil {
		return fmt.Errorf("vcs: github: resolve ref %s: %w", fromRef, err)
	}
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: base.Object.SHA},
	}
	if _, _, err := c.api.Git.CreateRef(ctx, owner, repoName, ref); err != nil {
		return fmt.Errorf("vcs: github: create branch %s: %w", name, err)
	}
	return nil
}

func (c *GitHubClient) CreateOrMergePullRequest(ctx context.Context, repo, head, base, title string) (*PullRequest, error) {
	owner, name, err := splitSlug(repo)
	if err != nil {
		return nil, err
	}

	pr, err := c.findOrCreatePR(ctx, owner, name, head, base, title)
	if err != nil {
		return nil, err
	}

	result, _, err := c.api.PullRequests.Merge(ctx, owner, name, pr.GetNumber(), "", nil)
	if err != nil {
		// 405 means the PR exists but cannot merge yet: required checks are
		// still pending or failing. That is the transient classification.
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusMethodNotAllowed {
			return nil, fmt.Errorf("%w: %s#%d", ErrMergeCheck, repo, pr.GetNumber())
		}
		return nil, fmt.Errorf("vcs: github: merge pull request #%d: %w", pr.GetNumber(), err)
	}

	out := &PullRequest{
		RepoSlug:   repo,
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		URL:        pr.GetHTMLURL(),
		HeadBranch: head,
		BaseBranch: base,
		Closed:     result.GetMerged(),
		Merged:     result.GetMerged(),
	}
	return out, nil
}

func (c *GitHubClient) findOrCreatePR(ctx context.Context, owner, name, head, base, title string) (*github.PullRequest, error) {
	existing, _, err := c.api.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + head,
		Base:  base,
	})
	if err != nil {
		return nil, fmt.Errorf("vcs: github: list pull requests %s->%s: %w", head, base, err)
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	pr, _, err := c.api.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
	})
	if err != nil {
		return nil, fmt.Errorf("vcs: github: create pull request %s->%s: %w", head, base, err)
	}
	return pr, nil
}

func repositoryCommit(rc *github.RepositoryCommit) *Commit {
	commit := &Commit{
		Hash: rc.GetSHA(),
		URL:  rc.GetHTMLURL(),
	}
	if inner := rc.GetCommit(); inner != nil {
		commit.Message = inner.GetMessage()
		if author := inner.GetAuthor(); author != nil {
			commit.AuthorName = author.GetName()
			commit.AuthorEmail = author.GetEmail()
			commit.Timestamp = author.GetDate().Time
		}
	}
	if len(rc.Parents) > 0 {
		commit.ParentHash = rc.Parents[0].GetSHA()
	}
	return commit
}
