package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// GitHubActionsClient implements Client against the GitHub Actions REST API.
// External run IDs are composite "owner/name/run_id" strings so one client
// serves every train hosted on the same GitHub instance.
type GitHubActionsClient struct {
	api *github.Client
}

// NewGitHubActionsClient builds a Client authenticated with a personal
// access or installation token.
func NewGitHubActionsClient(ctx context.Context, token string) *GitHubActionsClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHubActionsClient{api: github.NewClient(oauth2.NewClient(ctx, ts))}
}

// splitRunID splits "owner/name/run_id" into its parts.
func splitRunID(externalID string) (string, string, int64, error) {
	parts := strings.Split(externalID, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", 0, fmt.Errorf("ci: github: run ID %q must be owner/name/run_id", externalID)
	}
	runID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("ci: github: run ID %q: %w", externalID, err)
	}
	return parts[0], parts[1], runID, nil
}

// GetWorkflowRun fetches the native workflow run payload. The returned JSON
// uses the REST field names the GitHub normalizer expects.
func (c *GitHubActionsClient) GetWorkflowRun(ctx context.Context, externalID string) ([]byte, error) {
	owner, name, runID, err := splitRunID(externalID)
	if err != nil {
		return nil, err
	}
	run, _, err := c.api.Actions.GetWorkflowRunByID(ctx, owner, name, runID)
	if err != nil {
		return nil, fmt.Errorf("ci: github: get workflow run %d: %w", runID, err)
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("ci: github: encode workflow run %d: %w", runID, err)
	}
	return payload, nil
}
