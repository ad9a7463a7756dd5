package ci

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bitbucket normalizes Bitbucket Pipelines payloads. Bitbucket states come
// as name/type pairs (e.g. SUCCESSFUL with pipeline_state_completed_successful);
// either half of the pair classifies.
type Bitbucket struct{}

type bitbucketPipeline struct {
	State struct {
		Name   string `json:"name"`
		Type   string `json:"type"`
		Result struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"result"`
	} `json:"state"`
	CreatedOn   *time.Time `json:"created_on"`
	CompletedOn *time.Time `json:"completed_on"`
}

func (Bitbucket) Normalize(payload []byte) (*Run, error) {
	var raw bitbucketPipeline
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("ci: bitbucket: parse pipeline payload: %w", err)
	}

	run := &Run{
		StartedAt:  raw.CreatedOn,
		FinishedAt: raw.CompletedOn,
	}

	switch raw.State.Name {
	case "PENDING", "BUILDING", "IN_PROGRESS":
		run.Status = StatusInProgress
		run.FinishedAt = nil
		return run, nil
	case "COMPLETED":
	default:
		return nil, fmt.Errorf("%w: bitbucket state=%q", ErrUnknownStatus, raw.State.Name)
	}

	result := raw.State.Result.Name
	if result == "" {
		result = raw.State.Result.Type
	}
	switch result {
	case "SUCCESSFUL", "pipeline_state_completed_successful":
		run.Status = StatusSuccessful
	case "FAILED", "pipeline_state_completed_failed":
		run.Status = StatusFailed
	case "STOPPED", "pipeline_state_completed_stopped":
		run.Status = StatusHalted
	case "ERROR", "pipeline_state_completed_error":
		run.Status = StatusError
	default:
		return nil, fmt.Errorf("%w: bitbucket result=%q", ErrUnknownStatus, result)
	}
	return run, nil
}
