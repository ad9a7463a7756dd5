package ci

import (
	"encoding/json"
	"fmt"
	"time"
)

// GitLab normalizes GitLab CI pipeline payloads.
type GitLab struct{}

type gitlabPipeline struct {
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	WebURL     string     `json:"web_url"`
}

func (GitLab) Normalize(payload []byte) (*Run, error) {
	var raw gitlabPipeline
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("ci: gitlab: parse pipeline payload: %w", err)
	}

	run := &Run{
		StartedAt:  raw.StartedAt,
		FinishedAt: raw.FinishedAt,
	}

	switch raw.Status {
	case "created", "waiting_for_resource", "preparing", "pending", "running", "scheduled":
		run.Status = StatusInProgress
		run.FinishedAt = nil
	case "success":
		run.Status = StatusSuccessful
	case "failed":
		run.Status = StatusFailed
	case "canceled", "skipped":
		run.Status = StatusHalted
	case "manual":
		// Blocked on a manual job: the pipeline cannot progress on its own.
		run.Status = StatusError
	default:
		return nil, fmt.Errorf("%w: gitlab status=%q", ErrUnknownStatus, raw.Status)
	}
	return run, nil
}
