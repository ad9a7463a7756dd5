package ci

import (
	"encoding/json"
	"fmt"
	"time"
)

// GitHub normalizes GitHub Actions workflow run payloads.
type GitHub struct{}

type githubRun struct {
	Status       string     `json:"status"`
	Conclusion   string     `json:"conclusion"`
	RunStartedAt *time.Time `json:"run_started_at"`
	UpdatedAt    *time.Time `json:"updated_at"`
	ArtifactsURL string     `json:"artifacts_url"`
}

func (GitHub) Normalize(payload []byte) (*Run, error) {
	var raw githubRun
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("ci: github: parse run payload: %w", err)
	}

	run := &Run{
		ArtifactsURL: raw.ArtifactsURL,
		StartedAt:    raw.RunStartedAt,
	}

	switch raw.Status {
	case "queued", "in_progress", "waiting", "pending", "requested":
		run.Status = StatusInProgress
		return run, nil
	case "completed":
	default:
		return nil, fmt.Errorf("%w: github status=%q", ErrUnknownStatus, raw.Status)
	}

	run.FinishedAt = raw.UpdatedAt
	switch raw.Conclusion {
	case "success":
		run.Status = StatusSuccessful
	case "failure", "timed_out", "startup_failure":
		run.Status = StatusFailed
	case "cancelled", "skipped", "stale":
		run.Status = StatusHalted
	case "action_required", "neutral":
		run.Status = StatusError
	default:
		return nil, fmt.Errorf("%w: github conclusion=%q", ErrUnknownStatus, raw.Conclusion)
	}
	return run, nil
}
