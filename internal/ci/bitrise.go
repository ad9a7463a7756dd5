package ci

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bitrise normalizes Bitrise build payloads. Bitrise defines in-progress
// negatively (any status text outside the terminal set), so unmapped values
// stay in progress rather than being guessed terminal.
type Bitrise struct{}

type bitriseBuild struct {
	StatusText  string     `json:"status_text"`
	TriggeredAt *time.Time `json:"triggered_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	Slug        string     `json:"slug"`
	ArtifactURL string     `json:"artifact_url"`
}

func (Bitrise) Normalize(payload []byte) (*Run, error) {
	var raw bitriseBuild
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("ci: bitrise: parse build payload: %w", err)
	}

	run := &Run{
		ArtifactsURL: raw.ArtifactURL,
		StartedAt:    raw.TriggeredAt,
		FinishedAt:   raw.FinishedAt,
	}

	switch raw.StatusText {
	case "success":
		run.Status = StatusSuccessful
	case "error":
		run.Status = StatusFailed
	case "aborted":
		run.Status = StatusHalted
	default:
		// on-hold, in-progress, and anything Bitrise adds later.
		run.Status = StatusInProgress
		run.FinishedAt = nil
	}
	return run, nil
}
