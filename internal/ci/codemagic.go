package ci

import (
	"encoding/json"
	"fmt"
	"time"
)

// Codemagic normalizes Codemagic build payloads. A build passes through many
// named phases before finishing; all of them classify as in progress.
type Codemagic struct{}

type codemagicBuild struct {
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt"`
	Artefacts  []struct {
		URL string `json:"url"`
	} `json:"artefacts"`
}

func (Codemagic) Normalize(payload []byte) (*Run, error) {
	var raw codemagicBuild
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("ci: codemagic: parse build payload: %w", err)
	}

	run := &Run{
		StartedAt:  raw.StartedAt,
		FinishedAt: raw.FinishedAt,
	}
	if len(raw.Artefacts) > 0 {
		run.ArtifactsURL = raw.Artefacts[0].URL
	}

	switch raw.Status {
	case "queued", "preparing", "fetching", "building", "testing", "publishing", "finishing":
		run.Status = StatusInProgress
		run.FinishedAt = nil
	case "finished":
		run.Status = StatusSuccessful
	case "failed", "timeout":
		run.Status = StatusFailed
	case "canceled", "skipped":
		run.Status = StatusHalted
	case "warning":
		run.Status = StatusError
	default:
		return nil, fmt.Errorf("%w: codemagic status=%q", ErrUnknownStatus, raw.Status)
	}
	return run, nil
}
