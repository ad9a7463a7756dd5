package ci

import (
	"encoding/json"
	"fmt"
	"time"
)

// TeamCity normalizes TeamCity build payloads. TeamCity splits lifecycle
// across two fields: state gates whether the build finished at all, and
// status only means anything once state is "finished".
type TeamCity struct{}

// teamcityTimeLayout is TeamCity's compact ISO-8601 variant.
const teamcityTimeLayout = "20060102T150405-0700"

type teamcityBuild struct {
	State      string `json:"state"`
	Status     string `json:"status"`
	StartDate  string `json:"startDate"`
	FinishDate string `json:"finishDate"`
	Artifacts  struct {
		Href string `json:"href"`
	} `json:"artifacts"`
}

func (TeamCity) Normalize(payload []byte) (*Run, error) {
	var raw teamcityBuild
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("ci: teamcity: parse build payload: %w", err)
	}

	run := &Run{
		ArtifactsURL: raw.Artifacts.Href,
		StartedAt:    parseTeamcityTime(raw.StartDate),
	}

	if raw.State != "finished" {
		// queued, running, deleted: nothing terminal without the finished gate.
		run.Status = StatusInProgress
		return run, nil
	}

	run.FinishedAt = parseTeamcityTime(raw.FinishDate)
	switch raw.Status {
	case "SUCCESS":
		run.Status = StatusSuccessful
	case "FAILURE":
		run.Status = StatusFailed
	case "ERROR":
		run.Status = StatusError
	case "UNKNOWN":
		// TeamCity reports cancelled builds as finished with UNKNOWN status.
		run.Status = StatusHalted
	default:
		return nil, fmt.Errorf("%w: teamcity state=%q status=%q", ErrUnknownStatus, raw.State, raw.Status)
	}
	return run, nil
}

func parseTeamcityTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(teamcityTimeLayout, s)
	if err != nil {
		return nil
	}
	return &t
}
