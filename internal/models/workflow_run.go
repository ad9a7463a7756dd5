package models

import "time"

// Workflow run statuses. queued and running are the only non-terminal
// statuses; a terminal run never reverts.
const (
	RunStatusQueued     = "queued"
	RunStatusRunning    = "running"
	RunStatusSuccessful = "successful"
	RunStatusFailed     = "failed"
	RunStatusHalted     = "halted"
	RunStatusError      = "error"
)

// WorkflowRun is one CI/CD pipeline execution tied to a build. Tasks
// reference runs by ID and re-fetch the current row rather than holding a
// stale copy.
type WorkflowRun struct {
	ID           string `gorm:"primaryKey;size:32"`
	ReleaseID    string `gorm:"size:32;index;not null"`
	CIKind       string `gorm:"size:16;not null"`
	ExternalID   string `gorm:"size:128;index;not null"`
	WorkflowName string `gorm:"size:128"`
	Status       string `gorm:"size:16;default:queued;index"`
	ArtifactsURL string `gorm:"size:512"`
	SoftFailed   bool   `gorm:"default:false"`
	AllowSoftError bool `gorm:"default:false"`
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the run has reached a final status.
func (w *WorkflowRun) Terminal() bool {
	switch w.Status {
	case RunStatusSuccessful, RunStatusFailed, RunStatusHalted, RunStatusError:
		return true
	}
	return false
}
