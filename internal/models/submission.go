package models

import "time"

// Submission channels.
const (
	ChannelFirebase   = "firebase"
	ChannelPlayStore  = "playstore"
	ChannelTestFlight = "testflight"
)

// Submission statuses shared across channels. Channel machines use the
// subset that applies to them.
const (
	SubmissionStatusCreated   = "created"
	SubmissionStatusUploading = "uploading"
	SubmissionStatusUploaded  = "uploaded"
	SubmissionStatusPrepared  = "prepared"
	SubmissionStatusReleased  = "released"
	SubmissionStatusFailed    = "failed"
)

// Submission is one attempt to push a build through a distribution channel.
// At most one non-terminal submission exists per (workflow run, channel).
type Submission struct {
	ID              string `gorm:"primaryKey;size:32"`
	ReleaseID       string `gorm:"size:32;index;not null"`
	WorkflowRunID   string `gorm:"size:32;index;not null"`
	Channel         string `gorm:"size:16;index;not null"`
	Status          string `gorm:"size:16;default:created;index"`
	ExternalID      string `gorm:"size:128"` // provider-side release/build reference
	OperationHandle string `gorm:"size:256"` // async provider operation, polled until done
	FailureReason   string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Rollout *StagedRollout `gorm:"foreignKey:SubmissionID"`
}

// Terminal reports whether the submission has reached a final status.
func (s *Submission) Terminal() bool {
	return s.Status == SubmissionStatusReleased || s.Status == SubmissionStatusFailed
}

// StagedRollout statuses.
const (
	RolloutStatusCreated   = "created"
	RolloutStatusStarted   = "started"
	RolloutStatusCompleted = "completed"
	RolloutStatusHalted    = "halted"
)

// StagedRollout is the child of a Play Store submission recording the
// last-applied rollout percentage and the history of rollout steps.
// Mutated only while the parent release holds its lock.
type StagedRollout struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	SubmissionID   string  `gorm:"size:32;uniqueIndex;not null"`
	Status         string  `gorm:"size:16;default:created"`
	CurrentStage   int     `gorm:"default:-1"` // index into Stages; -1 before start
	LastPercentage float64 `gorm:"default:0"`
	Stages         string  `gorm:"type:json"` // ordered percentages, e.g. [1,5,20,50,100]
	History        string  `gorm:"type:json"` // applied steps with timestamps
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Started reports whether the rollout has actually begun serving users.
func (r *StagedRollout) Started() bool {
	return r.Status == RolloutStatusStarted
}
