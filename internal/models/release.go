package models

import "time"

// Release statuses. Transitions are monotonic once a terminal status
// (finished, stopped) is reached.
const (
	ReleaseStatusPending  = "pending"
	ReleaseStatusOnTrack  = "on_track"
	ReleaseStatusStopped  = "stopped"
	ReleaseStatusFinished = "finished"
	ReleaseStatusError    = "error"
)

// Release is one in-flight (or completed) release attempt on a train.
// State-changing operations happen only under the release's exclusive lock.
type Release struct {
	ID            string `gorm:"primaryKey;size:32"`
	TrainID       string `gorm:"size:64;index;not null"`
	Status        string `gorm:"size:16;default:pending;index"`
	Branch        string `gorm:"size:128;not null"`
	Version       string `gorm:"size:32"`
	SoakStartedAt *time.Time
	SoakSeconds   int64 `gorm:"default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time

	Train        *Train        `gorm:"foreignKey:TrainID"`
	Commits      []Commit      `gorm:"foreignKey:ReleaseID;constraint:OnDelete:CASCADE"`
	PullRequests []PullRequest `gorm:"foreignKey:ReleaseID;constraint:OnDelete:CASCADE"`
	Events       []ReleaseEvent `gorm:"foreignKey:ReleaseID;constraint:OnDelete:CASCADE"`
}

// Committable reports whether the release still accepts commits.
func (r *Release) Committable() bool {
	return r.Status == ReleaseStatusPending || r.Status == ReleaseStatusOnTrack
}

// Terminal reports whether the release has reached a final status.
func (r *Release) Terminal() bool {
	return r.Status == ReleaseStatusFinished || r.Status == ReleaseStatusStopped
}

// SoakElapsed reports whether the soak window, if any, has passed.
func (r *Release) SoakElapsed(now time.Time) bool {
	if r.SoakStartedAt == nil || r.SoakSeconds <= 0 {
		return true
	}
	return now.After(r.SoakStartedAt.Add(time.Duration(r.SoakSeconds) * time.Second))
}

// Commit is an immutable record of one VCS commit landed on the release
// branch. BackmergeFailure is the only post-creation mutation.
type Commit struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	ReleaseID        string `gorm:"size:32;uniqueIndex:idx_release_hash;not null"`
	Hash             string `gorm:"size:64;uniqueIndex:idx_release_hash;not null"`
	Message          string `gorm:"type:text"`
	AuthorName       string `gorm:"size:128"`
	AuthorEmail      string `gorm:"size:128"`
	URL              string `gorm:"size:512"`
	Timestamp        time.Time
	ParentHash       string `gorm:"size:64"`
	BackmergeFailure bool   `gorm:"default:false"`
	CreatedAt        time.Time
}

// PullRequest phases, kinds, and states.
const (
	PRPhasePreRelease = "pre_release"
	PRPhaseMidRelease = "mid_release"

	PRKindVersionBump = "version_bump"
	PRKindStability   = "stability"
	PRKindBackmerge   = "backmerge"

	PRStateOpen   = "open"
	PRStateClosed = "closed"
)

// PullRequest tracks one VCS pull request relevant to a release. Rows are
// upserted by (repo_slug, number) so duplicate webhook delivery is a no-op.
type PullRequest struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ReleaseID  string `gorm:"size:32;index;not null"`
	RepoSlug   string `gorm:"size:128;uniqueIndex:idx_repo_number;not null"`
	Number     int    `gorm:"uniqueIndex:idx_repo_number;not null"`
	Title      string `gorm:"size:256"`
	URL        string `gorm:"size:512"`
	HeadBranch string `gorm:"size:128"`
	BaseBranch string `gorm:"size:128"`
	Phase      string `gorm:"size:16;default:mid_release"`
	Kind       string `gorm:"size:16;default:stability"`
	State      string `gorm:"size:16;default:open;index"`
	OpenedAt   *time.Time
	ClosedAt   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReleaseEvent is a stamped timeline passage on a release.
type ReleaseEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ReleaseID string `gorm:"size:32;index;not null"`
	Level     string `gorm:"size:8;default:info"` // info, error
	Message   string `gorm:"type:text"`
	CreatedAt time.Time
}
