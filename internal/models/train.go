package models

import "time"

// Train is the long-lived configuration and versioning policy for one
// platform track of an app. It owns at most one active release per branch.
type Train struct {
	ID                string `gorm:"primaryKey;size:64"`
	Name              string `gorm:"size:128"`
	Platform          string `gorm:"size:16"` // ios, android
	RepoSlug          string `gorm:"size:128;not null"`
	VCSKind           string `gorm:"size:16;not null"`
	CIKind            string `gorm:"size:16;not null"`
	WorkingBranch     string `gorm:"size:128;default:main"`
	BranchingStrategy string `gorm:"size:16;default:release_branch"` // trunk, release_branch, parallel
	Version           string `gorm:"size:32"`
	BumpOnCommit      bool   `gorm:"default:false"`
	Channels          string `gorm:"type:json"` // JSON array of distribution channels
	Active            bool   `gorm:"default:true"`
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Releases []Release `gorm:"foreignKey:TrainID"`
}
