// Package ci normalizes provider-specific workflow run payloads into one
// canonical status vocabulary. Each provider encodes its own classification
// table; there is no shared heuristic across providers.
package ci

import (
	"context"
	"errors"
	"time"
)

// Status is the canonical classification of a workflow run.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusHalted     Status = "halted" // externally aborted, skipped, or canceled
	StatusError      Status = "error"  // non-fatal partial failure, provider-specific
)

// ErrUnknownStatus is returned when a provider payload carries a status
// combination the normalizer has no mapping for. Callers must treat it as
// fatal rather than guessing a classification.
var ErrUnknownStatus = errors.New("ci: unknown workflow run status")

// Run is the canonical result of normalizing one provider payload.
type Run struct {
	Status       Status
	ArtifactsURL string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Normalizer translates one provider's native run payload into a Run.
type Normalizer interface {
	Normalize(payload []byte) (*Run, error)
}

// Client is the outbound CI collaborator: it fetches the provider-native
// status payload for a run, which is only ever consumed via a Normalizer.
type Client interface {
	GetWorkflowRun(ctx context.Context, externalID string) ([]byte, error)
}

// ForKind resolves the normalizer for an integration kind. The provider set
// is closed; unknown kinds return ok=false.
func ForKind(kind string) (Normalizer, bool) {
	switch kind {
	case "github":
		return GitHub{}, true
	case "bitrise":
		return Bitrise{}, true
	case "codemagic":
		return Codemagic{}, true
	case "teamcity":
		return TeamCity{}, true
	case "bitbucket":
		return Bitbucket{}, true
	case "gitlab":
		return GitLab{}, true
	}
	return nil, false
}
