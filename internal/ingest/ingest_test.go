package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/notify"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/release"
	"github.com/relkit/conductor/internal/vcs"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(&models.Train{}, &models.Release{}, &models.Commit{},
		&models.PullRequest{}, &models.ReleaseEvent{}, &models.Task{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testTrain(t *testing.T, db *gorm.DB) *models.Train {
	t.Helper()
	train := &models.Train{
		ID:                "acme-ios",
		Name:              "Acme iOS",
		Platform:          "ios",
		RepoSlug:          "acme/mobile",
		VCSKind:           "github",
		CIKind:            "github",
		WorkingBranch:     "main",
		BranchingStrategy: "release_branch",
		Version:           "1.5.0",
		Active:            true,
	}
	if err := db.Create(train).Error; err != nil {
		t.Fatalf("create train: %v", err)
	}
	return train
}

func cutRelease(t *testing.T, db *gorm.DB, train *models.Train) *models.Release {
	t.Helper()
	rel, err := release.Cut(db, train)
	if err != nil {
		t.Fatalf("cut release: %v", err)
	}
	return rel
}

type fakeNotifier struct {
	messages []notify.Message
}

func (f *fakeNotifier) Notify(_ context.Context, msg notify.Message) {
	f.messages = append(f.messages, msg)
}

type fakeVCSClient struct {
	mergeErr   error
	mergeCalls int
	mergedPR   *vcs.PullRequest
}

func (f *fakeVCSClient) GetCommit(_ context.Context, _, sha string) (*vcs.Commit, error) {
	return &vcs.Commit{Hash: sha}, nil
}

func (f *fakeVCSClient) CommitLog(_ context.Context, _, _, _ string) ([]vcs.Commit, error) {
	return nil, nil
}

func (f *fakeVCSClient) CreateBranch(_ context.Context, _, _, _ string) error {
	return nil
}

func (f *fakeVCSClient) CreateOrMergePullRequest(_ context.Context, repo, head, base, title string) (*vcs.PullRequest, error) {
	f.mergeCalls++
	if f.mergeErr != nil {
		return nil, f.mergeErr
	}
	if f.mergedPR != nil {
		return f.mergedPR, nil
	}
	return &vcs.PullRequest{
		RepoSlug:   repo,
		Number:     42,
		Title:      title,
		HeadBranch: head,
		BaseBranch: base,
		Merged:     true,
		Closed:     true,
	}, nil
}

func testHandlers(client *fakeVCSClient, notifier *fakeNotifier) *Handlers {
	h := &Handlers{
		Clients:  map[string]vcs.Client{},
		Notifier: notifier,
	}
	if client != nil {
		h.Clients["github"] = client
	}
	return h
}

func enqueueTask(t *testing.T, db *gorm.DB, kind string, payload interface{}) *models.Task {
	t.Helper()
	task, err := queue.Enqueue(db, kind, payload, 0)
	if err != nil {
		t.Fatalf("enqueue %s: %v", kind, err)
	}
	return task
}

func pushPayload(trainID, branch, hash string, rest ...vcs.Commit) PushPayload {
	return PushPayload{
		TrainID: trainID,
		Push: vcs.Push{
			RepoSlug:   "acme/mobile",
			Ref:        "refs/heads/" + branch,
			BranchName: branch,
			HeadCommit: &vcs.Commit{
				Hash:      hash,
				Message:   "fix crash on resume",
				Timestamp: time.Now(),
			},
			RestCommits: rest,
		},
	}
}
