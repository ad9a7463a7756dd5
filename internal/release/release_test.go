package release

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/relkit/conductor/internal/models"
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
	if err := db.AutoMigrate(&models.Train{}, &models.Release{}, &models.ReleaseEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testTrain(t *testing.T, db *gorm.DB) *models.Train {
	t.Helper()
	train := &models.Train{
		ID:                "acme-android",
		Name:              "Acme Android",
		Platform:          "android",
		RepoSlug:          "acme/mobile",
		VCSKind:           "github",
		CIKind:            "github",
		WorkingBranch:     "main",
		BranchingStrategy: "release_branch",
		Version:           "1.4.0",
		Active:            true,
	}
	if err := db.Create(train).Error; err != nil {
		t.Fatalf("create train: %v", err)
	}
	return train
}

func TestGenerateID(t *testing.T) {
	id, err := GenerateID()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "rel-") {
		t.Errorf("ID = %q, want rel- prefix", id)
	}
	if len(id) != 12 {
		t.Errorf("len(%q) = %d, want 12", id, len(id))
	}
}

func TestBranchFor(t *testing.T) {
	train := &models.Train{WorkingBranch: "main", BranchingStrategy: "release_branch"}
	if got := BranchFor(train, "1.4.0"); got != "release/1.4.0" {
		t.Errorf("BranchFor = %q, want release/1.4.0", got)
	}
	train.BranchingStrategy = "trunk"
	if got := BranchFor(train, "1.4.0"); got != "main" {
		t.Errorf("BranchFor trunk = %q, want main", got)
	}
}

func TestCut(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)

	rel, err := Cut(db, train)
	if err != nil {
		t.Fatal(err)
	}
	if rel.Status != models.ReleaseStatusPending {
		t.Errorf("Status = %q, want pending", rel.Status)
	}
	if rel.Branch != "release/1.4.0" {
		t.Errorf("Branch = %q, want release/1.4.0", rel.Branch)
	}
}

func TestCut_RefusesSecondActive(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)

	if _, err := Cut(db, train); err != nil {
		t.Fatal(err)
	}
	if _, err := Cut(db, train); err == nil {
		t.Fatal("expected error cutting a second active release")
	}
}

func TestCut_RefusesInactiveTrain(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)
	train.Active = false

	if _, err := Cut(db, train); err == nil {
		t.Fatal("expected error cutting on inactive train")
	}
}

func TestFindActive(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)

	if _, err := FindActive(db, train.ID, "release/1.4.0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	cut, err := Cut(db, train)
	if err != nil {
		t.Fatal(err)
	}
	found, err := FindActive(db, train.ID, "release/1.4.0")
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != cut.ID {
		t.Errorf("found %q, want %q", found.ID, cut.ID)
	}
}

func TestStart(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)
	rel, err := Cut(db, train)
	if err != nil {
		t.Fatal(err)
	}

	if err := Start(db, rel, train); err != nil {
		t.Fatal(err)
	}
	if rel.Status != models.ReleaseStatusOnTrack {
		t.Errorf("Status = %q, want on_track", rel.Status)
	}
	if rel.Version != "1.4.0" {
		t.Errorf("Version = %q, want 1.4.0", rel.Version)
	}

	// Starting again leaves the release alone.
	if err := Start(db, rel, train); err != nil {
		t.Fatal(err)
	}

	var events []models.ReleaseEvent
	if err := db.Where("release_id = ?", rel.ID).Find(&events).Error; err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestBumpPatch(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)
	rel, err := Cut(db, train)
	if err != nil {
		t.Fatal(err)
	}
	if err := Start(db, rel, train); err != nil {
		t.Fatal(err)
	}

	if err := BumpPatch(db, rel, train); err != nil {
		t.Fatal(err)
	}
	if rel.Version != "1.4.1" {
		t.Errorf("release Version = %q, want 1.4.1", rel.Version)
	}

	var stored models.Train
	if err := db.First(&stored, "id = ?", train.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.Version != "1.4.1" {
		t.Errorf("train Version = %q, want 1.4.1", stored.Version)
	}
}

func TestStop(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)
	rel, err := Cut(db, train)
	if err != nil {
		t.Fatal(err)
	}

	if err := Stop(db, rel); err != nil {
		t.Fatal(err)
	}
	if rel.Status != models.ReleaseStatusStopped {
		t.Errorf("Status = %q, want stopped", rel.Status)
	}
	if rel.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// Terminal releases stay terminal.
	if err := Finish(db, rel); err != nil {
		t.Fatal(err)
	}
	if rel.Status != models.ReleaseStatusStopped {
		t.Errorf("Status = %q after Finish, want stopped", rel.Status)
	}
}

func TestFinish_RefusesDuringSoak(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)
	rel, err := Cut(db, train)
	if err != nil {
		t.Fatal(err)
	}
	if err := StartSoak(db, rel, time.Hour); err != nil {
		t.Fatal(err)
	}

	if err := Finish(db, rel); err == nil {
		t.Fatal("expected error finishing during soak")
	}
}

func TestFinish_AfterSoak(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)
	rel, err := Cut(db, train)
	if err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-2 * time.Hour)
	if err := db.Model(&models.Release{}).Where("id = ?", rel.ID).Updates(map[string]interface{}{
		"soak_started_at": past,
		"soak_seconds":    60,
	}).Error; err != nil {
		t.Fatal(err)
	}
	rel.SoakStartedAt = &past
	rel.SoakSeconds = 60

	if err := Finish(db, rel); err != nil {
		t.Fatal(err)
	}
	if rel.Status != models.ReleaseStatusFinished {
		t.Errorf("Status = %q, want finished", rel.Status)
	}
}

func TestWithLock(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)
	rel, err := Cut(db, train)
	if err != nil {
		t.Fatal(err)
	}

	err = WithLock(db, rel.ID, func(tx *gorm.DB, locked *models.Release) error {
		if locked.ID != rel.ID {
			t.Errorf("locked %q, want %q", locked.ID, rel.ID)
		}
		return Stop(tx, locked)
	})
	if err != nil {
		t.Fatal(err)
	}

	var stored models.Release
	if err := db.First(&stored, "id = ?", rel.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.ReleaseStatusStopped {
		t.Errorf("Status = %q, want stopped", stored.Status)
	}
}

func TestWithLock_RollsBackOnError(t *testing.T) {
	db := testDB(t)
	train := testTrain(t, db)
	rel, err := Cut(db, train)
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = WithLock(db, rel.ID, func(tx *gorm.DB, locked *models.Release) error {
		if err := Stop(tx, locked); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	var stored models.Release
	if err := db.First(&stored, "id = ?", rel.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.ReleaseStatusPending {
		t.Errorf("Status = %q after rollback, want pending", stored.Status)
	}
}

func TestWithLock_NotFound(t *testing.T) {
	db := testDB(t)
	err := WithLock(db, "rel-nope", func(tx *gorm.DB, locked *models.Release) error {
		t.Fatal("callback should not run")
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
