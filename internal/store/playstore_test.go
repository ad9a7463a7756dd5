package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/queue"
	"gorm.io/gorm"
)

func TestPlaystoreUpload_FullRelease(t *testing.T) {
	db := testDB(t)
	sub := seedSubmission(t, db, models.ChannelPlayStore)
	client := &fakeClient{uploadResult: &Result{ExternalID: "ext-play", Done: true}}
	h, notifier := testHandlers(models.ChannelPlayStore, client)

	task := uploadTask(t, db, sub.ID)
	if err := h.HandleUpload(context.Background(), db, task); err != nil {
		t.Fatal(err)
	}

	stored := reloadSubmission(t, db, sub.ID)
	if stored.Status != models.SubmissionStatusReleased {
		t.Errorf("Status = %q, want released", stored.Status)
	}
	if client.uploadCalls != 1 || client.releaseCalls != 1 {
		t.Errorf("upload/release calls = %d/%d, want 1/1", client.uploadCalls, client.releaseCalls)
	}
	if len(notifier.messages) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.messages))
	}
}

func TestPlaystoreUpload_StagedRolloutCreatesDraft(t *testing.T) {
	db := testDB(t)
	sub := seedSubmission(t, db, models.ChannelPlayStore)
	client := &fakeClient{uploadResult: &Result{ExternalID: "ext-play", Done: true}}
	h, _ := testHandlers(models.ChannelPlayStore, client)
	h.RolloutStages = []float64{1, 5, 20, 50, 100}

	task := uploadTask(t, db, sub.ID)
	if err := h.HandleUpload(context.Background(), db, task); err != nil {
		t.Fatal(err)
	}

	stored := reloadSubmission(t, db, sub.ID)
	if stored.Status != models.SubmissionStatusUploaded {
		t.Errorf("Status = %q, want uploaded (draft)", stored.Status)
	}
	if client.releaseCalls != 0 {
		t.Errorf("release calls = %d, want 0 before staged rollout", client.releaseCalls)
	}

	var rollout models.StagedRollout
	if err := db.First(&rollout, "submission_id = ?", sub.ID).Error; err != nil {
		t.Fatal(err)
	}
	if rollout.CurrentStage != -1 {
		t.Errorf("CurrentStage = %d, want -1", rollout.CurrentStage)
	}
	if rollout.Started() {
		t.Error("rollout should not be started on a draft")
	}

	var count int64
	db.Model(&models.Task{}).Where("kind = ?", TaskRollout).Count(&count)
	if count != 1 {
		t.Errorf("rollout tasks = %d, want 1", count)
	}
}

func rolloutTask(t *testing.T, db *gorm.DB, submissionID string) *models.Task {
	t.Helper()
	task, err := queue.Enqueue(db, TaskRollout, RolloutPayload{SubmissionID: submissionID}, 0)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

// seedStagedSubmission prepares an uploaded playstore submission with a
// staged rollout over the given stages.
func seedStagedSubmission(t *testing.T, db *gorm.DB, stages []float64) *models.Submission {
	t.Helper()
	sub := seedSubmission(t, db, models.ChannelPlayStore)
	db.Model(&models.Submission{}).Where("id = ?", sub.ID).Updates(map[string]interface{}{
		"status":      models.SubmissionStatusUploaded,
		"external_id": "ext-play",
	})
	encoded, err := json.Marshal(stages)
	if err != nil {
		t.Fatal(err)
	}
	rollout := &models.StagedRollout{
		SubmissionID: sub.ID,
		Status:       models.RolloutStatusCreated,
		CurrentStage: -1,
		Stages:       string(encoded),
		History:      "[]",
	}
	if err := db.Create(rollout).Error; err != nil {
		t.Fatal(err)
	}
	return reloadSubmission(t, db, sub.ID)
}

func TestHandleRollout_AdvancesStages(t *testing.T) {
	db := testDB(t)
	sub := seedStagedSubmission(t, db, []float64{1, 50})
	client := &fakeClient{}
	h, _ := testHandlers(models.ChannelPlayStore, client)

	if err := h.HandleRollout(context.Background(), db, rolloutTask(t, db, sub.ID)); err != nil {
		t.Fatal(err)
	}

	var rollout models.StagedRollout
	db.First(&rollout, "submission_id = ?", sub.ID)
	if !rollout.Started() {
		t.Error("rollout not started")
	}
	if rollout.CurrentStage != 0 || rollout.LastPercentage != 1 {
		t.Errorf("stage/pct = %d/%g, want 0/1", rollout.CurrentStage, rollout.LastPercentage)
	}
	var history []rolloutStep
	if err := json.Unmarshal([]byte(rollout.History), &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Percentage != 1 {
		t.Errorf("history = %+v, want one 1%% step", history)
	}

	if err := h.HandleRollout(context.Background(), db, rolloutTask(t, db, sub.ID)); err != nil {
		t.Fatal(err)
	}
	db.First(&rollout, "submission_id = ?", sub.ID)
	if rollout.CurrentStage != 1 || rollout.LastPercentage != 50 {
		t.Errorf("stage/pct = %d/%g, want 1/50", rollout.CurrentStage, rollout.LastPercentage)
	}
	if got := client.rolloutPercentages; len(got) != 2 || got[0] != 1 || got[1] != 50 {
		t.Errorf("rollout percentages = %v, want [1 50]", got)
	}
}

func TestHandleRollout_FinalStageReleasesFully(t *testing.T) {
	db := testDB(t)
	sub := seedStagedSubmission(t, db, []float64{100})
	db.Model(&models.StagedRollout{}).Where("submission_id = ?", sub.ID).Updates(map[string]interface{}{
		"status":        models.RolloutStatusStarted,
		"current_stage": 0,
	})
	client := &fakeClient{}
	h, _ := testHandlers(models.ChannelPlayStore, client)

	if err := h.HandleRollout(context.Background(), db, rolloutTask(t, db, sub.ID)); err != nil {
		t.Fatal(err)
	}

	if client.releaseCalls != 1 {
		t.Errorf("release calls = %d, want 1", client.releaseCalls)
	}
	var rollout models.StagedRollout
	db.First(&rollout, "submission_id = ?", sub.ID)
	if rollout.Status != models.RolloutStatusCompleted {
		t.Errorf("rollout Status = %q, want completed", rollout.Status)
	}
	if reloadSubmission(t, db, sub.ID).Status != models.SubmissionStatusReleased {
		t.Error("submission not released")
	}
}

func TestHandleRollout_HaltedRolloutIsNoOp(t *testing.T) {
	db := testDB(t)
	sub := seedStagedSubmission(t, db, []float64{1, 50})
	db.Model(&models.StagedRollout{}).Where("submission_id = ?", sub.ID).
		Update("status", models.RolloutStatusHalted)
	client := &fakeClient{}
	h, _ := testHandlers(models.ChannelPlayStore, client)

	if err := h.HandleRollout(context.Background(), db, rolloutTask(t, db, sub.ID)); err != nil {
		t.Fatal(err)
	}
	if client.rolloutCalls != 0 || client.releaseCalls != 0 {
		t.Error("halted rollout reached the provider")
	}
}

func haltTask(t *testing.T, db *gorm.DB, submissionID string) *models.Task {
	t.Helper()
	task, err := queue.Enqueue(db, TaskHalt, HaltPayload{SubmissionID: submissionID}, 0)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestHandleHalt_StartedRollout(t *testing.T) {
	db := testDB(t)
	sub := seedStagedSubmission(t, db, []float64{1, 50})
	db.Model(&models.StagedRollout{}).Where("submission_id = ?", sub.ID).Updates(map[string]interface{}{
		"status":        models.RolloutStatusStarted,
		"current_stage": 0,
	})
	client := &fakeClient{}
	h, notifier := testHandlers(models.ChannelPlayStore, client)

	if err := h.HandleHalt(context.Background(), db, haltTask(t, db, sub.ID)); err != nil {
		t.Fatal(err)
	}

	if client.haltCalls != 1 {
		t.Errorf("halt calls = %d, want 1", client.haltCalls)
	}
	var rollout models.StagedRollout
	db.First(&rollout, "submission_id = ?", sub.ID)
	if rollout.Status != models.RolloutStatusHalted {
		t.Errorf("rollout Status = %q, want halted", rollout.Status)
	}
	if len(notifier.messages) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.messages))
	}
}

func TestHandleHalt_NeverStartedIsNoOp(t *testing.T) {
	db := testDB(t)
	sub := seedStagedSubmission(t, db, []float64{1, 50})
	client := &fakeClient{}
	h, notifier := testHandlers(models.ChannelPlayStore, client)

	if err := h.HandleHalt(context.Background(), db, haltTask(t, db, sub.ID)); err != nil {
		t.Fatal(err)
	}

	if client.haltCalls != 0 {
		t.Errorf("halt calls = %d, want 0 for a draft", client.haltCalls)
	}
	if len(notifier.messages) != 0 {
		t.Errorf("notifications = %d, want 0", len(notifier.messages))
	}
}
