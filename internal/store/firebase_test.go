package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/relkit/conductor/internal/models"
	"github.com/relkit/conductor/internal/queue"
	"gorm.io/gorm"
)

func TestFirebaseUpload_StartsOperationPoll(t *testing.T) {
	db := testDB(t)
	sub := seedSubmission(t, db, models.ChannelFirebase)
	client := &fakeClient{}
	h, _ := testHandlers(models.ChannelFirebase, client)

	task := uploadTask(t, db, sub.ID)
	if err := h.HandleUpload(context.Background(), db, task); err != nil {
		t.Fatal(err)
	}

	if client.uploadCalls != 1 {
		t.Errorf("upload calls = %d, want 1", client.uploadCalls)
	}
	stored := reloadSubmission(t, db, sub.ID)
	if stored.Status != models.SubmissionStatusUploading {
		t.Errorf("Status = %q, want uploading", stored.Status)
	}
	if stored.OperationHandle != "op-1" {
		t.Errorf("OperationHandle = %q, want op-1", stored.OperationHandle)
	}

	var poll models.Task
	if err := db.First(&poll, "kind = ?", TaskUploadStatus).Error; err != nil {
		t.Fatalf("expected an upload status poll task: %v", err)
	}
	var p UploadStatusPayload
	if err := queue.DecodePayload(&poll, &p); err != nil {
		t.Fatal(err)
	}
	if p.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", p.Attempt)
	}
}

func TestFirebaseUpload_SecondTaskIsNoOp(t *testing.T) {
	db := testDB(t)
	sub := seedSubmission(t, db, models.ChannelFirebase)
	client := &fakeClient{}
	h, _ := testHandlers(models.ChannelFirebase, client)

	for i := 0; i < 2; i++ {
		task := uploadTask(t, db, sub.ID)
		if err := h.HandleUpload(context.Background(), db, task); err != nil {
			t.Fatal(err)
		}
	}
	if client.uploadCalls != 1 {
		t.Errorf("upload calls = %d, want 1", client.uploadCalls)
	}
}

func TestFirebaseUpload_ReusesSiblingBuild(t *testing.T) {
	db := testDB(t)
	sub := seedSubmission(t, db, models.ChannelFirebase)

	sibling, err := CreateSubmission(db, sub.ReleaseID, sub.WorkflowRunID, models.ChannelFirebase)
	if err != nil {
		t.Fatal(err)
	}
	db.Model(&models.Submission{}).Where("id = ?", sibling.ID).Updates(map[string]interface{}{
		"status":      models.SubmissionStatusReleased,
		"external_id": "ext-sibling",
	})

	client := &fakeClient{}
	h, _ := testHandlers(models.ChannelFirebase, client)
	task := uploadTask(t, db, sub.ID)
	if err := h.HandleUpload(context.Background(), db, task); err != nil {
		t.Fatal(err)
	}

	if client.uploadCalls != 0 {
		t.Errorf("upload calls = %d, want 0 on sibling reuse", client.uploadCalls)
	}
	stored := reloadSubmission(t, db, sub.ID)
	if stored.ExternalID != "ext-sibling" {
		t.Errorf("ExternalID = %q, want ext-sibling", stored.ExternalID)
	}
	// Reuse short-circuits straight to distribution.
	if client.releaseCalls != 1 {
		t.Errorf("release calls = %d, want 1", client.releaseCalls)
	}
	if reloadSubmission(t, db, sub.ID).Status != models.SubmissionStatusReleased {
		t.Error("submission not released after reuse")
	}
}

func seedUploadingSubmission(t *testing.T, db *gorm.DB, channel string) *models.Submission {
	t.Helper()
	sub := seedSubmission(t, db, channel)
	db.Model(&models.Submission{}).Where("id = ?", sub.ID).Updates(map[string]interface{}{
		"status":           models.SubmissionStatusUploading,
		"operation_handle": "op-1",
	})
	return reloadSubmission(t, db, sub.ID)
}

func statusTask(t *testing.T, db *gorm.DB, submissionID string, attempt int) *models.Task {
	t.Helper()
	task, err := queue.Enqueue(db, TaskUploadStatus, UploadStatusPayload{
		SubmissionID: submissionID,
		Attempt:      attempt,
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestFirebaseUploadStatus_NotCompleteRetries(t *testing.T) {
	db := testDB(t)
	sub := seedUploadingSubmission(t, db, models.ChannelFirebase)
	client := &fakeClient{statusErr: ErrUploadNotComplete}
	h, _ := testHandlers(models.ChannelFirebase, client)

	task := statusTask(t, db, sub.ID, 1)
	if err := h.HandleUploadStatus(context.Background(), db, task); err != nil {
		t.Fatal(err)
	}

	var retry models.Task
	if err := db.Where("kind = ? AND id <> ?", TaskUploadStatus, task.ID).First(&retry).Error; err != nil {
		t.Fatalf("expected a retry task: %v", err)
	}
	var p UploadStatusPayload
	if err := queue.DecodePayload(&retry, &p); err != nil {
		t.Fatal(err)
	}
	if p.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", p.Attempt)
	}
	// Static cadence: factor 2 in minutes.
	if !retry.RunAt.After(time.Now().Add(time.Minute)) {
		t.Errorf("RunAt = %v, want about 2m out", retry.RunAt)
	}
}

func TestFirebaseUploadStatus_LastBudgetedAttemptRetries(t *testing.T) {
	db := testDB(t)
	sub := seedUploadingSubmission(t, db, models.ChannelFirebase)
	client := &fakeClient{statusErr: ErrUploadNotComplete}
	h, _ := testHandlers(models.ChannelFirebase, client)

	// The fifth not-done poll still earns a retry; only the sixth is fatal.
	task := statusTask(t, db, sub.ID, firebaseStatusMaxAttempts)
	if err := h.HandleUploadStatus(context.Background(), db, task); err != nil {
		t.Fatal(err)
	}

	var retry models.Task
	if err := db.Where("kind = ? AND id <> ?", TaskUploadStatus, task.ID).First(&retry).Error; err != nil {
		t.Fatalf("expected a retry task: %v", err)
	}
	var p UploadStatusPayload
	if err := queue.DecodePayload(&retry, &p); err != nil {
		t.Fatal(err)
	}
	if p.Attempt != firebaseStatusMaxAttempts+1 {
		t.Errorf("Attempt = %d, want %d", p.Attempt, firebaseStatusMaxAttempts+1)
	}
	if reloadSubmission(t, db, sub.ID).Status != models.SubmissionStatusUploading {
		t.Error("submission should still be uploading")
	}
}

func TestFirebaseUploadStatus_RetriesExhausted(t *testing.T) {
	db := testDB(t)
	sub := seedUploadingSubmission(t, db, models.ChannelFirebase)
	client := &fakeClient{statusErr: ErrUploadNotComplete}
	h, notifier := testHandlers(models.ChannelFirebase, client)

	task := statusTask(t, db, sub.ID, firebaseStatusMaxAttempts+1)
	err := h.HandleUploadStatus(context.Background(), db, task)
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("err = %v, want retries exhausted", err)
	}

	var retries int64
	db.Model(&models.Task{}).Where("kind = ? AND id <> ?", TaskUploadStatus, task.ID).Count(&retries)
	if retries != 0 {
		t.Errorf("retries = %d, want 0 after exhaustion", retries)
	}
	if reloadSubmission(t, db, sub.ID).Status != models.SubmissionStatusFailed {
		t.Error("submission not failed after exhaustion")
	}
	var rel models.Release
	db.First(&rel, "id = ?", sub.ReleaseID)
	if rel.Status != models.ReleaseStatusError {
		t.Errorf("release status = %q, want error", rel.Status)
	}
	if len(notifier.messages) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.messages))
	}
}

func TestFirebaseUploadStatus_OtherErrorPropagates(t *testing.T) {
	db := testDB(t)
	sub := seedUploadingSubmission(t, db, models.ChannelFirebase)
	boom := errors.New("invalid credentials")
	client := &fakeClient{statusErr: boom}
	h, _ := testHandlers(models.ChannelFirebase, client)

	task := statusTask(t, db, sub.ID, 1)
	if err := h.HandleUploadStatus(context.Background(), db, task); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want propagated cause", err)
	}

	var retries int64
	db.Model(&models.Task{}).Where("kind = ? AND id <> ?", TaskUploadStatus, task.ID).Count(&retries)
	if retries != 0 {
		t.Errorf("retries = %d, want 0 for non-retryable error", retries)
	}
}

func TestFirebaseUploadStatus_DoneReleases(t *testing.T) {
	db := testDB(t)
	sub := seedUploadingSubmission(t, db, models.ChannelFirebase)
	client := &fakeClient{statusResult: &Result{ExternalID: "ext-9", Done: true}}
	h, notifier := testHandlers(models.ChannelFirebase, client)

	task := statusTask(t, db, sub.ID, 2)
	if err := h.HandleUploadStatus(context.Background(), db, task); err != nil {
		t.Fatal(err)
	}

	stored := reloadSubmission(t, db, sub.ID)
	if stored.Status != models.SubmissionStatusReleased {
		t.Errorf("Status = %q, want released", stored.Status)
	}
	if stored.ExternalID != "ext-9" {
		t.Errorf("ExternalID = %q, want ext-9", stored.ExternalID)
	}
	if client.releaseCalls != 1 {
		t.Errorf("release calls = %d, want 1", client.releaseCalls)
	}
	if len(notifier.messages) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.messages))
	}
}

func TestFirebaseUploadStatus_TerminalSubmissionIsNoOp(t *testing.T) {
	db := testDB(t)
	sub := seedSubmission(t, db, models.ChannelFirebase)
	db.Model(&models.Submission{}).Where("id = ?", sub.ID).
		Update("status", models.SubmissionStatusReleased)
	client := &fakeClient{}
	h, _ := testHandlers(models.ChannelFirebase, client)

	task := statusTask(t, db, sub.ID, 1)
	if err := h.HandleUploadStatus(context.Background(), db, task); err != nil {
		t.Fatal(err)
	}
	if client.statusCalls != 0 {
		t.Errorf("status calls = %d, want 0", client.statusCalls)
	}
}
