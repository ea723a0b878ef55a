package jobs

import (
	"errors"
	"testing"
	"time"
)

func newPendingRecord() *Record {
	return &Record{
		ID:           "job-1",
		OwnerID:      "owner-1",
		Kind:         "contacts",
		Selection:    []string{"a", "b", "c"},
		Status:       StatusPending,
		TotalRecords: 3,
	}
}

func TestBeginTransition(t *testing.T) {
	record := newPendingRecord()
	now := time.Now().UTC()

	if err := record.Begin(now); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if record.Status != StatusProcessing {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if !record.StartedAt.Equal(now) {
		t.Fatalf("unexpected StartedAt: %v", record.StartedAt)
	}

	if err := record.Begin(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for processing -> processing, got %v", err)
	}
}

func TestBeginAfterTerminal(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		record := newPendingRecord()
		record.Status = status
		if err := record.Begin(time.Now()); !errors.Is(err, ErrTerminalState) {
			t.Fatalf("Begin on %s: expected ErrTerminalState, got %v", status, err)
		}
	}
}

func TestSetProgressRejectsRegression(t *testing.T) {
	record := newPendingRecord()
	if err := record.Begin(time.Now()); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}

	if err := record.SetProgress(2, 3); err != nil {
		t.Fatalf("SetProgress returned error: %v", err)
	}
	if err := record.SetProgress(1, 3); !errors.Is(err, ErrProgressRegression) {
		t.Fatalf("expected ErrProgressRegression, got %v", err)
	}
	if record.RecordsProcessed != 2 {
		t.Fatalf("progress changed after rejected update: %d", record.RecordsProcessed)
	}

	// 同値での更新は巻き戻しではない
	if err := record.SetProgress(2, 3); err != nil {
		t.Fatalf("SetProgress with equal value returned error: %v", err)
	}
}

func TestSetProgressRejectsOverflow(t *testing.T) {
	record := newPendingRecord()
	if err := record.Begin(time.Now()); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := record.SetProgress(5, 3); err == nil {
		t.Fatal("expected error for processed > total")
	}
}

func TestCompleteFromPending(t *testing.T) {
	record := newPendingRecord()
	if err := record.Complete("/tmp/out.csv", "out.csv", 3); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for pending -> completed, got %v", err)
	}
}

func TestCompleteSetsArtifact(t *testing.T) {
	record := newPendingRecord()
	if err := record.Begin(time.Now()); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := record.Complete("exports/job-1.csv", "contacts-export-job-1.csv", 3); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.StorageLocator != "exports/job-1.csv" {
		t.Fatalf("unexpected locator: %s", record.StorageLocator)
	}
	if record.RecordsProcessed != 3 || record.TotalRecords != 3 {
		t.Fatalf("unexpected counts: %d/%d", record.RecordsProcessed, record.TotalRecords)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	record := newPendingRecord()
	if err := record.Cancel(); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if record.Status != StatusCancelled {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.ErrorMessage != CancelMessage {
		t.Fatalf("unexpected message: %s", record.ErrorMessage)
	}

	// キャンセル済みジョブは完了にも失敗にも遷移しない
	if err := record.Complete("x", "x.csv", 1); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if err := record.Fail("boom"); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if err := record.SetProgress(3, 3); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestFailFromProcessing(t *testing.T) {
	record := newPendingRecord()
	if err := record.Begin(time.Now()); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := record.Fail("source unavailable"); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}
	if record.Status != StatusFailed || record.ErrorMessage != "source unavailable" {
		t.Fatalf("unexpected record: %s %q", record.Status, record.ErrorMessage)
	}
}

func TestProgressPercent(t *testing.T) {
	record := newPendingRecord()
	record.RecordsProcessed = 1
	record.TotalRecords = 4
	if got := record.ProgressPercent(); got != 25 {
		t.Fatalf("unexpected percent: %f", got)
	}

	record.TotalRecords = 0
	if got := record.ProgressPercent(); got != 0 {
		t.Fatalf("expected 0 for unknown total, got %f", got)
	}
}

func TestEstimatedTimeRemaining(t *testing.T) {
	now := time.Now().UTC()
	record := newPendingRecord()
	record.Status = StatusProcessing
	record.StartedAt = now.Add(-10 * time.Second)
	record.RecordsProcessed = 1
	record.TotalRecords = 3

	// 10秒で1件なので残り2件は約20秒
	eta := record.EstimatedTimeRemaining(now)
	if eta < 19*time.Second || eta > 21*time.Second {
		t.Fatalf("unexpected eta: %v", eta)
	}

	record.RecordsProcessed = 0
	if eta := record.EstimatedTimeRemaining(now); eta != 0 {
		t.Fatalf("expected 0 before first progress, got %v", eta)
	}
}

func TestCloneIsDeep(t *testing.T) {
	record := newPendingRecord()
	record.ChunkIDs = []string{"c1", "c2"}

	clone := record.Clone()
	clone.Selection[0] = "mutated"
	clone.ChunkIDs[0] = "mutated"

	if record.Selection[0] != "a" || record.ChunkIDs[0] != "c1" {
		t.Fatal("clone shares slices with original")
	}
}
