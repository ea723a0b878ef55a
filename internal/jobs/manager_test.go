package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/export-hub/internal/config"
	"github.com/yourusername/export-hub/internal/token"
)

type stubRunner struct {
	result *Result
	err    error
	run    func(ctx context.Context, record *Record, report func(processed, total int), cancelled func() bool) (*Result, error)
}

func (s *stubRunner) Run(ctx context.Context, record *Record, report func(processed, total int), cancelled func() bool) (*Result, error) {
	if s.run != nil {
		return s.run(ctx, record, report, cancelled)
	}
	return s.result, s.err
}

type stubMerger struct {
	result *Result
	err    error
}

func (s *stubMerger) Merge(ctx context.Context, parent *Record, children []*Record) (*Result, error) {
	return s.result, s.err
}

func testConfig() *config.Config {
	return &config.Config{
		QueueRedisURL:     "redis://127.0.0.1:6379/0",
		BaseURL:           "http://localhost:8080",
		JobTTL:            24 * time.Hour,
		MergePollInterval: time.Millisecond,
		MergeMaxAttempts:  5,
	}
}

func newTestManager(t *testing.T, store Store, runner Runner, merger Merger) *Manager {
	t.Helper()
	issuer, err := token.NewIssuer("test-secret")
	if err != nil {
		t.Fatalf("NewIssuer returned error: %v", err)
	}
	manager, err := NewManager(testConfig(), store, runner, merger, issuer, nil, nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return manager
}

func exportTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(exportPayload{JobID: jobID})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return asynq.NewTask(taskTypeExport, body)
}

func mergeTask(t *testing.T, parentID string, chunkIDs []string) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(mergePayload{ParentID: parentID, ChunkIDs: chunkIDs})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return asynq.NewTask(taskTypeMerge, body)
}

func createPending(t *testing.T, store Store, record *Record) {
	t.Helper()
	record.ExpiresAt = time.Now().Add(24 * time.Hour)
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
}

func TestHandleExportTaskCompletes(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{result: &Result{
		Locator:  "exports/job-1.csv",
		FileName: "contacts-export-job-1.csv",
		Records:  3,
	}}
	manager := newTestManager(t, store, runner, &stubMerger{})

	createPending(t, store, newPendingRecord())

	if err := manager.handleExportTask(context.Background(), exportTask(t, "job-1")); err != nil {
		t.Fatalf("handleExportTask returned error: %v", err)
	}

	record, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s (%s)", record.Status, record.ErrorMessage)
	}
	if record.StorageLocator != "exports/job-1.csv" {
		t.Fatalf("unexpected locator: %s", record.StorageLocator)
	}
	if record.DownloadToken == "" {
		t.Fatal("expected download token on completion")
	}
	if !strings.Contains(record.DownloadURL, "/api/exports/download?token=") {
		t.Fatalf("unexpected download url: %s", record.DownloadURL)
	}
}

func TestHandleExportTaskReportsProgress(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{run: func(ctx context.Context, record *Record, report func(processed, total int), cancelled func() bool) (*Result, error) {
		report(1, 3)
		report(3, 3)
		return &Result{Locator: "exports/job-1.csv", FileName: "f.csv", Records: 3}, nil
	}}
	manager := newTestManager(t, store, runner, &stubMerger{})

	createPending(t, store, newPendingRecord())

	if err := manager.handleExportTask(context.Background(), exportTask(t, "job-1")); err != nil {
		t.Fatalf("handleExportTask returned error: %v", err)
	}

	record, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.RecordsProcessed != 3 || record.TotalRecords != 3 {
		t.Fatalf("unexpected progress: %d/%d", record.RecordsProcessed, record.TotalRecords)
	}
}

func TestHandleExportTaskFailure(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{err: errors.New("source unavailable")}
	manager := newTestManager(t, store, runner, &stubMerger{})

	createPending(t, store, newPendingRecord())

	// 実行エラーはジョブ状態に変換され、タスクとしては成功で終わる
	if err := manager.handleExportTask(context.Background(), exportTask(t, "job-1")); err != nil {
		t.Fatalf("handleExportTask returned error: %v", err)
	}

	record, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != StatusFailed || record.ErrorMessage != "source unavailable" {
		t.Fatalf("unexpected record: %s %q", record.Status, record.ErrorMessage)
	}
}

func TestHandleExportTaskSkipsCancelledJob(t *testing.T) {
	store := NewMemoryStore()
	runner := &stubRunner{result: &Result{Locator: "x", FileName: "f.csv", Records: 1}}
	manager := newTestManager(t, store, runner, &stubMerger{})

	record := newPendingRecord()
	record.Status = StatusCancelled
	record.ErrorMessage = CancelMessage
	createPending(t, store, record)

	if err := manager.handleExportTask(context.Background(), exportTask(t, "job-1")); err != nil {
		t.Fatalf("handleExportTask returned error: %v", err)
	}

	loaded, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if loaded.Status != StatusCancelled {
		t.Fatalf("cancelled job was resurrected: %s", loaded.Status)
	}
}

func TestHandleExportTaskSkipsMissingJob(t *testing.T) {
	store := NewMemoryStore()
	manager := newTestManager(t, store, &stubRunner{}, &stubMerger{})

	if err := manager.handleExportTask(context.Background(), exportTask(t, "missing")); err != nil {
		t.Fatalf("expected nil for missing job, got %v", err)
	}
}

func TestHandleExportTaskCancelledMidRun(t *testing.T) {
	store := NewMemoryStore()
	manager := newTestManager(t, store, &stubRunner{}, &stubMerger{})

	runner := &stubRunner{run: func(ctx context.Context, record *Record, report func(processed, total int), cancelled func() bool) (*Result, error) {
		// 実行中にユーザーがキャンセルした状況を再現する
		if _, err := store.Update(ctx, record.ID, func(r *Record) error { return r.Cancel() }); err != nil {
			t.Errorf("cancel during run failed: %v", err)
		}
		if !cancelled() {
			t.Error("cancelled() must observe the store state")
		}
		return nil, errors.New("export cancelled")
	}}
	manager.runner = runner

	createPending(t, store, newPendingRecord())

	if err := manager.handleExportTask(context.Background(), exportTask(t, "job-1")); err != nil {
		t.Fatalf("handleExportTask returned error: %v", err)
	}

	record, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	// キャンセル後に失敗へ倒されることはない
	if record.Status != StatusCancelled || record.ErrorMessage != CancelMessage {
		t.Fatalf("unexpected record: %s %q", record.Status, record.ErrorMessage)
	}
}

func createChunkFamily(t *testing.T, store Store, childStatuses ...Status) (parentID string, chunkIDs []string) {
	t.Helper()
	parentID = "parent-1"
	chunkIDs = make([]string, len(childStatuses))
	for i := range childStatuses {
		chunkIDs[i] = "chunk-" + string(rune('a'+i))
	}

	parent := &Record{
		ID:       parentID,
		OwnerID:  "owner-1",
		Kind:     "contacts",
		Merged:   true,
		ChunkIDs: chunkIDs,
		Status:   StatusPending,
	}
	createPending(t, store, parent)

	for i, status := range childStatuses {
		child := &Record{
			ID:             chunkIDs[i],
			OwnerID:        "owner-1",
			Kind:           "contacts",
			ParentID:       parentID,
			Status:         status,
			StorageLocator: "chunks/" + chunkIDs[i] + ".csv",
		}
		createPending(t, store, child)
	}
	return parentID, chunkIDs
}

func TestHandleMergeTaskCompletes(t *testing.T) {
	store := NewMemoryStore()
	merger := &stubMerger{result: &Result{
		Locator:  "exports/parent-1.csv",
		FileName: "contacts-export-parent-1.csv",
		Records:  10,
	}}
	manager := newTestManager(t, store, &stubRunner{}, merger)

	parentID, chunkIDs := createChunkFamily(t, store, StatusCompleted, StatusCompleted)

	if err := manager.handleMergeTask(context.Background(), mergeTask(t, parentID, chunkIDs)); err != nil {
		t.Fatalf("handleMergeTask returned error: %v", err)
	}

	parent, err := store.Get(context.Background(), parentID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if parent.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s (%s)", parent.Status, parent.ErrorMessage)
	}
	if parent.RecordsProcessed != 10 {
		t.Fatalf("unexpected record count: %d", parent.RecordsProcessed)
	}
	if parent.DownloadToken == "" {
		t.Fatal("expected download token on merged parent")
	}
}

func TestHandleMergeTaskChildFailure(t *testing.T) {
	store := NewMemoryStore()
	manager := newTestManager(t, store, &stubRunner{}, &stubMerger{})

	parentID, chunkIDs := createChunkFamily(t, store, StatusCompleted, StatusFailed)

	if err := manager.handleMergeTask(context.Background(), mergeTask(t, parentID, chunkIDs)); err != nil {
		t.Fatalf("handleMergeTask returned error: %v", err)
	}

	parent, err := store.Get(context.Background(), parentID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if parent.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", parent.Status)
	}
	if parent.ErrorMessage != "1 of 2 chunks failed" {
		t.Fatalf("unexpected message: %q", parent.ErrorMessage)
	}
}

func TestHandleMergeTaskCancelledChildCountsAsFailure(t *testing.T) {
	store := NewMemoryStore()
	manager := newTestManager(t, store, &stubRunner{}, &stubMerger{})

	parentID, chunkIDs := createChunkFamily(t, store, StatusCompleted, StatusCancelled)

	if err := manager.handleMergeTask(context.Background(), mergeTask(t, parentID, chunkIDs)); err != nil {
		t.Fatalf("handleMergeTask returned error: %v", err)
	}

	parent, err := store.Get(context.Background(), parentID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if parent.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", parent.Status)
	}
}

func TestHandleMergeTaskTimesOut(t *testing.T) {
	store := NewMemoryStore()
	manager := newTestManager(t, store, &stubRunner{}, &stubMerger{})

	// 片方の子が永遠に processing のまま
	parentID, chunkIDs := createChunkFamily(t, store, StatusCompleted, StatusProcessing)

	if err := manager.handleMergeTask(context.Background(), mergeTask(t, parentID, chunkIDs)); err != nil {
		t.Fatalf("handleMergeTask returned error: %v", err)
	}

	parent, err := store.Get(context.Background(), parentID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if parent.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", parent.Status)
	}
	if parent.ErrorMessage != "timed out waiting for 2 chunks" {
		t.Fatalf("unexpected message: %q", parent.ErrorMessage)
	}
}

func TestHandleMergeTaskStopsOnCancelledParent(t *testing.T) {
	store := NewMemoryStore()
	merger := &stubMerger{result: &Result{Locator: "x", FileName: "f.csv", Records: 1}}
	manager := newTestManager(t, store, &stubRunner{}, merger)

	parentID, chunkIDs := createChunkFamily(t, store, StatusCompleted, StatusCompleted)
	if _, err := store.Update(context.Background(), parentID, func(r *Record) error { return r.Cancel() }); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	if err := manager.handleMergeTask(context.Background(), mergeTask(t, parentID, chunkIDs)); err != nil {
		t.Fatalf("handleMergeTask returned error: %v", err)
	}

	parent, err := store.Get(context.Background(), parentID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if parent.Status != StatusCancelled {
		t.Fatalf("cancelled parent was overwritten: %s", parent.Status)
	}
}

func TestCancelIsNoOpOnTerminalJob(t *testing.T) {
	store := NewMemoryStore()
	manager := newTestManager(t, store, &stubRunner{}, &stubMerger{})

	record := newPendingRecord()
	record.Status = StatusCompleted
	record.StorageLocator = "exports/job-1.csv"
	createPending(t, store, record)

	result, err := manager.Cancel(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("terminal job was cancelled: %s", result.Status)
	}
}
