package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/export-hub/internal/config"
	"github.com/yourusername/export-hub/internal/token"
)

const (
	taskTypeExport = "export:materialize"
	taskTypeMerge  = "export:merge"

	queueExports = "exports"
)

// Result はマテリアライズ／マージ1回分の成果を表します。
type Result struct {
	Locator  string
	FileName string
	Records  int
}

// Runner はジョブ1件ぶんのマテリアライズを実行します。
// report には単調非減少の processed を渡すこと。cancelled はバッチごとに
// 確認される協調キャンセルのチェックポイントです。
type Runner interface {
	Run(ctx context.Context, record *Record, report func(processed, total int), cancelled func() bool) (*Result, error)
}

// Merger は完了済み子ジョブの成果物を1つのファイルへ結合します。
type Merger interface {
	Merge(ctx context.Context, parent *Record, children []*Record) (*Result, error)
}

// UsageRecorder はエクスポート受付時のクレジット消費などの副作用を記録します。
// 失敗してもジョブ本体には影響させません。
type UsageRecorder interface {
	RecordExport(ctx context.Context, ownerID string, records int) error
}

// Manager はジョブの投入・状態管理・バックグラウンド実行を担います。
type Manager struct {
	cfg    *config.Config
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  Store
	runner Runner
	merger Merger
	issuer *token.Issuer
	usage  UsageRecorder
	logger *log.Logger
}

type exportPayload struct {
	JobID string `json:"jobId"`
}

type mergePayload struct {
	ParentID string   `json:"parentId"`
	ChunkIDs []string `json:"chunkIds"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store Store, runner Runner, merger Merger, issuer *token.Issuer, usage UsageRecorder, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if merger == nil {
		return nil, errors.New("merger is nil")
	}
	if issuer == nil {
		return nil, errors.New("issuer is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queueExports: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:    cfg,
		client: client,
		server: server,
		mux:    mux,
		store:  store,
		runner: runner,
		merger: merger,
		issuer: issuer,
		usage:  usage,
		logger: logger,
	}
	mux.HandleFunc(taskTypeExport, manager.handleExportTask)
	mux.HandleFunc(taskTypeMerge, manager.handleMergeTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// CreateExport はエクスポートジョブを作成してキューへ投入します。
func (m *Manager) CreateExport(ctx context.Context, ownerID, kind string, selection []string) (*Record, error) {
	if ownerID == "" {
		return nil, errors.New("ownerID is required")
	}
	if len(selection) == 0 {
		return nil, ErrEmptySelection
	}

	now := time.Now().UTC()
	record := &Record{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Kind:         kind,
		Selection:    append([]string(nil), selection...),
		Status:       StatusPending,
		TotalRecords: len(selection),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.JobTTL),
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}

	if err := m.enqueueExport(ctx, record.ID); err != nil {
		if _, failErr := m.store.Update(ctx, record.ID, func(r *Record) error {
			return r.Fail("failed to schedule export")
		}); failErr != nil {
			m.logf("failed to mark job %s failed after enqueue error: %v", record.ID, failErr)
		}
		return nil, err
	}

	m.recordUsage(ctx, ownerID, len(selection))
	return record, nil
}

// CreateChunkedExport は選択リストをチャンクごとの子ジョブに分割し、
// 完了を待ってマージする親ジョブを作成します。
func (m *Manager) CreateChunkedExport(ctx context.Context, ownerID, kind string, chunks [][]string) (*Record, error) {
	if ownerID == "" {
		return nil, errors.New("ownerID is required")
	}
	if len(chunks) == 0 {
		return nil, ErrEmptySelection
	}
	total := 0
	for _, chunk := range chunks {
		if len(chunk) == 0 {
			return nil, ErrEmptySelection
		}
		total += len(chunk)
	}

	now := time.Now().UTC()
	parentID := uuid.NewString()
	chunkIDs := make([]string, len(chunks))
	for i := range chunks {
		chunkIDs[i] = uuid.NewString()
	}

	parent := &Record{
		ID:           parentID,
		OwnerID:      ownerID,
		Kind:         kind,
		Merged:       true,
		ChunkIDs:     chunkIDs,
		Status:       StatusPending,
		TotalRecords: total,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.JobTTL),
	}
	if err := m.store.Create(ctx, parent); err != nil {
		return nil, err
	}

	for i, chunk := range chunks {
		child := &Record{
			ID:           chunkIDs[i],
			OwnerID:      ownerID,
			Kind:         kind,
			ParentID:     parentID,
			Selection:    append([]string(nil), chunk...),
			Status:       StatusPending,
			TotalRecords: len(chunk),
			CreatedAt:    now,
			ExpiresAt:    now.Add(m.cfg.JobTTL),
		}
		if err := m.store.Create(ctx, child); err != nil {
			return nil, m.failParent(ctx, parentID, fmt.Sprintf("failed to create chunk %d", i+1), err)
		}
		if err := m.enqueueExport(ctx, child.ID); err != nil {
			return nil, m.failParent(ctx, parentID, fmt.Sprintf("failed to schedule chunk %d", i+1), err)
		}
	}

	if err := m.enqueueMerge(ctx, parentID, chunkIDs); err != nil {
		return nil, m.failParent(ctx, parentID, "failed to schedule merge", err)
	}

	m.recordUsage(ctx, ownerID, total)
	return parent, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// Cancel はジョブをキャンセルします。既に completed/failed の場合は
// 状態を変えずに現在のレコードを返します。
func (m *Manager) Cancel(ctx context.Context, jobID string) (*Record, error) {
	updated, err := m.store.Update(ctx, jobID, func(r *Record) error {
		return r.Cancel()
	})
	if err == nil {
		return updated, nil
	}
	if errors.Is(err, ErrTerminalState) {
		return m.store.Get(ctx, jobID)
	}
	return nil, err
}

func (m *Manager) enqueueExport(ctx context.Context, jobID string) error {
	body, err := json.Marshal(exportPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeExport, body, asynq.Queue(queueExports))
	_, err = m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
	return err
}

func (m *Manager) enqueueMerge(ctx context.Context, parentID string, chunkIDs []string) error {
	body, err := json.Marshal(mergePayload{ParentID: parentID, ChunkIDs: chunkIDs})
	if err != nil {
		return err
	}
	// ポーリングが上限まで回っても完走できるだけのタイムアウトを持たせる
	budget := m.cfg.MergePollInterval*time.Duration(m.cfg.MergeMaxAttempts) + time.Minute
	task := asynq.NewTask(taskTypeMerge, body, asynq.Queue(queueExports))
	_, err = m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Timeout(budget))
	return err
}

func (m *Manager) failParent(ctx context.Context, parentID, message string, cause error) error {
	if _, err := m.store.Update(ctx, parentID, func(r *Record) error {
		return r.Fail(message)
	}); err != nil && !errors.Is(err, ErrTerminalState) {
		m.logf("failed to mark parent %s failed: %v", parentID, err)
	}
	return fmt.Errorf("%s: %w", message, cause)
}

// recordUsage は受付済みジョブに対する課金記録を行います。
// 失敗してもログに残すだけで、ジョブを失敗へ倒すことはありません。
func (m *Manager) recordUsage(ctx context.Context, ownerID string, records int) {
	if m.usage == nil {
		return
	}
	if err := m.usage.RecordExport(ctx, ownerID, records); err != nil {
		m.logf("usage recording failed for owner %s: %v", ownerID, err)
	}
}

// handleExportTask はバックグラウンドでのマテリアライズ実行の境界です。
// ここで捕捉されたエラーはすべてジョブ状態の更新に変換され、外へは漏れません。
func (m *Manager) handleExportTask(ctx context.Context, task *asynq.Task) error {
	var payload exportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}

	record, err := m.store.Update(ctx, payload.JobID, func(r *Record) error {
		return r.Begin(time.Now().UTC())
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTerminalState) {
			// 期限切れ、または実行前にキャンセル済み
			return nil
		}
		return err
	}

	result, runErr := m.runner.Run(ctx, record,
		func(processed, total int) {
			if _, err := m.store.Update(ctx, record.ID, func(r *Record) error {
				return r.SetProgress(processed, total)
			}); err != nil && !errors.Is(err, ErrTerminalState) {
				m.logf("failed to update progress job=%s: %v", record.ID, err)
			}
		},
		func() bool {
			current, err := m.store.Get(ctx, record.ID)
			if err != nil {
				return false
			}
			return current.Status == StatusCancelled
		},
	)
	if runErr != nil {
		m.failJob(ctx, record.ID, runErr)
		return nil
	}

	m.completeJob(ctx, record, result)
	return nil
}

// handleMergeTask は子ジョブの完了をポーリングし、マージを起動します。
// 必ず上限回数以内に completed / failed / キャンセルのいずれかで終わります。
func (m *Manager) handleMergeTask(ctx context.Context, task *asynq.Task) error {
	var payload mergePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.ParentID == "" {
		return fmt.Errorf("missing parentId in payload")
	}

	for attempt := 0; attempt < m.cfg.MergeMaxAttempts; attempt++ {
		parent, err := m.store.Get(ctx, payload.ParentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if parent.Status == StatusCancelled {
			m.logf("merge for job %s stopped: parent cancelled", parent.ID)
			return nil
		}
		if parent.Status.Terminal() {
			return nil
		}

		children, failed, done := m.pollChunks(ctx, payload.ChunkIDs)
		if failed > 0 {
			m.failJobMessage(ctx, parent.ID, fmt.Sprintf("%d of %d chunks failed", failed, len(payload.ChunkIDs)))
			return nil
		}
		if done {
			m.runMerge(ctx, parent, children)
			return nil
		}

		select {
		case <-ctx.Done():
			m.failJobMessage(ctx, parent.ID, "merge interrupted")
			return nil
		case <-time.After(m.cfg.MergePollInterval):
		}
	}

	m.failJobMessage(ctx, payload.ParentID, fmt.Sprintf("timed out waiting for %d chunks", len(payload.ChunkIDs)))
	return nil
}

// pollChunks は子ジョブを作成順で読み出し、失敗数と全完了かどうかを返します。
func (m *Manager) pollChunks(ctx context.Context, chunkIDs []string) ([]*Record, int, bool) {
	children := make([]*Record, 0, len(chunkIDs))
	failed := 0
	completed := 0
	for _, id := range chunkIDs {
		child, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				failed++
			}
			continue
		}
		children = append(children, child)
		switch child.Status {
		case StatusFailed, StatusCancelled:
			failed++
		case StatusCompleted:
			completed++
		}
	}
	return children, failed, completed == len(chunkIDs)
}

func (m *Manager) runMerge(ctx context.Context, parent *Record, children []*Record) {
	started, err := m.store.Update(ctx, parent.ID, func(r *Record) error {
		return r.Begin(time.Now().UTC())
	})
	if err != nil {
		if !errors.Is(err, ErrTerminalState) {
			m.logf("failed to begin merge for job %s: %v", parent.ID, err)
		}
		return
	}

	result, err := m.merger.Merge(ctx, started, children)
	if err != nil {
		m.failJob(ctx, parent.ID, err)
		return
	}
	m.completeJob(ctx, started, result)
}

// completeJob は成果物情報・署名付きトークン・ダウンロードURLを設定して
// ジョブを完了させます。
func (m *Manager) completeJob(ctx context.Context, record *Record, result *Result) {
	if result == nil {
		m.failJobMessage(ctx, record.ID, "materializer returned no result")
		return
	}

	downloadToken, err := m.issuer.Issue(record.ID, record.OwnerID, record.ExpiresAt)
	if err != nil {
		m.failJob(ctx, record.ID, fmt.Errorf("failed to issue download token: %w", err))
		return
	}
	downloadURL := m.buildDownloadURL(downloadToken)

	if _, err := m.store.Update(ctx, record.ID, func(r *Record) error {
		if err := r.Complete(result.Locator, result.FileName, result.Records); err != nil {
			return err
		}
		r.DownloadToken = downloadToken
		r.DownloadURL = downloadURL
		return nil
	}); err != nil {
		if errors.Is(err, ErrTerminalState) {
			// 実行中にキャンセルされた場合はキャンセルのまま据え置く
			m.logf("job %s finished after cancellation, leaving status as is", record.ID)
			return
		}
		m.logf("failed to complete job %s: %v", record.ID, err)
	}
}

func (m *Manager) failJob(ctx context.Context, jobID string, cause error) {
	m.failJobMessage(ctx, jobID, cause.Error())
}

func (m *Manager) failJobMessage(ctx context.Context, jobID, message string) {
	if _, err := m.store.Update(ctx, jobID, func(r *Record) error {
		return r.Fail(message)
	}); err != nil {
		if errors.Is(err, ErrTerminalState) {
			return
		}
		m.logf("failed to mark job %s failed: %v", jobID, err)
	}
}

func (m *Manager) buildDownloadURL(downloadToken string) string {
	base := strings.TrimRight(m.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/api/exports/download?token=%s", base, url.QueryEscape(downloadToken))
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
