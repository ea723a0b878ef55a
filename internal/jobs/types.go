package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status はエクスポートジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal は終端状態（これ以上遷移しない状態）かどうかを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CancelMessage はユーザー操作によるキャンセル時に設定されるメッセージです。
const CancelMessage = "cancelled by user"

var (
	// ErrNotFound はジョブが存在しない（または期限切れで消えた）ことを表します。
	ErrNotFound = errors.New("jobs: job not found")

	// ErrTerminalState は終端状態のジョブへの遷移要求を表します。
	ErrTerminalState = errors.New("jobs: job is in a terminal state")

	// ErrInvalidTransition は状態遷移グラフにない遷移要求を表します。
	ErrInvalidTransition = errors.New("jobs: invalid status transition")

	// ErrProgressRegression は進捗の巻き戻し（減少する processed 値）を表します。
	ErrProgressRegression = errors.New("jobs: progress must be non-decreasing")

	// ErrEmptySelection は空のレコード選択によるジョブ作成要求を表します。
	ErrEmptySelection = errors.New("jobs: selection is empty")
)

// Record はエクスポートジョブの現在状態を表します。
type Record struct {
	ID      string `json:"jobId"`
	OwnerID string `json:"ownerId"`
	Kind    string `json:"kind"`

	// Merged はチャンク分割された親ジョブであることを示します。
	Merged bool `json:"merged,omitempty"`

	// Selection はエクスポート対象のレコードID列です（親ジョブでは空）。
	Selection []string `json:"selection,omitempty"`

	// ChunkIDs は親ジョブにおける子ジョブIDの作成順リストです。
	ChunkIDs []string `json:"chunkIds,omitempty"`
	ParentID string   `json:"parentId,omitempty"`

	Status           Status `json:"status"`
	RecordsProcessed int    `json:"recordsProcessed"`
	TotalRecords     int    `json:"totalRecords"`

	StorageLocator string `json:"storageLocator,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	DownloadToken  string `json:"downloadToken,omitempty"`
	DownloadURL    string `json:"downloadUrl,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ProgressPercent は進捗率を返します。total が 0 の場合は 0 を返します。
func (r *Record) ProgressPercent() float64 {
	if r.TotalRecords <= 0 {
		return 0
	}
	return 100 * float64(r.RecordsProcessed) / float64(r.TotalRecords)
}

// EstimatedTimeRemaining は処理開始からのスループットを元に残り時間を見積もります。
// 見積もれない場合は 0 を返します。
func (r *Record) EstimatedTimeRemaining(now time.Time) time.Duration {
	if r.Status != StatusProcessing || r.RecordsProcessed <= 0 || r.StartedAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(r.StartedAt)
	if elapsed <= 0 {
		return 0
	}
	remaining := r.TotalRecords - r.RecordsProcessed
	if remaining <= 0 {
		return 0
	}
	perRecord := elapsed / time.Duration(r.RecordsProcessed)
	return perRecord * time.Duration(remaining)
}

// Begin は pending → processing の遷移を適用します。
func (r *Record) Begin(now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	if r.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusProcessing)
	}
	r.Status = StatusProcessing
	r.StartedAt = now
	return nil
}

// SetProgress は処理済み件数を更新します。巻き戻しと総数超過は拒否します。
func (r *Record) SetProgress(processed, total int) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	if processed < r.RecordsProcessed {
		return ErrProgressRegression
	}
	if total > 0 && processed > total {
		return fmt.Errorf("jobs: processed %d exceeds total %d", processed, total)
	}
	r.RecordsProcessed = processed
	if total > 0 {
		r.TotalRecords = total
	}
	return nil
}

// Complete は processing → completed の遷移を適用し、成果物情報を設定します。
func (r *Record) Complete(locator, fileName string, records int) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	if r.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusCompleted)
	}
	r.Status = StatusCompleted
	r.StorageLocator = locator
	r.FileName = fileName
	if records > 0 {
		r.RecordsProcessed = records
		r.TotalRecords = records
	} else {
		r.RecordsProcessed = r.TotalRecords
	}
	r.ErrorMessage = ""
	return nil
}

// Fail は非終端状態から failed への遷移を適用します。
func (r *Record) Fail(message string) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	r.Status = StatusFailed
	r.ErrorMessage = message
	return nil
}

// Cancel は pending|processing → cancelled の遷移を適用します。
func (r *Record) Cancel() error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	r.Status = StatusCancelled
	r.ErrorMessage = CancelMessage
	return nil
}

// Clone はスライスも含めた深いコピーを返します。
func (r *Record) Clone() *Record {
	clone := *r
	if r.Selection != nil {
		clone.Selection = append([]string(nil), r.Selection...)
	}
	if r.ChunkIDs != nil {
		clone.ChunkIDs = append([]string(nil), r.ChunkIDs...)
	}
	return &clone
}
