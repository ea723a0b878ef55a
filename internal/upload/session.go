// Package upload は再開可能なマルチパートアップロードを管理します。
package upload

import (
	"errors"
	"sync"
	"time"
)

// SessionStatus はアップロードセッションの状態を表します。
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionAborted    SessionStatus = "aborted"
)

var (
	// ErrSessionNotFound はセッションが存在しない、または期限切れであることを表します。
	ErrSessionNotFound = errors.New("upload: session not found")

	// ErrSessionClosed は in_progress でないセッションへのパート登録を表します。
	ErrSessionClosed = errors.New("upload: session is not in progress")

	// ErrPartOutOfRange は [1, totalParts] の範囲外のパート番号を表します。
	ErrPartOutOfRange = errors.New("upload: part number out of range")
)

// Session は1件のマルチパートアップロードの状態です。
type Session struct {
	ID       string `json:"sessionId"`
	OwnerID  string `json:"ownerId"`
	FileName string `json:"fileName"`

	// Key は保存先ストレージキー、UploadID はストア側のトランザクションIDです。
	Key      string `json:"storageKey"`
	UploadID string `json:"uploadId"`

	FileSize int64 `json:"fileSize"`
	PartSize int64 `json:"partSize"`

	// Parts は1始まりのパート番号からフィンガープリントへの対応です。
	Parts map[int]string `json:"parts"`

	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastUpdated time.Time     `json:"lastUpdated"`
}

// TotalParts は ceil(FileSize / PartSize) を返します。
func (s *Session) TotalParts() int {
	if s.PartSize <= 0 {
		return 0
	}
	return int((s.FileSize + s.PartSize - 1) / s.PartSize)
}

// LastPartSize は最終パートのバイト数を返します。最終パート以外は PartSize です。
func (s *Session) LastPartSize() int64 {
	total := s.TotalParts()
	if total == 0 {
		return 0
	}
	return s.FileSize - int64(total-1)*s.PartSize
}

func (s *Session) clone() *Session {
	copied := *s
	copied.Parts = make(map[int]string, len(s.Parts))
	for k, v := range s.Parts {
		copied.Parts[k] = v
	}
	return &copied
}

// Registry はセッションをメモリ上で管理します。TTLを過ぎたセッションは
// 読み出し時に破棄されます（遅延削除）。グローバル変数ではなく、
// 利用側へ明示的に注入して使います。
//
// 同一セッションの異なるパート番号が並行して登録されるため、
// すべての操作はレジストリ全体のミューテックスで直列化されます。
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration

	// now はテストで時刻を差し替えるためのフックです。
	now func() time.Time
}

// NewRegistry は空のレジストリを作成します。
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create はセッションを in_progress で登録します。
func (r *Registry) Create(session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session with ID is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return errors.New("session already exists: " + session.ID)
	}
	now := r.now().UTC()
	session.Status = SessionInProgress
	session.CreatedAt = now
	session.LastUpdated = now
	if session.Parts == nil {
		session.Parts = make(map[int]string)
	}
	r.sessions[session.ID] = session.clone()
	return nil
}

// Get はセッションのスナップショットを返します。
// TTLを過ぎていた場合はその場で破棄し ErrSessionNotFound を返します。
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.locked(sessionID)
	if err != nil {
		return nil, err
	}
	return session.clone(), nil
}

// RegisterPart はアップロード済みパートのフィンガープリントを記録し、
// LastUpdated を更新します。同じパート番号への再登録は上書きになります。
func (r *Registry) RegisterPart(sessionID string, partNumber int, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.locked(sessionID)
	if err != nil {
		return err
	}
	if session.Status != SessionInProgress {
		return ErrSessionClosed
	}
	if partNumber < 1 || partNumber > session.TotalParts() {
		return ErrPartOutOfRange
	}
	session.Parts[partNumber] = fingerprint
	session.LastUpdated = r.now().UTC()
	return nil
}

// SetStatus はセッションの状態を変更します。
func (r *Registry) SetStatus(sessionID string, status SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.locked(sessionID)
	if err != nil {
		return err
	}
	session.Status = status
	session.LastUpdated = r.now().UTC()
	return nil
}

// Delete はセッションを破棄します。存在しなくてもエラーにはなりません。
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// locked は呼び出し側がロックを保持している前提でセッションを返します。
// TTL超過の破棄もロック内で行い、並行する登録と競合しないようにします。
func (r *Registry) locked(sessionID string) (*Session, error) {
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if r.ttl > 0 && r.now().UTC().Sub(session.LastUpdated) > r.ttl {
		delete(r.sessions, sessionID)
		return nil, ErrSessionNotFound
	}
	return session, nil
}
