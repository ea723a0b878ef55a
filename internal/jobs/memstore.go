package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore はメモリ上にジョブを保持する Store 実装です。
// テストとRedisを立てないローカル実行のために使います。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create は新規レコードを保存します。
func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("record with ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; ok {
		return fmt.Errorf("job already exists: %s", record.ID)
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	s.records[record.ID] = record.Clone()
	return nil
}

// Get はジョブ情報を取得します。存在しない場合は ErrNotFound を返します。
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

// Update はロック下で読み出し・変更・書き戻しを行います。
func (s *MemoryStore) Update(ctx context.Context, jobID string, mutate func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	updated := record.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()
	s.records[jobID] = updated
	return updated.Clone(), nil
}
