package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const jobKeyPrefix = "export:job:"

// Store はジョブレコードの永続化を抽象化します。
// Update の mutate がエラーを返した場合、書き込みは行われません。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	Update(ctx context.Context, jobID string, mutate func(*Record) error) (*Record, error)
}

// RedisStore はジョブ状態を Redis に保存します。
// ジョブキーにはTTLが設定され、期限切れレコードの破棄はRedisに任せます。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create は新規レコードを保存します。同一IDが既に存在する場合はエラーになります。
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("record with ID is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.ID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job already exists: %s", record.ID)
	}
	return nil
}

// Get はジョブ情報を取得します。存在しない場合は ErrNotFound を返します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Update は読み出し・変更・書き戻しを楽観的トランザクションで行います。
func (s *RedisStore) Update(ctx context.Context, jobID string, mutate func(*Record) error) (*Record, error) {
	key := jobKey(jobID)
	var updated *Record
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return ErrNotFound
				}
				return err
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			if err := mutate(&record); err != nil {
				return err
			}
			record.UpdatedAt = time.Now().UTC()
			payload, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			if err != nil {
				return err
			}
			updated = &record
			return nil
		}, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
