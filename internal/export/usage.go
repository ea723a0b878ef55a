package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const usageKeyPrefix = "export:usage:"

// RedisUsageRecorder はエクスポート受付時の利用量を所有者・日付別の
// カウンターとしてRedisへ記録します。
type RedisUsageRecorder struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisUsageRecorder は RedisUsageRecorder を作成します。
// ttl が0以下の場合カウンターは失効しません。
func NewRedisUsageRecorder(rdb *redis.Client, ttl time.Duration) (*RedisUsageRecorder, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &RedisUsageRecorder{rdb: rdb, ttl: ttl}, nil
}

// RecordExport は指定所有者の当日カウンターへレコード数を加算します。
func (r *RedisUsageRecorder) RecordExport(ctx context.Context, ownerID string, records int) error {
	if ownerID == "" || records <= 0 {
		return nil
	}

	day := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("%s%s:%s", usageKeyPrefix, ownerID, day)

	pipe := r.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, int64(records))
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record export usage: %w", err)
	}
	return nil
}
