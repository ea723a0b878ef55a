package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const recordKeyPrefix = "export:data:"

// RedisSource はRedisにJSONで格納されたレコードを読み出す RecordSource 実装です。
// キーは export:data:<kind>:<id> の形式です。
type RedisSource struct {
	rdb *redis.Client
}

// NewRedisSource は RedisSource を作成します。
func NewRedisSource(rdb *redis.Client) (*RedisSource, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &RedisSource{rdb: rdb}, nil
}

type contactDocument struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     *string   `json:"email,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	Company   *string   `json:"company,omitempty"`
	City      *string   `json:"city,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type companyDocument struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    *string   `json:"domain,omitempty"`
	Industry  *string   `json:"industry,omitempty"`
	Employees *int      `json:"employees,omitempty"`
	City      *string   `json:"city,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// FetchBatch は指定IDのレコードをMGETでまとめて取得します。
// 存在しないIDは読み飛ばします。
func (s *RedisSource) FetchBatch(ctx context.Context, kind Kind, ids []string) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprintf("%s%s:%s", recordKeyPrefix, kind, id)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}

	rows := make([]Row, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok || raw == "" {
			continue
		}
		row, err := decodeRow(kind, []byte(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", ids[i], err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeRow(kind Kind, raw []byte) (Row, error) {
	switch kind {
	case KindContacts:
		var doc contactDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		return ContactRecord{
			ID:        doc.ID,
			FirstName: doc.FirstName,
			LastName:  doc.LastName,
			Email:     doc.Email,
			Phone:     doc.Phone,
			Company:   doc.Company,
			City:      doc.City,
			CreatedAt: doc.CreatedAt,
		}, nil
	case KindCompanies:
		var doc companyDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		return CompanyRecord{
			ID:        doc.ID,
			Name:      doc.Name,
			Domain:    doc.Domain,
			Industry:  doc.Industry,
			Employees: doc.Employees,
			City:      doc.City,
			CreatedAt: doc.CreatedAt,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported export kind: %s", kind)
	}
}
