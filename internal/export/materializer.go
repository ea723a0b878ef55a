package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"

	"github.com/yourusername/export-hub/internal/jobs"
	"github.com/yourusername/export-hub/internal/storage"
)

// ErrCancelled は協調キャンセルのチェックポイントで実行が打ち切られたことを表します。
var ErrCancelled = errors.New("export: job cancelled")

// Materializer はレコード選択を1つのCSVファイルへ書き出します。
// バッチ単位でストリーム書き込みするため、メモリ使用量は選択サイズに依存しません。
type Materializer struct {
	primary  storage.Gateway
	fallback storage.Gateway
	source   RecordSource
	batch    int
	logger   *log.Logger
}

// NewMaterializer は Materializer を作成します。
// fallback はプライマリストアの put 失敗時に一度だけ使われます（nil可）。
func NewMaterializer(primary, fallback storage.Gateway, source RecordSource, batchSize int, logger *log.Logger) (*Materializer, error) {
	if primary == nil {
		return nil, errors.New("primary gateway is nil")
	}
	if source == nil {
		return nil, errors.New("record source is nil")
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Materializer{
		primary:  primary,
		fallback: fallback,
		source:   source,
		batch:    batchSize,
		logger:   logger,
	}, nil
}

// Run はジョブのマテリアライズを実行し、ストレージロケーターを返します。
// report へは各バッチ後に単調非減少の processed を渡します。cancelled が
// true を返した時点で処理を中断します。
func (m *Materializer) Run(ctx context.Context, record *jobs.Record, report func(processed, total int), cancelled func() bool) (*jobs.Result, error) {
	kind, err := ParseKind(record.Kind)
	if err != nil {
		return nil, err
	}
	if len(record.Selection) == 0 {
		return nil, jobs.ErrEmptySelection
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(kind.Header()); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	total := len(record.Selection)
	processed := 0
	for start := 0; start < total; start += m.batch {
		if cancelled != nil && cancelled() {
			return nil, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + m.batch
		if end > total {
			end = total
		}
		rows, err := m.source.FetchBatch(ctx, kind, record.Selection[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to fetch records %d-%d: %w", start, end, err)
		}
		for _, row := range rows {
			if err := writer.Write(row.CSVRow()); err != nil {
				return nil, fmt.Errorf("failed to write row: %w", err)
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, err
		}

		processed = end
		if report != nil {
			report(processed, total)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}

	locator, err := m.put(ctx, storage.ExportKey(record.ID), buf.Bytes())
	if err != nil {
		return nil, err
	}

	return &jobs.Result{
		Locator:  locator,
		FileName: displayFileName(kind, record.ID),
		Records:  processed,
	}, nil
}

// put はプライマリストアへの保存を試み、失敗した場合は一度だけ
// フォールバック先へ書きます。フォールバック後の失敗はハードエラーです。
func (m *Materializer) put(ctx context.Context, key string, data []byte) (string, error) {
	locator, err := m.primary.Put(ctx, key, data, "text/csv")
	if err == nil {
		return locator, nil
	}
	if m.fallback == nil {
		return "", fmt.Errorf("storage put failed: %w", err)
	}

	m.logf("primary storage put failed for %s, falling back to local: %v", key, err)
	locator, fallbackErr := m.fallback.Put(ctx, key, data, "text/csv")
	if fallbackErr != nil {
		return "", fmt.Errorf("storage put failed after fallback: %w", fallbackErr)
	}
	return locator, nil
}

func (m *Materializer) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

func displayFileName(kind Kind, jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-export-%s.csv", kind, short)
}
