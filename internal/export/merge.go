package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/yourusername/export-hub/internal/jobs"
	"github.com/yourusername/export-hub/internal/storage"
)

// Merger は完了済みチャンクの成果物を1つのCSVへ連結します。
// 出力は完了順ではなくチャンク作成順で決定的になります。
type Merger struct {
	primary  storage.Gateway
	fallback storage.Gateway
	logger   *log.Logger
}

// NewMerger は Merger を作成します。fallback は nil 可です。
func NewMerger(primary, fallback storage.Gateway, logger *log.Logger) (*Merger, error) {
	if primary == nil {
		return nil, errors.New("primary gateway is nil")
	}
	return &Merger{primary: primary, fallback: fallback, logger: logger}, nil
}

// Merge は親ジョブの ChunkIDs の順に子の成果物を読み出し、ヘッダー行は
// 先頭チャンクの1回だけ書いて連結します。
func (m *Merger) Merge(ctx context.Context, parent *jobs.Record, children []*jobs.Record) (*jobs.Result, error) {
	if len(parent.ChunkIDs) == 0 {
		return nil, errors.New("parent has no chunks")
	}

	byID := make(map[string]*jobs.Record, len(children))
	for _, child := range children {
		byID[child.ID] = child
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	records := 0

	for i, chunkID := range parent.ChunkIDs {
		child, ok := byID[chunkID]
		if !ok || child.Status != jobs.StatusCompleted {
			return nil, fmt.Errorf("chunk %d (%s) is not completed", i+1, chunkID)
		}

		data, err := m.read(ctx, child.StorageLocator)
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %d output: %w", i+1, err)
		}

		rows, err := readAllRows(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse chunk %d output: %w", i+1, err)
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("chunk %d output is empty", i+1)
		}

		start := 1
		if i == 0 {
			// ヘッダー行は先頭チャンクからのみ引き継ぐ
			start = 0
		}
		for _, row := range rows[start:] {
			if err := writer.Write(row); err != nil {
				return nil, err
			}
		}
		records += len(rows) - 1
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}

	locator, err := m.put(ctx, storage.ExportKey(parent.ID), buf.Bytes())
	if err != nil {
		return nil, err
	}

	kind, err := ParseKind(parent.Kind)
	if err != nil {
		return nil, err
	}
	return &jobs.Result{
		Locator:  locator,
		FileName: displayFileName(kind, parent.ID),
		Records:  records,
	}, nil
}

// read は子の成果物を読み出します。子ごとにリモートキーとローカル
// フォールバックパスのどちらで完了したかが異なるため、ロケーターの
// 種別を見て読み元を切り替えます。
func (m *Merger) read(ctx context.Context, locator string) ([]byte, error) {
	if m.primary.IsRemoteKey(locator) {
		return m.primary.Get(ctx, locator)
	}
	if m.fallback != nil {
		return m.fallback.Get(ctx, locator)
	}
	return m.primary.Get(ctx, locator)
}

func (m *Merger) put(ctx context.Context, key string, data []byte) (string, error) {
	locator, err := m.primary.Put(ctx, key, data, "text/csv")
	if err == nil {
		return locator, nil
	}
	if m.fallback == nil {
		return "", fmt.Errorf("storage put failed: %w", err)
	}
	if m.logger != nil {
		m.logger.Printf("primary storage put failed for %s, falling back to local: %v", key, err)
	}
	locator, fallbackErr := m.fallback.Put(ctx, key, data, "text/csv")
	if fallbackErr != nil {
		return "", fmt.Errorf("storage put failed after fallback: %w", fallbackErr)
	}
	return locator, nil
}

func readAllRows(data []byte) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	// チャンクごとに列数が揃っている保証はここでは不要
	reader.FieldsPerRecord = -1
	var rows [][]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}
