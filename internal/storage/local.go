package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalGateway はローカルファイルシステムを使う Gateway 実装です。
// S3が未設定の開発環境と、マテリアライザーのフォールバック先として使います。
// 署名付きURLの生成には対応しません。
type LocalGateway struct {
	baseDir string
}

// NewLocalGateway はベースディレクトリを作成して Gateway を返します。
func NewLocalGateway(baseDir string) (*LocalGateway, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &LocalGateway{baseDir: baseDir}, nil
}

// Put はファイルを書き込み、絶対パスをロケーターとして返します。
func (g *LocalGateway) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path := filepath.Join(g.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create dir for %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// Get はロケーター（絶対パスまたはキー）のファイルを読み出します。
func (g *LocalGateway) Get(ctx context.Context, locator string) ([]byte, error) {
	path := locator
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.baseDir, filepath.FromSlash(locator))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", locator, err)
	}
	return data, nil
}

// Delete はファイルを削除します。
func (g *LocalGateway) Delete(ctx context.Context, key string) (bool, error) {
	path := key
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.baseDir, filepath.FromSlash(key))
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return true, nil
}

// PresignGet はローカルバックエンドでは利用できません。
func (g *LocalGateway) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "", ErrNotSupported
}

// BeginMultipart はパート置き場のディレクトリを作りトランザクションIDを返します。
func (g *LocalGateway) BeginMultipart(ctx context.Context, key, contentType string) (string, error) {
	uploadID := uuid.NewString()
	dir := g.multipartDir(uploadID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create multipart dir: %w", err)
	}
	return uploadID, nil
}

// PresignUploadPart はローカルバックエンドでは利用できません。
func (g *LocalGateway) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (string, error) {
	return "", ErrNotSupported
}

// WritePart はパートデータを直接書き込み、フィンガープリントを返します。
// 署名付きURLを持たないローカルバックエンド専用の補助操作です。
func (g *LocalGateway) WritePart(ctx context.Context, uploadID string, partNumber int, data []byte) (string, error) {
	dir := g.multipartDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", ErrObjectNotFound
		}
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("part-%05d", partNumber))
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write part %d: %w", partNumber, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CompleteMultipart はパートファイルを番号順に連結して成果物を書き出します。
func (g *LocalGateway) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	dir := g.multipartDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", ErrObjectNotFound
		}
		return "", err
	}

	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var assembled []byte
	for _, p := range sorted {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("part-%05d", p.PartNumber)))
		if err != nil {
			return "", fmt.Errorf("failed to read part %d: %w", p.PartNumber, err)
		}
		assembled = append(assembled, data...)
	}

	locator, err := g.Put(ctx, key, assembled, "")
	if err != nil {
		return "", err
	}
	_ = os.RemoveAll(dir)
	return locator, nil
}

// AbortMultipart はパート置き場を破棄します。既に存在しなくてもエラーにはなりません。
func (g *LocalGateway) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return os.RemoveAll(g.multipartDir(uploadID))
}

// IsRemoteKey はローカルバックエンドでは常に false を返します。
func (g *LocalGateway) IsRemoteKey(locator string) bool {
	return false
}

func (g *LocalGateway) multipartDir(uploadID string) string {
	// uploadIDはuuidだが、パス結合前に念のため区切り文字を落とす
	safe := strings.ReplaceAll(uploadID, string(os.PathSeparator), "_")
	return filepath.Join(g.baseDir, ".multipart", safe)
}
