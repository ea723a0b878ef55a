// Package storage はオブジェクトストレージの抽象化レイヤーを提供します。
// S3互換ストアとローカルファイルシステムの2つのバックエンドを持ち、
// エクスポート成果物とマルチパートアップロードの両方がこの層を経由します。
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrObjectNotFound はオブジェクトが存在しないことを表します。
	// 到達不能などの一時的な障害とは区別されます。
	ErrObjectNotFound = errors.New("storage: object not found")

	// ErrNotSupported はバックエンドが対応していない操作を表します。
	// （ローカルバックエンドでの署名付きURL生成など）
	ErrNotSupported = errors.New("storage: operation not supported")
)

// CompletedPart はアップロード済みパートの番号とフィンガープリントの組です。
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// Gateway はオブジェクトストレージへの統一的な操作を定義します。
type Gateway interface {
	// Put はデータを保存し、ダウンストリームが参照できるロケーターを返します。
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get はロケーターに対応するデータを読み出します。
	// 存在しない場合は ErrObjectNotFound を返します。
	Get(ctx context.Context, locator string) ([]byte, error)

	// Delete はオブジェクトを削除します。存在しなかった場合は false を返します。
	Delete(ctx context.Context, key string) (bool, error)

	// PresignGet はダウンロード用の署名付きURLを生成します。
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// BeginMultipart はマルチパートアップロードを開始し、トランザクションIDを返します。
	BeginMultipart(ctx context.Context, key, contentType string) (string, error)

	// PresignUploadPart は指定パートのアップロード用署名付きURLを生成します。
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (string, error)

	// CompleteMultipart はパート一覧を結合してアップロードを確定します。
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error)

	// AbortMultipart はアップロードを中断します。トランザクションが既に
	// 存在しない場合もエラーにはなりません。
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// IsRemoteKey はロケーターがリモートストアのキーかどうかを判定します。
	// ローカルフォールバックで書かれた絶対パスと区別するために使います。
	IsRemoteKey(locator string) bool
}
