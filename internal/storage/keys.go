package storage

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	exportPrefix = "exports"
	uploadPrefix = "uploads"
)

// ExportKey はエクスポート成果物のキーを返します。
func ExportKey(jobID string) string {
	return fmt.Sprintf("%s/%s.csv", exportPrefix, jobID)
}

// UploadKey はアップロードファイルのキーを返します。
// 同名ファイルの衝突を避けるためタイムスタンプを含めます。
func UploadKey(ownerID, fileName string, now time.Time) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "upload.bin"
	}
	return fmt.Sprintf("%s/%s/%d_%s", uploadPrefix, ownerID, now.Unix(), base)
}
