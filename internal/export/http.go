package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/export-hub/internal/auth"
	"github.com/yourusername/export-hub/internal/jobs"
	"github.com/yourusername/export-hub/internal/storage"
	"github.com/yourusername/export-hub/internal/token"
)

// JobService はエクスポートジョブの作成・参照・キャンセルを提供します。
type JobService interface {
	CreateExport(ctx context.Context, ownerID, kind string, selection []string) (*jobs.Record, error)
	CreateChunkedExport(ctx context.Context, ownerID, kind string, chunks [][]string) (*jobs.Record, error)
	GetRecord(ctx context.Context, jobID string) (*jobs.Record, error)
	Cancel(ctx context.Context, jobID string) (*jobs.Record, error)
}

// TokenVerifier はダウンロードトークンを検証します。
type TokenVerifier interface {
	Verify(tokenString string) (*token.Claims, error)
}

type createRequest struct {
	Kind      string   `json:"kind" binding:"required"`
	RecordIDs []string `json:"recordIds" binding:"required"`
	ChunkSize int      `json:"chunkSize"`
}

// CreateHandler は POST /api/exports のハンドラーを返します。
// chunkSize が指定され選択がそれを超える場合はチャンク分割ジョブになります。
func CreateHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}

		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "kind と recordIds を JSON で送ってください。",
			})
			return
		}

		kind, err := ParseKind(req.Kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "kind には contacts または companies を指定してください。",
			})
			return
		}
		if len(req.RecordIDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "エクスポート対象のレコードIDを1件以上指定してください。",
			})
			return
		}
		if req.ChunkSize < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "chunkSize には 0 以上の値を指定してください。",
			})
			return
		}

		var record *jobs.Record
		if req.ChunkSize > 0 && len(req.RecordIDs) > req.ChunkSize {
			record, err = svc.CreateChunkedExport(c.Request.Context(), ownerID, string(kind), splitChunks(req.RecordIDs, req.ChunkSize))
		} else {
			record, err = svc.CreateExport(c.Request.Context(), ownerID, string(kind), req.RecordIDs)
		}
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, statusPayload(record))
	}
}

// StatusHandler は GET /api/exports/:id のハンドラーを返します。
func StatusHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}

		record, ok := loadOwnedRecord(c, svc, ownerID)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, statusPayload(record))
	}
}

// CancelHandler は POST /api/exports/:id/cancel のハンドラーを返します。
// 既に completed/failed のジョブは状態を変えず現在の状態を返します。
func CancelHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}

		record, ok := loadOwnedRecord(c, svc, ownerID)
		if !ok {
			return
		}

		cancelled, err := svc.Cancel(c.Request.Context(), record.ID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, statusPayload(cancelled))
	}
}

// DownloadHandler は GET /api/exports/download のハンドラーを返します。
// 署名付きトークンのみで認可するため、セッション認証の外に配置できます。
// フォールバック保存された成果物はローカルゲートウェイから読み出します。
func DownloadHandler(svc JobService, verifier TokenVerifier, primary, fallback storage.Gateway, presignTTL time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := strings.TrimSpace(c.Query("token"))
		if tokenString == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "token を指定してください。",
			})
			return
		}

		claims, err := verifier.Verify(tokenString)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "TOKEN_INVALID",
				"message": "トークンが無効または期限切れです。",
			})
			return
		}

		record, err := svc.GetRecord(c.Request.Context(), claims.JobID)
		if err != nil || record.OwnerID != claims.OwnerID {
			// トークンは本物でも、対象ジョブとの一致は別途確認する
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		if record.Status != jobs.StatusCompleted || record.StorageLocator == "" {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "EXPORT_NOT_READY",
				"message": "エクスポートはまだ完了していません。",
			})
			return
		}

		gateway := fallback
		if primary.IsRemoteKey(record.StorageLocator) {
			gateway = primary
			signed, err := gateway.PresignGet(c.Request.Context(), record.StorageLocator, presignTTL)
			if err == nil {
				c.Redirect(http.StatusFound, signed)
				return
			}
			if !errors.Is(err, storage.ErrNotSupported) {
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    "INTERNAL_ERROR",
					"message": "ダウンロードURLの生成に失敗しました。",
				})
				return
			}
		}

		data, err := gateway.Get(c.Request.Context(), record.StorageLocator)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "EXPORT_FILE_NOT_FOUND",
					"message": "エクスポート成果物が見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "エクスポート成果物の取得に失敗しました。",
			})
			return
		}

		encodedName := url.PathEscape(record.FileName)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", record.FileName, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", record.ID)
		c.Data(http.StatusOK, "text/csv", data)
	}
}

func requireOwner(c *gin.Context) (string, bool) {
	ownerID := c.GetString(auth.ContextUserKey)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です。",
		})
		return "", false
	}
	return ownerID, true
}

func loadOwnedRecord(c *gin.Context, svc JobService, ownerID string) (*jobs.Record, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return nil, false
	}

	record, err := svc.GetRecord(c.Request.Context(), jobID)
	if err != nil {
		respondWithError(c, err)
		return nil, false
	}
	if record.OwnerID != ownerID {
		// 所有者以外には存在自体を秘匿する
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
		return nil, false
	}
	return record, true
}

func statusPayload(record *jobs.Record) gin.H {
	payload := gin.H{
		"jobId":            record.ID,
		"kind":             record.Kind,
		"status":           record.Status,
		"recordsProcessed": record.RecordsProcessed,
		"totalRecords":     record.TotalRecords,
		"expiresAt":        record.ExpiresAt,
	}
	if record.TotalRecords > 0 {
		payload["progressPercentage"] = record.ProgressPercent()
	}
	if eta := record.EstimatedTimeRemaining(time.Now().UTC()); eta > 0 {
		payload["estimatedTimeRemaining"] = int64(eta.Seconds())
	}
	if record.DownloadURL != "" {
		payload["downloadUrl"] = record.DownloadURL
	}
	if record.ErrorMessage != "" {
		payload["errorMessage"] = record.ErrorMessage
	}
	return payload
}

func splitChunks(ids []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, jobs.ErrEmptySelection):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "エクスポート対象のレコードIDを1件以上指定してください。",
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
