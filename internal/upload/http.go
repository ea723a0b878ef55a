package upload

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/export-hub/internal/auth"
)

type initiateRequest struct {
	FileName    string `json:"fileName" binding:"required"`
	FileSize    int64  `json:"fileSize" binding:"required"`
	ContentType string `json:"contentType"`
}

// InitiateHandler は POST /api/uploads のハンドラーを返します。
func InitiateHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}

		var req initiateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "fileName と fileSize を JSON で送ってください。",
			})
			return
		}
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		result, err := svc.Initiate(c.Request.Context(), ownerID, req.FileName, req.FileSize, contentType)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

// AuthorizePartHandler は GET /api/uploads/:id/parts/:part のハンドラーを返します。
// 登録済みのパートに対しては新しいURLを発行せずフィンガープリントを返します。
func AuthorizePartHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}
		sessionID, partNumber, ok := sessionAndPart(c)
		if !ok {
			return
		}

		authz, err := svc.AuthorizePart(c.Request.Context(), ownerID, sessionID, partNumber)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, authz)
	}
}

type registerPartRequest struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
}

// RegisterPartHandler は PUT /api/uploads/:id/parts/:part のハンドラーを返します。
func RegisterPartHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}
		sessionID, partNumber, ok := sessionAndPart(c)
		if !ok {
			return
		}

		var req registerPartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "fingerprint を JSON で送ってください。",
			})
			return
		}

		if err := svc.RegisterPart(c.Request.Context(), ownerID, sessionID, partNumber, req.Fingerprint); err != nil {
			respondWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// CompleteHandler は POST /api/uploads/:id/complete のハンドラーを返します。
func CompleteHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}
		sessionID := strings.TrimSpace(c.Param("id"))

		result, err := svc.Complete(c.Request.Context(), ownerID, sessionID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// AbortHandler は DELETE /api/uploads/:id のハンドラーを返します。
func AbortHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}
		sessionID := strings.TrimSpace(c.Param("id"))

		if err := svc.Abort(c.Request.Context(), ownerID, sessionID); err != nil {
			respondWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// StatusHandler は GET /api/uploads/:id のハンドラーを返します。
func StatusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := requireOwner(c)
		if !ok {
			return
		}
		sessionID := strings.TrimSpace(c.Param("id"))

		status, err := svc.SessionStatus(ownerID, sessionID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
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

func sessionAndPart(c *gin.Context) (string, int, bool) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "sessionId を指定してください。",
		})
		return "", 0, false
	}
	partNumber, err := strconv.Atoi(strings.TrimSpace(c.Param("part")))
	if err != nil || partNumber < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "partNumber には 1 以上の整数を指定してください。",
		})
		return "", 0, false
	}
	return sessionID, partNumber, true
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		if apiErr.Code == "LIMIT_EXCEEDED" {
			status = http.StatusRequestEntityTooLarge
		}
		if apiErr.Code == "UPLOAD_INCOMPLETE" {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "SESSION_NOT_FOUND",
			"message": "アップロードセッションが存在しないか期限切れです。",
		})
	case errors.Is(err, ErrSessionClosed):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "SESSION_CLOSED",
			"message": "このセッションは既に終了しています。",
		})
	case errors.Is(err, ErrPartOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "partNumber が許容範囲を超えています。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
