package upload

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/export-hub/internal/storage"
)

// Service はセッションレジストリとストレージゲートウェイをまたぐ
// アップロードプロトコル一式を提供します。
type Service struct {
	registry   *Registry
	gateway    storage.Gateway
	partSize   int64
	maxSize    int64
	presignTTL time.Duration
	logger     *log.Logger
}

// NewService は Service を作成します。
func NewService(registry *Registry, gateway storage.Gateway, partSize, maxSize int64, presignTTL time.Duration, logger *log.Logger) (*Service, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if gateway == nil {
		return nil, errors.New("gateway is nil")
	}
	if partSize <= 0 {
		return nil, errors.New("partSize must be positive")
	}
	return &Service{
		registry:   registry,
		gateway:    gateway,
		partSize:   partSize,
		maxSize:    maxSize,
		presignTTL: presignTTL,
		logger:     logger,
	}, nil
}

// InitiateResult はアップロード開始時にクライアントへ返す情報です。
type InitiateResult struct {
	SessionID string `json:"sessionId"`
	Key       string `json:"storageKey"`
	UploadID  string `json:"uploadId"`
	PartSize  int64  `json:"partSize"`
	PartCount int    `json:"partCount"`
}

// Initiate はマルチパートアップロードを開始しセッションを登録します。
func (s *Service) Initiate(ctx context.Context, ownerID, fileName string, fileSize int64, contentType string) (*InitiateResult, error) {
	if ownerID == "" {
		return nil, errors.New("ownerID is required")
	}
	if fileName == "" {
		return nil, newError("INVALID_INPUT", "ファイル名を指定してください。", nil)
	}
	if fileSize <= 0 {
		return nil, newError("INVALID_INPUT", "ファイルサイズには正の値を指定してください。", nil)
	}
	if s.maxSize > 0 && fileSize > s.maxSize {
		return nil, newError("LIMIT_EXCEEDED", fmt.Sprintf("ファイルサイズが上限 %d バイトを超えています。", s.maxSize), nil)
	}

	key := storage.UploadKey(ownerID, fileName, time.Now().UTC())
	uploadID, err := s.gateway.BeginMultipart(ctx, key, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to begin multipart upload: %w", err)
	}

	session := &Session{
		ID:       uuid.NewString(),
		OwnerID:  ownerID,
		FileName: fileName,
		Key:      key,
		UploadID: uploadID,
		FileSize: fileSize,
		PartSize: s.partSize,
	}
	if err := s.registry.Create(session); err != nil {
		// セッションを登録できなければストア側のトランザクションも畳む
		if abortErr := s.gateway.AbortMultipart(ctx, key, uploadID); abortErr != nil {
			s.logf("failed to abort orphan multipart upload %s: %v", uploadID, abortErr)
		}
		return nil, err
	}

	return &InitiateResult{
		SessionID: session.ID,
		Key:       key,
		UploadID:  uploadID,
		PartSize:  session.PartSize,
		PartCount: session.TotalParts(),
	}, nil
}

// PartAuthorization はパートアップロード許可の結果です。
// 登録済みパートの場合はURLを発行せず既存のフィンガープリントを返します。
type PartAuthorization struct {
	PartNumber      int    `json:"partNumber"`
	URL             string `json:"url,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	AlreadyUploaded bool   `json:"alreadyUploaded"`
}

// AuthorizePart は指定パートの署名付きアップロードURLを発行します。
func (s *Service) AuthorizePart(ctx context.Context, ownerID, sessionID string, partNumber int) (*PartAuthorization, error) {
	session, err := s.ownedSession(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionInProgress {
		return nil, ErrSessionClosed
	}
	if partNumber < 1 || partNumber > session.TotalParts() {
		return nil, ErrPartOutOfRange
	}

	if fingerprint, ok := session.Parts[partNumber]; ok {
		return &PartAuthorization{
			PartNumber:      partNumber,
			Fingerprint:     fingerprint,
			AlreadyUploaded: true,
		}, nil
	}

	url, err := s.gateway.PresignUploadPart(ctx, session.Key, session.UploadID, partNumber, s.presignTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to presign part %d: %w", partNumber, err)
	}
	return &PartAuthorization{PartNumber: partNumber, URL: url}, nil
}

// RegisterPart はアップロード完了したパートのフィンガープリントを記録します。
func (s *Service) RegisterPart(ctx context.Context, ownerID, sessionID string, partNumber int, fingerprint string) error {
	if fingerprint == "" {
		return newError("INVALID_INPUT", "フィンガープリントを指定してください。", nil)
	}
	if _, err := s.ownedSession(ownerID, sessionID); err != nil {
		return err
	}
	return s.registry.RegisterPart(sessionID, partNumber, fingerprint)
}

// CompleteResult はアップロード確定後の保存先情報です。
type CompleteResult struct {
	Key     string `json:"storageKey"`
	Locator string `json:"locator"`
}

// Complete は全パートの登録を確認したうえでストア側の結合を実行します。
func (s *Service) Complete(ctx context.Context, ownerID, sessionID string) (*CompleteResult, error) {
	session, err := s.ownedSession(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionInProgress {
		return nil, ErrSessionClosed
	}

	total := session.TotalParts()
	parts := make([]storage.CompletedPart, 0, total)
	for n := 1; n <= total; n++ {
		fingerprint, ok := session.Parts[n]
		if !ok {
			return nil, newError("UPLOAD_INCOMPLETE",
				fmt.Sprintf("パート %d が未アップロードです（全%dパート）。", n, total), nil)
		}
		parts = append(parts, storage.CompletedPart{PartNumber: n, ETag: fingerprint})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	locator, err := s.gateway.CompleteMultipart(ctx, session.Key, session.UploadID, parts)
	if err != nil {
		return nil, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	if err := s.registry.SetStatus(sessionID, SessionCompleted); err != nil {
		s.logf("failed to mark session %s completed: %v", sessionID, err)
	}
	s.registry.Delete(sessionID)

	return &CompleteResult{Key: session.Key, Locator: locator}, nil
}

// Abort はアップロードを中断してセッションを破棄します。
// ストア側の中断はベストエフォートで、失敗してもセッションは片付けます。
func (s *Service) Abort(ctx context.Context, ownerID, sessionID string) error {
	session, err := s.ownedSession(ownerID, sessionID)
	if err != nil {
		return err
	}

	if err := s.gateway.AbortMultipart(ctx, session.Key, session.UploadID); err != nil {
		s.logf("failed to abort multipart upload %s: %v", session.UploadID, err)
	}
	if err := s.registry.SetStatus(sessionID, SessionAborted); err != nil {
		s.logf("failed to mark session %s aborted: %v", sessionID, err)
	}
	s.registry.Delete(sessionID)
	return nil
}

// Status はアップロードの進行状況を返します。
type Status struct {
	SessionID     string        `json:"sessionId"`
	PartNumbers   []int         `json:"uploadedPartNumbers"`
	UploadedBytes int64         `json:"uploadedBytes"`
	TotalParts    int           `json:"totalParts"`
	FileSize      int64         `json:"fileSize"`
	State         SessionStatus `json:"status"`
}

// SessionStatus は指定セッションの進行状況を返します。
// アップロード済みバイト数は固定パートサイズ×登録数の近似で、
// 最終パートだけ実サイズで数えます。
func (s *Service) SessionStatus(ownerID, sessionID string) (*Status, error) {
	session, err := s.ownedSession(ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	total := session.TotalParts()
	numbers := make([]int, 0, len(session.Parts))
	var uploaded int64
	for n := range session.Parts {
		numbers = append(numbers, n)
		if n == total {
			uploaded += session.LastPartSize()
		} else {
			uploaded += session.PartSize
		}
	}
	sort.Ints(numbers)

	return &Status{
		SessionID:     session.ID,
		PartNumbers:   numbers,
		UploadedBytes: uploaded,
		TotalParts:    total,
		FileSize:      session.FileSize,
		State:         session.Status,
	}, nil
}

// ownedSession はセッションを読み出し、所有者の一致を確認します。
// 他人のセッションは存在しないものとして扱います。
func (s *Service) ownedSession(ownerID, sessionID string) (*Session, error) {
	session, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
