package main

import (
	"log"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/export-hub/internal/auth"
	"github.com/yourusername/export-hub/internal/config"
	"github.com/yourusername/export-hub/internal/export"
	"github.com/yourusername/export-hub/internal/jobs"
	"github.com/yourusername/export-hub/internal/storage"
	"github.com/yourusername/export-hub/internal/token"
	"github.com/yourusername/export-hub/internal/upload"
)

// application はAPIサーバーが必要とする依存一式です。
type application struct {
	jobManager    *jobs.Manager
	issuer        *token.Issuer
	primary       storage.Gateway
	fallback      *storage.LocalGateway
	uploadService *upload.Service
}

// buildApplication は設定からストレージ・キュー・サービス層を組み立てます。
func buildApplication(cfg *config.Config) (*application, error) {
	logger := log.Default()

	// ローカルゲートウェイはS3障害時のフォールバック先を兼ねる
	local, err := storage.NewLocalGateway(cfg.LocalStorePath)
	if err != nil {
		return nil, err
	}

	var primary storage.Gateway = local
	if cfg.UseS3() {
		s3gw, err := storage.NewS3Gateway(cfg)
		if err != nil {
			return nil, err
		}
		primary = s3gw
	}

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(opt)

	store := jobs.NewRedisStore(redisClient, cfg.JobTTL)
	source, err := export.NewRedisSource(redisClient)
	if err != nil {
		return nil, err
	}
	usage, err := export.NewRedisUsageRecorder(redisClient, 0)
	if err != nil {
		return nil, err
	}

	secret := cfg.DownloadTokenSecret
	if secret == "" {
		// release モードでは Validate が空を弾くため、ここに来るのは開発時のみ
		logger.Println("DOWNLOAD_TOKEN_SECRET is empty; using insecure development secret")
		secret = "dev-insecure-download-secret"
	}
	issuer, err := token.NewIssuer(secret)
	if err != nil {
		return nil, err
	}

	materializer, err := export.NewMaterializer(primary, local, source, cfg.ExportBatch, logger)
	if err != nil {
		return nil, err
	}
	merger, err := export.NewMerger(primary, local, logger)
	if err != nil {
		return nil, err
	}

	jobManager, err := jobs.NewManager(cfg, store, materializer, merger, issuer, usage, logger)
	if err != nil {
		return nil, err
	}

	registry := upload.NewRegistry(cfg.UploadSessionTTL)
	uploadService, err := upload.NewService(registry, primary, cfg.UploadPartSize, cfg.MaxUploadSize, cfg.PresignTTL, logger)
	if err != nil {
		return nil, err
	}

	return &application{
		jobManager:    jobManager,
		issuer:        issuer,
		primary:       primary,
		fallback:      local,
		uploadService: uploadService,
	}, nil
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, app *application) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		// ダウンロードは署名付きトークンで認可するためセッションの外に置く
		api.GET("/exports/download",
			export.DownloadHandler(app.jobManager, app.issuer, app.primary, app.fallback, cfg.PresignTTL),
		)

		protected := api.Group("")
		if authManager.Configured() {
			protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		} else {
			// 資格情報未設定のローカル開発では固定の所有者として扱う
			log.Println("auth credentials are not configured; using development identity")
			protected.Use(auth.DevIdentity("local-dev"))
		}
		{
			exports := protected.Group("/exports")
			{
				exports.POST("", export.CreateHandler(app.jobManager))
				exports.GET("/:id", export.StatusHandler(app.jobManager))
				exports.POST("/:id/cancel", export.CancelHandler(app.jobManager))
			}

			uploads := protected.Group("/uploads")
			{
				uploads.POST("", upload.InitiateHandler(app.uploadService))
				uploads.GET("/:id", upload.StatusHandler(app.uploadService))
				uploads.DELETE("/:id", upload.AbortHandler(app.uploadService))
				uploads.GET("/:id/parts/:part", upload.AuthorizePartHandler(app.uploadService))
				uploads.PUT("/:id/parts/:part", upload.RegisterPartHandler(app.uploadService))
				uploads.POST("/:id/complete", upload.CompleteHandler(app.uploadService))
			}
		}
	}
}
