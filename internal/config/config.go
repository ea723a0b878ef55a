// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)
	BaseURL string // ダウンロードURL生成に使うベースURL

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ジョブ/キュー設定
	QueueRedisURL string        // Asynq・ジョブストア用Redis接続URL
	JobTTL        time.Duration // エクスポートジョブの有効期限
	ExportBatch   int           // マテリアライズ時のレコード取得バッチサイズ

	// チャンクマージ設定
	MergePollInterval time.Duration // 子ジョブ完了待ちのポーリング間隔
	MergeMaxAttempts  int           // ポーリングの最大試行回数

	// ダウンロードトークン設定
	DownloadTokenSecret string // 署名付きトークンのHMAC秘密鍵

	// アップロード設定
	UploadPartSize   int64         // マルチパートアップロードの固定パートサイズ（バイト）
	MaxUploadSize    int64         // アップロード可能な最大ファイルサイズ（バイト）
	PresignTTL       time.Duration // 署名付きURLの有効期間
	UploadSessionTTL time.Duration // アップロードセッションの有効期限

	// ストレージ設定（未設定の場合はローカルファイルシステムを使用）
	S3Bucket       string // S3バケット名
	S3Region       string // S3リージョン
	S3Endpoint     string // カスタムエンドポイント（MinIO等）
	S3AccessKey    string // アクセスキーID
	S3SecretKey    string // シークレットアクセスキー
	LocalStorePath string // ローカルフォールバック用ディレクトリ
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),
		BaseURL: getEnv("BASE_URL", ""),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ジョブ/キュー設定
		QueueRedisURL: getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobTTL:        getEnvAsDuration("JOB_TTL", 24*time.Hour),
		ExportBatch:   getEnvAsInt("EXPORT_BATCH_SIZE", 500),

		// チャンクマージ設定
		MergePollInterval: getEnvAsDuration("MERGE_POLL_INTERVAL", 5*time.Second),
		MergeMaxAttempts:  getEnvAsInt("MERGE_MAX_ATTEMPTS", 60),

		// ダウンロードトークン設定
		DownloadTokenSecret: getEnv("DOWNLOAD_TOKEN_SECRET", ""),

		// アップロード設定
		UploadPartSize:   getEnvAsInt64("UPLOAD_PART_SIZE", 100*1024*1024),    // 100MB
		MaxUploadSize:    getEnvAsInt64("MAX_UPLOAD_SIZE", 10*1024*1024*1024), // 10GB
		PresignTTL:       getEnvAsDuration("PRESIGN_TTL", time.Hour),
		UploadSessionTTL: getEnvAsDuration("UPLOAD_SESSION_TTL", 24*time.Hour),

		// ストレージ設定
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),
		LocalStorePath: getEnv("LOCAL_STORE_PATH", filepath.Join(os.TempDir(), "export-hub")),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.UploadPartSize <= 0 {
		return fmt.Errorf("UPLOAD_PART_SIZE must be positive")
	}
	if c.MaxUploadSize < c.UploadPartSize {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be at least UPLOAD_PART_SIZE")
	}
	if c.MergeMaxAttempts <= 0 {
		return fmt.Errorf("MERGE_MAX_ATTEMPTS must be positive")
	}

	// ローカル開発では認証・署名設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.DownloadTokenSecret == "" {
			return fmt.Errorf("DOWNLOAD_TOKEN_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}

	return nil
}

// UseS3 はS3バックエンドが設定されているかどうかを返します。
func (c *Config) UseS3() bool {
	return c.S3Bucket != ""
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
