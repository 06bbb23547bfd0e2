// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 管理者設定（リトライ操作などの管理系APIで使用）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxImageSize    int64 // 画像アップロードの最大サイズ（バイト）
	MaxDocumentSize int64 // ドキュメントアップロードの最大サイズ（バイト）

	// ストレージ設定
	MediaRoot string // originals/ と converted/ を置くルートディレクトリ
	WorkDir   string // 変換中の一時ディレクトリを作成する場所（空ならOS既定）

	// ジョブ/キュー設定
	QueueRedisURL      string // Asynq用Redis接続URL
	StoreRedisURL      string // アーティファクト記録用Redis接続URL（空ならQueueRedisURLを使用）
	WorkerConcurrency  int    // ワーカーの同時実行数
	QueueMaxRetry      int    // インフラ障害時の再配信回数
	RunEmbeddedWorkers bool   // APIプロセス内でワーカーを起動するか

	// 保持期間・掃除設定
	ImageRetentionDays     int    // 画像の保持日数（0で無効）
	DocumentRetentionDays  int    // ドキュメントの保持日数（0で無効）
	BlacklistRetentionDays int    // 失効セッション記録の保持日数
	SweepCron              string // 掃除ジョブのスケジュール
	StuckProcessingMinutes int    // processing のまま放置されたものを pending に戻すまでの分数（0で手動のみ）

	// 変換ツール設定
	LibreOfficePath string // LibreOffice実行ファイルのパス
	PdfToTextPath   string // pdftotext実行ファイルのパス
	CWebPPath       string // cwebp実行ファイルのパス
	ImageMaxEdge    int    // 画像の長辺の上限（ピクセル）
	ImageQuality    int    // 非可逆形式の品質
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxImageSize:    getEnvAsInt64("MAX_IMAGE_SIZE", 10*1024*1024),     // 10MB
		MaxDocumentSize: getEnvAsInt64("MAX_DOCUMENT_SIZE", 50*1024*1024), // 50MB

		MediaRoot: getEnv("MEDIA_ROOT", "./media"),
		WorkDir:   getEnv("WORK_DIR", ""),

		QueueRedisURL:      getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		StoreRedisURL:      getEnv("STORE_REDIS_URL", ""),
		WorkerConcurrency:  getEnvAsInt("WORKER_CONCURRENCY", 4),
		QueueMaxRetry:      getEnvAsInt("QUEUE_MAX_RETRY", 3),
		RunEmbeddedWorkers: getEnvAsBool("RUN_EMBEDDED_WORKERS", true),

		ImageRetentionDays:     getEnvAsInt("IMAGE_RETENTION_DAYS", 30),
		DocumentRetentionDays:  getEnvAsInt("DOCUMENT_RETENTION_DAYS", 0),
		BlacklistRetentionDays: getEnvAsInt("BLACKLIST_RETENTION_DAYS", 7),
		SweepCron:              getEnv("SWEEP_CRON", "@daily"),
		StuckProcessingMinutes: getEnvAsInt("STUCK_PROCESSING_MINUTES", 0),

		LibreOfficePath: getEnv("LIBREOFFICE_PATH", "libreoffice"),
		PdfToTextPath:   getEnv("PDFTOTEXT_PATH", "pdftotext"),
		CWebPPath:       getEnv("CWEBP_PATH", "cwebp"),
		ImageMaxEdge:    getEnvAsInt("IMAGE_MAX_EDGE", 1024),
		ImageQuality:    getEnvAsInt("IMAGE_QUALITY", 85),
	}

	// 必須設定のバリデーション
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
	if c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required")
	}
	if strings.TrimSpace(c.MediaRoot) == "" {
		return fmt.Errorf("MEDIA_ROOT is required")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive (got %d)", c.WorkerConcurrency)
	}
	if c.ImageMaxEdge <= 0 {
		return fmt.Errorf("IMAGE_MAX_EDGE must be positive (got %d)", c.ImageMaxEdge)
	}
	if c.ImageQuality < 1 || c.ImageQuality > 100 {
		return fmt.Errorf("IMAGE_QUALITY must be between 1 and 100 (got %d)", c.ImageQuality)
	}
	if c.ImageRetentionDays < 0 || c.DocumentRetentionDays < 0 || c.BlacklistRetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	if c.StuckProcessingMinutes < 0 {
		return fmt.Errorf("STUCK_PROCESSING_MINUTES must not be negative")
	}

	// ローカル開発では管理者設定は任意
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
	}

	return nil
}

// StoreURL はアーティファクト記録用のRedis URLを返します。
func (c *Config) StoreURL() string {
	if c.StoreRedisURL != "" {
		return c.StoreRedisURL
	}
	return c.QueueRedisURL
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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
