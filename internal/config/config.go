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

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ストレージ設定
	DatabasePath string // SQLiteデータベースファイルのパス
	StorageDir   string // アップロード/処理済みファイルの保存ディレクトリ

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）

	// クォータ設定
	DailyFileLimit      int   // 1日あたりのアップロード可能ファイル数
	DailyStorageLimit   int64 // 1日あたりのアップロード可能バイト数
	SessionStorageLimit int64 // セッションあたりのアップロード可能バイト数
	ConcurrentUploads   int   // 同一オーナーの同時アップロード数上限

	// ジョブ/キュー設定
	QueueRedisURL       string        // Asynq用Redis接続URL
	AsyncThresholdBytes int64         // 同期処理から非同期へ切り替えるサイズ閾値
	MaxRetries          int           // ジョブの最大リトライ回数
	FileRetention       time.Duration // ジョブと成果物の保持期間
	StallTimeout        time.Duration // pendingのまま放置されたジョブを失敗扱いにするまでの時間
	SweepInterval       time.Duration // クリーンアップスイープの実行間隔

	// PDF処理設定
	GhostscriptPath   string        // Ghostscript実行ファイルのパス
	ProcessingTimeout time.Duration // 外部変換1回あたりのタイムアウト
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

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ストレージ設定
		DatabasePath: getEnv("DATABASE_PATH", "data/app.db"),
		StorageDir:   getEnv("STORAGE_DIR", "storage"),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 26214400), // 25MB

		// クォータ設定
		DailyFileLimit:      getEnvAsInt("DAILY_FILE_LIMIT", 50),
		DailyStorageLimit:   getEnvAsInt64("DAILY_STORAGE_LIMIT_MB", 200) * 1024 * 1024,
		SessionStorageLimit: getEnvAsInt64("SESSION_STORAGE_LIMIT_MB", 100) * 1024 * 1024,
		ConcurrentUploads:   getEnvAsInt("CONCURRENT_UPLOADS", 3),

		// ジョブ/キュー設定
		QueueRedisURL:       getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		AsyncThresholdBytes: getEnvAsInt64("ASYNC_THRESHOLD_BYTES", 5*1024*1024), // 5MB
		MaxRetries:          getEnvAsInt("MAX_RETRIES", 3),
		FileRetention:       time.Duration(getEnvAsInt("FILE_RETENTION_HOURS", 24)) * time.Hour,
		StallTimeout:        time.Duration(getEnvAsInt("STALL_TIMEOUT_MINUTES", 10)) * time.Minute,
		SweepInterval:       time.Duration(getEnvAsInt("SWEEP_INTERVAL_MINUTES", 60)) * time.Minute,

		// PDF処理設定
		GhostscriptPath:   getEnv("GHOSTSCRIPT_PATH", "gs"),
		ProcessingTimeout: time.Duration(getEnvAsInt("PROCESSING_TIMEOUT", 300)) * time.Second,
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
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.FileRetention <= 0 {
		return fmt.Errorf("FILE_RETENTION_HOURS must be positive")
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be positive")
	}

	// ローカル開発では認証設定は任意
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
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.GhostscriptPath == "" {
			return fmt.Errorf("GHOSTSCRIPT_PATH is required in release mode")
		}
	}

	return nil
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
