// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// AI設定
	OpenAIAPIKey string // 解析エンジン用APIキー（未設定の場合は解析エンドポイントが503になる）
	OpenAIModel  string // 使用するチャットモデル名
	SerperAPIKey string // Web検索APIキー（任意）

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定（任意。未設定の場合は認証なしで公開）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// ファイル制限
	DataDir     string // アップロードファイルの保存ディレクトリ
	MaxFileSize int64  // 単一ファイルの最大サイズ（バイト）

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynq用Redis接続URL（ジョブ状態の保存にも使用）
	WorkerConcurrency int    // 同時に実行するジョブ数の上限
	JobExpireMinutes  int    // ジョブ状態レコードの有効期限（分）

	// 台帳設定
	LedgerDBPath string // SQLite台帳のファイルパス

	// 解析設定
	AnalysisTimeoutSeconds int // 解析エンジン呼び出しのタイムアウト（秒）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// AI設定
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		SerperAPIKey: getEnv("SERPER_API_KEY", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8000"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 認証設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// ファイル制限
		DataDir:     getEnv("DATA_DIR", "data"),
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 50*1024*1024), // 50MB

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		JobExpireMinutes:  getEnvAsInt("JOB_EXPIRE_MINUTES", 1440),

		// 台帳設定
		LedgerDBPath: getEnv("LEDGER_DB_PATH", "analysis.db"),

		// 解析設定
		AnalysisTimeoutSeconds: getEnvAsInt("ANALYSIS_TIMEOUT_SECONDS", 300),
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
	// OpenAIAPIKey は必須にしない。未設定時は解析エンドポイントのみ503で縮退する。
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.GinMode == "release" {
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.LedgerDBPath == "" {
			return fmt.Errorf("LEDGER_DB_PATH is required in release mode")
		}
		if c.AuthEnabled() && c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required when auth is enabled in release mode")
		}
	}

	return nil
}

// AIConfigured は解析エンジンが利用可能かどうかを返します。
func (c *Config) AIConfigured() bool {
	return c.OpenAIAPIKey != ""
}

// AuthEnabled はセッション認証を有効にするかどうかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" && c.AppPasswordHash != ""
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
