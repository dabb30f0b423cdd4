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
	// アプリケーション設定
	AppUsername     string // Basic認証のユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize int64 // アップロードファイルの最大サイズ（バイト）

	// ジョブ/キュー設定
	QueueRedisURL       string // Asynq・ジョブストア用Redis接続URL
	WorkerConcurrency   int    // 同時実行ジョブ数の上限
	RetentionHours      int    // ジョブの保持期間（時間）
	GraceHours          int    // 保持期限後に成果物を物理削除するまでの猶予（時間）
	SweepIntervalSec    int    // 期限切れ掃引の実行間隔（秒）
	StalledAfterMinutes int    // 生成中ジョブを停滞扱いにする閾値（分）

	// ステージ設定
	GenerateTimeoutMinutes int    // テキスト生成ステージのタイムアウト（分）
	ConvertTimeoutMinutes  int    // ドキュメント変換ステージのタイムアウト（分）
	GeminiAPIKey           string // Gemini APIキー（リクエストで上書き可能）
	GeminiModel            string // 使用するGeminiモデル名
	GeminiAPIVersion       string // Gemini REST APIバージョン
	PandocPath             string // pandoc実行ファイルのパス
	PandocHeaderPath       string // pandocのinclude-in-headerに渡すTeXファイル（任意）

	// ストレージ設定
	DataDir string // 入出力ファイルを保存するベースディレクトリ
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		QueueRedisURL:       getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency:   getEnvAsInt("WORKER_CONCURRENCY", 4),
		RetentionHours:      getEnvAsInt("JOB_RETENTION_HOURS", 24),
		GraceHours:          getEnvAsInt("JOB_GRACE_HOURS", 72),
		SweepIntervalSec:    getEnvAsInt("SWEEP_INTERVAL_SEC", 300),
		StalledAfterMinutes: getEnvAsInt("STALLED_AFTER_MINUTES", 30),

		GenerateTimeoutMinutes: getEnvAsInt("GENERATE_TIMEOUT_MINUTES", 15),
		ConvertTimeoutMinutes:  getEnvAsInt("CONVERT_TIMEOUT_MINUTES", 10),
		GeminiAPIKey:           getEnv("GEMINI_API_KEY", getEnv("GOOGLE_API_KEY", "")),
		GeminiModel:            getEnv("GEMINI_MODEL", "gemini-3-pro-preview"),
		GeminiAPIVersion:       getEnv("GEMINI_API_VERSION", "v1alpha"),
		PandocPath:             getEnv("PANDOC_PATH", "pandoc"),
		PandocHeaderPath:       getEnv("PANDOC_HEADER_PATH", ""),

		DataDir: getEnv("DATA_DIR", filepath.Join(os.TempDir(), "exam-forge")),
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
	// ローカル開発では認証・APIキーは任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required in release mode")
		}
		if c.PandocPath == "" {
			return fmt.Errorf("PANDOC_PATH is required in release mode")
		}
	}

	if c.RetentionHours <= 0 {
		return fmt.Errorf("JOB_RETENTION_HOURS must be positive")
	}
	if c.GraceHours < 0 {
		return fmt.Errorf("JOB_GRACE_HOURS must not be negative")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
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
