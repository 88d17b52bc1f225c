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
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// レジストリ設定
	RedisURL string // ファイル/ジョブレジストリ用Redis接続URL

	// ストレージ設定
	UploadDir string // アップロードファイルの保存先
	OutputDir string // 変換結果の保存先

	// ファイル制限
	MaxFileSize    int64 // 単一ファイルの最大サイズ（バイト）
	RetentionHours int   // ファイル/ジョブの保持時間（時間）

	// ジョブ設定
	PollIntervalSeconds int // 進捗ストリーミングのポーリング間隔（秒）
	SweepIntervalMin    int // 期限切れデータ掃除の実行間隔（分）

	// 外部ツール設定
	GhostscriptPath string // Ghostscript実行ファイルのパス
	WkhtmltopdfPath string // wkhtmltopdf実行ファイルのパス

	// 認証設定（未設定の場合、認証なしで動作する）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// レジストリ設定
		RedisURL: getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),

		// ストレージ設定
		UploadDir: getEnv("UPLOAD_DIR", "uploads"),
		OutputDir: getEnv("OUTPUT_DIR", "outputs"),

		// ファイル制限
		MaxFileSize:    getEnvAsInt64("MAX_FILE_SIZE", 1<<30), // 1GB
		RetentionHours: getEnvAsInt("FILE_RETENTION_HOURS", 4),

		// ジョブ設定
		PollIntervalSeconds: getEnvAsInt("JOB_POLL_INTERVAL_SECONDS", 1),
		SweepIntervalMin:    getEnvAsInt("SWEEP_INTERVAL_MINUTES", 60),

		// 外部ツール設定
		GhostscriptPath: getEnv("GHOSTSCRIPT_PATH", "gs"),
		WkhtmltopdfPath: getEnv("WKHTMLTOPDF_PATH", "wkhtmltopdf"),

		// 認証設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),
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
	if c.RetentionHours < 0 {
		return fmt.Errorf("FILE_RETENTION_HOURS must not be negative")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("JOB_POLL_INTERVAL_SECONDS must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}

	// 認証を使う場合は3項目すべて必要
	if c.AuthEnabled() {
		if c.AppUsername == "" || c.AppPasswordHash == "" || c.SessionSecret == "" {
			return fmt.Errorf("APP_USERNAME, APP_PASSWORD_HASH and SESSION_SECRET must be set together")
		}
	}

	if c.GinMode == "release" {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
	}

	return nil
}

// AuthEnabled は認証設定が1つでも与えられているかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" || c.AppPasswordHash != "" || c.SessionSecret != ""
}

// Retention はファイル/ジョブの保持時間を time.Duration で返します。
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// PollInterval は進捗ストリーミングのポーリング間隔を返します。
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SweepInterval は掃除タスクの実行間隔を返します。
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMin) * time.Minute
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
