// Package config は環境変数からのアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Google OAuth（Calendar API）
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Microsoft OAuth（Graph API）
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenant       string

	// Token Lifecycle
	TokenRefreshAhead    time.Duration // 期限のこれだけ前からリフレッシュ対象とする
	TokenMonitorInterval time.Duration // バックグラウンド監視のチェック間隔

	// Provider呼び出し
	ProviderTimeout     time.Duration // プロバイダー1呼び出しのタイムアウト
	FanoutMaxConcurrent int           // ファンアウト時の最大並列数

	// Availability
	DefaultSlotMinutes int

	// Outbox
	OutboxInterval time.Duration

	// Rate Limit
	RateLimitGeneral  int
	RateLimitMutation int

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（未設定の変数のみ反映）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	// .envはローカル開発用。存在しない場合は無視する。
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.MicrosoftClientID = os.Getenv("MS_CLIENT_ID")
	if cfg.MicrosoftClientID == "" {
		missing = append(missing, "MS_CLIENT_ID")
	}

	cfg.MicrosoftClientSecret = os.Getenv("MS_CLIENT_SECRET")
	if cfg.MicrosoftClientSecret == "" {
		missing = append(missing, "MS_CLIENT_SECRET")
	}

	cfg.MicrosoftRedirectURL = os.Getenv("MS_REDIRECT_URL")
	if cfg.MicrosoftRedirectURL == "" {
		missing = append(missing, "MS_REDIRECT_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MicrosoftTenant = getEnvString("MS_TENANT", "common")
	cfg.TokenRefreshAhead = getEnvDuration("TOKEN_REFRESH_AHEAD", 10*time.Minute)
	cfg.TokenMonitorInterval = getEnvDuration("TOKEN_MONITOR_INTERVAL", 45*time.Second)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.FanoutMaxConcurrent = getEnvInt("FANOUT_MAX_CONCURRENT", 8)
	cfg.DefaultSlotMinutes = getEnvInt("DEFAULT_SLOT_MINUTES", 30)
	cfg.OutboxInterval = getEnvDuration("OUTBOX_INTERVAL", time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitMutation = getEnvInt("RATE_LIMIT_MUTATION", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は設定値の整合性を検証する。
// 監視間隔がリフレッシュ先行ウィンドウ以上だと、先回りのリフレッシュ機会を
// 失う（チェック前に期限が来る）ため拒否する。
func (c *Config) validate() error {
	if c.TokenRefreshAhead <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_AHEAD must be positive: %v", c.TokenRefreshAhead)
	}
	if c.TokenMonitorInterval >= c.TokenRefreshAhead {
		return fmt.Errorf("TOKEN_MONITOR_INTERVAL (%v) must be shorter than TOKEN_REFRESH_AHEAD (%v)",
			c.TokenMonitorInterval, c.TokenRefreshAhead)
	}
	if c.DefaultSlotMinutes < 5 || c.DefaultSlotMinutes > 120 {
		return fmt.Errorf("DEFAULT_SLOT_MINUTES must be between 5 and 120: %d", c.DefaultSlotMinutes)
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("BASE_URL must start with http:// or https://: %s", c.BaseURL)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
