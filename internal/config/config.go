// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// 目録API
	SierraBaseURL      string
	SierraClientKey    string
	SierraClientSecret string

	// レガシーセッションAPI
	LegacyBaseURL string
	LegacyScope   int

	// 電子資料貸出サービス
	OverDriveClientKey       string
	OverDriveClientSecret    string
	OverDriveWebsiteID       string
	OverDriveILSName         string
	OverDriveCollectionToken string

	// 検索インデックス
	SolrURL string

	// Cache
	RedisURL       string
	CacheCapacity  int
	LocalCacheSize int
	LocalCacheTTL  time.Duration

	// Backend
	BackendTimeout   time.Duration
	LegacyTimeout    time.Duration
	BackendRateLimit float64

	// Session
	SessionTTL   time.Duration
	CookieSecure bool

	// 表示
	OnlineOnlyLocations   []string
	LocationDisplayMode   string
	CallNumberDisplayMode string
	HoldsEnabled          bool

	// Admin
	AdminToken string

	// Worker
	StatusSyncInterval   time.Duration
	PendingRetentionDays int

	// Server
	ServerPort string
	LogLevel   string
}

// LendingEnabled は貸出サービス連携が有効かを返す。
func (c *Config) LendingEnabled() bool {
	return c.OverDriveClientKey != ""
}

// LegacyEnabled はレガシーセッションAPIが設定されているかを返す。
func (c *Config) LegacyEnabled() bool {
	return c.LegacyBaseURL != ""
}

var displayModes = []interface{}{"first", "all", "msg"}

// Validate は値の形式と範囲を検証する。
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SierraBaseURL, validation.Required, is.URL),
		validation.Field(&c.LegacyBaseURL, is.URL),
		validation.Field(&c.SolrURL, is.URL),
		validation.Field(&c.LegacyScope, validation.Min(0)),
		validation.Field(&c.CacheCapacity, validation.Min(1)),
		validation.Field(&c.LocalCacheSize, validation.Min(1)),
		validation.Field(&c.BackendRateLimit, validation.Min(0.0)),
		validation.Field(&c.PendingRetentionDays, validation.Min(1)),
		validation.Field(&c.LocationDisplayMode, validation.In(displayModes...)),
		validation.Field(&c.CallNumberDisplayMode, validation.In(displayModes...)),
		validation.Field(&c.OverDriveWebsiteID, validation.When(c.LendingEnabled(), validation.Required)),
		validation.Field(&c.OverDriveClientSecret, validation.When(c.LendingEnabled(), validation.Required)),
	)
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む。既に設定済みの環境変数は上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}
	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.SierraBaseURL = required("SIERRA_BASE_URL")
	cfg.SierraClientKey = required("SIERRA_CLIENT_KEY")
	cfg.SierraClientSecret = required("SIERRA_CLIENT_SECRET")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.LegacyBaseURL = getEnvString("LEGACY_BASE_URL", "")
	cfg.LegacyScope = getEnvInt("LEGACY_SCOPE", 1)
	cfg.OverDriveClientKey = getEnvString("OVERDRIVE_CLIENT_KEY", "")
	cfg.OverDriveClientSecret = getEnvString("OVERDRIVE_CLIENT_SECRET", "")
	cfg.OverDriveWebsiteID = getEnvString("OVERDRIVE_WEBSITE_ID", "")
	cfg.OverDriveILSName = getEnvString("OVERDRIVE_ILS_NAME", "default")
	cfg.OverDriveCollectionToken = getEnvString("OVERDRIVE_COLLECTION_TOKEN", "")
	cfg.SolrURL = getEnvString("SOLR_URL", "")
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.CacheCapacity = getEnvInt("CACHE_CAPACITY", 10000)
	cfg.LocalCacheSize = getEnvInt("LOCAL_CACHE_SIZE", 1000)
	cfg.LocalCacheTTL = getEnvDuration("LOCAL_CACHE_TTL", 10*time.Minute)
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", 45*time.Second)
	cfg.LegacyTimeout = getEnvDuration("LEGACY_TIMEOUT", 30*time.Second)
	cfg.BackendRateLimit = getEnvFloat("BACKEND_RATE_LIMIT", 20)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 30*time.Minute)
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", true)
	cfg.OnlineOnlyLocations = getEnvList("ONLINE_ONLY_LOCATIONS")
	cfg.LocationDisplayMode = getEnvString("LOCATION_DISPLAY_MODE", "first")
	cfg.CallNumberDisplayMode = getEnvString("CALL_NUMBER_DISPLAY_MODE", "first")
	cfg.HoldsEnabled = getEnvBool("HOLDS_ENABLED", true)
	cfg.AdminToken = getEnvString("ADMIN_TOKEN", "")
	cfg.StatusSyncInterval = getEnvDuration("STATUS_SYNC_INTERVAL", 5*time.Minute)
	cfg.PendingRetentionDays = getEnvInt("PENDING_RETENTION_DAYS", 14)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
