package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Store     StoreConfig
	Progress  ProgressConfig
	Managed   ManagedConfig
	Legacy    LegacyConfig
	Storage   StorageConfig
	Callback  CallbackConfig
	Hooks     HooksConfig
	Reaper    ReaperConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	// PublicURL is the externally reachable base used in callback URLs.
	PublicURL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	Driver     string // sqlite | redis
	SQLitePath string
	RedisTTL   time.Duration
}

type ProgressConfig struct {
	Mode              string // auto | broadcast | polling
	Broker            string // redis | memory
	Topic             string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	TerminalLinger    time.Duration
}

type ManagedConfig struct {
	StaticURL string
	MotionURL string
	APIKey    string
	Timeout   time.Duration
}

type LegacyConfig struct {
	Enabled         bool
	Concurrency     int
	StartsPerMinute int
	MaxRetries      int
	CLIPath         string
	TempDir         string
	TaskTimeout     time.Duration
}

type StorageConfig struct {
	Driver    string // r2 | minio
	Bucket    string
	PublicURL string

	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
}

type CallbackConfig struct {
	Secret   string
	TokenTTL time.Duration
}

type HooksConfig struct {
	CompletionURL string
	Timeout       time.Duration
}

type ReaperConfig struct {
	Schedule         string
	HeartbeatTimeout time.Duration
	ManagedTimeout   time.Duration
}

type RateLimitConfig struct {
	SubmitPerHour int
}

// ManagedConfigured reports whether a managed GPU backend can be called.
func (c *Config) ManagedConfigured() bool {
	return c.Managed.StaticURL != "" || c.Managed.MotionURL != ""
}

// StorageConfigured reports whether the legacy worker has somewhere to
// upload artifacts.
func (c *Config) StorageConfigured() bool {
	if c.Storage.Bucket == "" {
		return false
	}
	switch c.Storage.Driver {
	case "minio":
		return c.Storage.MinioEndpoint != ""
	default:
		return c.Storage.R2AccountID != "" && c.Storage.R2AccessKeyID != ""
	}
}

var bindings = map[string]string{
	"server.port":                 "SERVER_PORT",
	"server.env":                  "SERVER_ENV",
	"server.log_level":            "LOG_LEVEL",
	"server.log_format":           "LOG_FORMAT",
	"server.public_url":           "PUBLIC_URL",
	"redis.addr":                  "REDIS_ADDR",
	"redis.password":              "REDIS_PASSWORD",
	"redis.db":                    "REDIS_DB",
	"store.driver":                "STORE_DRIVER",
	"store.sqlite_path":           "STORE_SQLITE_PATH",
	"store.redis_ttl":             "STORE_REDIS_TTL",
	"progress.mode":               "PROGRESS_MODE",
	"progress.broker":             "PROGRESS_BROKER",
	"progress.topic":              "PROGRESS_TOPIC",
	"progress.poll_interval":      "PROGRESS_POLL_INTERVAL",
	"progress.heartbeat_interval": "PROGRESS_HEARTBEAT_INTERVAL",
	"progress.terminal_linger":    "PROGRESS_TERMINAL_LINGER",
	"managed.static_url":          "MANAGED_STATIC_URL",
	"managed.motion_url":          "MANAGED_MOTION_URL",
	"managed.api_key":             "MANAGED_API_KEY",
	"managed.timeout":             "MANAGED_TIMEOUT",
	"legacy.enabled":              "LEGACY_ENABLED",
	"legacy.concurrency":          "LEGACY_CONCURRENCY",
	"legacy.starts_per_minute":    "LEGACY_STARTS_PER_MINUTE",
	"legacy.max_retries":          "LEGACY_MAX_RETRIES",
	"legacy.cli_path":             "LEGACY_CLI_PATH",
	"legacy.temp_dir":             "LEGACY_TEMP_DIR",
	"legacy.task_timeout":         "LEGACY_TASK_TIMEOUT",
	"storage.driver":              "STORAGE_DRIVER",
	"storage.bucket":              "STORAGE_BUCKET",
	"storage.public_url":          "STORAGE_PUBLIC_URL",
	"storage.r2_account_id":       "R2_ACCOUNT_ID",
	"storage.r2_access_key_id":    "R2_ACCESS_KEY_ID",
	"storage.r2_secret_key":       "R2_SECRET_ACCESS_KEY",
	"storage.minio_endpoint":      "MINIO_ENDPOINT",
	"storage.minio_access_key":    "MINIO_ACCESS_KEY",
	"storage.minio_secret_key":    "MINIO_SECRET_KEY",
	"storage.minio_use_ssl":       "MINIO_USE_SSL",
	"callback.secret":             "CALLBACK_SECRET",
	"callback.token_ttl":          "CALLBACK_TOKEN_TTL",
	"hooks.completion_url":        "COMPLETION_HOOK_URL",
	"hooks.timeout":               "COMPLETION_HOOK_TIMEOUT",
	"reaper.schedule":             "REAPER_SCHEDULE",
	"reaper.heartbeat_timeout":    "REAPER_HEARTBEAT_TIMEOUT",
	"reaper.managed_timeout":      "REAPER_MANAGED_TIMEOUT",
	"ratelimit.submit_per_hour":   "RATELIMIT_SUBMIT_PER_HOUR",
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("MANAGED_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("MINIO_ACCESS_KEY")
	readSecret("MINIO_SECRET_KEY")
	readSecret("CALLBACK_SECRET")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "text")
	v.SetDefault("server.public_url", "http://localhost:8000")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/processing.db")
	v.SetDefault("store.redis_ttl", 7*24*time.Hour)

	v.SetDefault("progress.mode", "auto")
	v.SetDefault("progress.broker", "redis")
	v.SetDefault("progress.topic", "processing:progress")
	v.SetDefault("progress.poll_interval", 5*time.Second)
	v.SetDefault("progress.heartbeat_interval", 30*time.Second)
	v.SetDefault("progress.terminal_linger", time.Second)

	v.SetDefault("managed.timeout", 30*time.Second)

	v.SetDefault("legacy.enabled", true)
	v.SetDefault("legacy.concurrency", 1)
	v.SetDefault("legacy.starts_per_minute", 2)
	v.SetDefault("legacy.max_retries", 3)
	v.SetDefault("legacy.cli_path", "gvcore-cli")
	v.SetDefault("legacy.temp_dir", os.TempDir())
	v.SetDefault("legacy.task_timeout", 2*time.Hour)

	v.SetDefault("storage.driver", "r2")

	v.SetDefault("callback.token_ttl", 24*time.Hour)
	v.SetDefault("hooks.timeout", 10*time.Second)

	v.SetDefault("reaper.schedule", "@every 1m")
	v.SetDefault("reaper.heartbeat_timeout", 15*time.Minute)
	v.SetDefault("reaper.managed_timeout", 2*time.Hour)

	v.SetDefault("ratelimit.submit_per_hour", 20)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
			PublicURL: strings.TrimRight(v.GetString("server.public_url"), "/"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver:     v.GetString("store.driver"),
			SQLitePath: v.GetString("store.sqlite_path"),
			RedisTTL:   v.GetDuration("store.redis_ttl"),
		},
		Progress: ProgressConfig{
			Mode:              v.GetString("progress.mode"),
			Broker:            v.GetString("progress.broker"),
			Topic:             v.GetString("progress.topic"),
			PollInterval:      v.GetDuration("progress.poll_interval"),
			HeartbeatInterval: v.GetDuration("progress.heartbeat_interval"),
			TerminalLinger:    v.GetDuration("progress.terminal_linger"),
		},
		Managed: ManagedConfig{
			StaticURL: v.GetString("managed.static_url"),
			MotionURL: v.GetString("managed.motion_url"),
			APIKey:    v.GetString("managed.api_key"),
			Timeout:   v.GetDuration("managed.timeout"),
		},
		Legacy: LegacyConfig{
			Enabled:         v.GetBool("legacy.enabled"),
			Concurrency:     v.GetInt("legacy.concurrency"),
			StartsPerMinute: v.GetInt("legacy.starts_per_minute"),
			MaxRetries:      v.GetInt("legacy.max_retries"),
			CLIPath:         v.GetString("legacy.cli_path"),
			TempDir:         v.GetString("legacy.temp_dir"),
			TaskTimeout:     v.GetDuration("legacy.task_timeout"),
		},
		Storage: StorageConfig{
			Driver:            v.GetString("storage.driver"),
			Bucket:            v.GetString("storage.bucket"),
			PublicURL:         v.GetString("storage.public_url"),
			R2AccountID:       v.GetString("storage.r2_account_id"),
			R2AccessKeyID:     v.GetString("storage.r2_access_key_id"),
			R2SecretAccessKey: v.GetString("storage.r2_secret_key"),
			MinioEndpoint:     v.GetString("storage.minio_endpoint"),
			MinioAccessKey:    v.GetString("storage.minio_access_key"),
			MinioSecretKey:    v.GetString("storage.minio_secret_key"),
			MinioUseSSL:       v.GetBool("storage.minio_use_ssl"),
		},
		Callback: CallbackConfig{
			Secret:   v.GetString("callback.secret"),
			TokenTTL: v.GetDuration("callback.token_ttl"),
		},
		Hooks: HooksConfig{
			CompletionURL: v.GetString("hooks.completion_url"),
			Timeout:       v.GetDuration("hooks.timeout"),
		},
		Reaper: ReaperConfig{
			Schedule:         v.GetString("reaper.schedule"),
			HeartbeatTimeout: v.GetDuration("reaper.heartbeat_timeout"),
			ManagedTimeout:   v.GetDuration("reaper.managed_timeout"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
	}

	return cfg, nil
}
