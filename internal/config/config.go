package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"spotwatt/internal/logging"
)

// EnvPrefix 是环境变量前缀, 例如 SPOTWATT_ENTSOE_SECURITY_TOKEN。
const EnvPrefix = "SPOTWATT"

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Database      DatabaseConfig      `mapstructure:"database"`
	ENTSOE        ENTSOEConfig        `mapstructure:"entsoe"`
	Ingestion     IngestionConfig     `mapstructure:"ingestion"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Queue         QueueConfig         `mapstructure:"queue"`
	FCM           FCMConfig           `mapstructure:"fcm"`
	API           APIConfig           `mapstructure:"api"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ENTSOEConfig covers the upstream transparency platform.
type ENTSOEConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	SecurityToken     string        `mapstructure:"security_token"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxPeriod         time.Duration `mapstructure:"max_period"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// IngestionConfig governs the trigger and the publication gate.
type IngestionConfig struct {
	Cron               string        `mapstructure:"cron"`
	CronTimezone       string        `mapstructure:"cron_timezone"`
	MinLocalHour       int           `mapstructure:"min_local_hour"`
	MaxAttempts        int64         `mapstructure:"max_attempts"`
	AttemptTTL         time.Duration `mapstructure:"attempt_ttl"`
	Budget             time.Duration `mapstructure:"budget"`
	PostSuccessReserve time.Duration `mapstructure:"post_success_reserve"`
}

// CacheConfig sizes the two price cache tiers.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	LocalTTL      time.Duration `mapstructure:"local_ttl"`
	EvictInterval time.Duration `mapstructure:"evict_interval"`
}

// QueueConfig drives the durable task runner.
type QueueConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	Lease          time.Duration `mapstructure:"lease"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// TargetBaseURL is where task targets are POSTed, normally this service.
	TargetBaseURL string        `mapstructure:"target_base_url"`
	Retention     time.Duration `mapstructure:"retention"`
}

// FCMConfig 描述 FCM 推送参数。
type FCMConfig struct {
	ProjectID       string        `mapstructure:"project_id"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Addr           string        `mapstructure:"addr"`
	AdminKey       string        `mapstructure:"admin_key"`
	InternalAPIKey string        `mapstructure:"internal_api_key"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// NotificationsConfig tunes scheduling and delivery fan-out.
type NotificationsConfig struct {
	// Endpoint receives price updates over HTTP; empty runs the fan-out in process.
	Endpoint       string        `mapstructure:"endpoint"`
	EndpointAPIKey string        `mapstructure:"endpoint_api_key"`
	DebounceDelay  time.Duration `mapstructure:"debounce_delay"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	Concurrency    int           `mapstructure:"concurrency"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	InactiveAfter  time.Duration `mapstructure:"inactive_after"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// godotenv does not override variables already present in the environment.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spotwatt")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("entsoe.base_url", "https://web-api.tp.entsoe.eu/api")
	v.SetDefault("entsoe.security_token", "")
	v.SetDefault("entsoe.request_timeout", "20s")
	v.SetDefault("entsoe.max_retries", 2)
	v.SetDefault("entsoe.retry_delay", "1s")
	v.SetDefault("entsoe.requests_per_second", 2.0)
	v.SetDefault("entsoe.burst", 2)
	v.SetDefault("entsoe.max_period", "24h")
	v.SetDefault("entsoe.user_agent", "")

	v.SetDefault("ingestion.cron", "*/5 12-23 * * *")
	v.SetDefault("ingestion.cron_timezone", "UTC")
	v.SetDefault("ingestion.min_local_hour", 13)
	v.SetDefault("ingestion.max_attempts", 5)
	v.SetDefault("ingestion.attempt_ttl", "6h")
	v.SetDefault("ingestion.budget", "60s")
	v.SetDefault("ingestion.post_success_reserve", "15s")

	v.SetDefault("cache.ttl", "48h")
	v.SetDefault("cache.local_ttl", "5m")
	v.SetDefault("cache.evict_interval", "1m")

	v.SetDefault("queue.poll_interval", "15s")
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.lease", "2m")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.retry_backoff", "30s")
	v.SetDefault("queue.request_timeout", "30s")
	v.SetDefault("queue.target_base_url", "http://127.0.0.1:8080")
	v.SetDefault("queue.retention", "72h")

	v.SetDefault("fcm.project_id", "")
	v.SetDefault("fcm.credentials_file", "")
	v.SetDefault("fcm.request_timeout", "10s")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.admin_key", "")
	v.SetDefault("api.internal_api_key", "")
	v.SetDefault("api.rate_limit", 5.0)
	v.SetDefault("api.rate_burst", 20)
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "90s")
	v.SetDefault("api.allowed_origins", []string{"*"})

	v.SetDefault("notifications.endpoint", "")
	v.SetDefault("notifications.endpoint_api_key", "")
	v.SetDefault("notifications.debounce_delay", "10s")
	v.SetDefault("notifications.chunk_size", 500)
	v.SetDefault("notifications.concurrency", 4)
	v.SetDefault("notifications.sweep_interval", "24h")
	v.SetDefault("notifications.inactive_after", "168h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.ENTSOE.MaxRetries < 0 {
		return fmt.Errorf("entsoe.max_retries cannot be negative")
	}
	if c.ENTSOE.MaxPeriod < 24*time.Hour {
		return fmt.Errorf("entsoe.max_period must be at least 24h")
	}
	if _, err := cron.ParseStandard(c.Ingestion.Cron); err != nil {
		return fmt.Errorf("ingestion.cron 无效: %w", err)
	}
	if _, err := time.LoadLocation(c.Ingestion.CronTimezone); err != nil {
		return fmt.Errorf("ingestion.cron_timezone 无效: %w", err)
	}
	if c.Ingestion.MinLocalHour < 0 || c.Ingestion.MinLocalHour > 23 {
		return fmt.Errorf("ingestion.min_local_hour must be within 0..23")
	}
	if c.Ingestion.MaxAttempts <= 0 {
		return fmt.Errorf("ingestion.max_attempts must be greater than zero")
	}
	if c.Ingestion.PostSuccessReserve >= c.Ingestion.Budget {
		return fmt.Errorf("ingestion.post_success_reserve must be shorter than ingestion.budget")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be greater than zero")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be greater than zero")
	}
	if c.Notifications.ChunkSize <= 0 || c.Notifications.ChunkSize > 500 {
		return fmt.Errorf("notifications.chunk_size must be within 1..500")
	}
	if c.Notifications.SweepInterval <= 0 {
		return fmt.Errorf("notifications.sweep_interval must be greater than zero")
	}
	// each concurrent reconciliation pins one connection for its token lock
	if c.Database.DSN != "" && c.Database.MaxOpenConns > 0 && c.Notifications.Concurrency >= c.Database.MaxOpenConns {
		return fmt.Errorf("notifications.concurrency must be below database.max_open_conns")
	}
	if c.FCM.ProjectID != "" && c.FCM.CredentialsFile == "" {
		return fmt.Errorf("fcm.credentials_file 必须配置")
	}
	if c.Notifications.Endpoint != "" && c.Notifications.EndpointAPIKey == "" {
		return fmt.Errorf("notifications.endpoint_api_key 必须配置")
	}
	return nil
}

// CronLocation resolves the trigger timezone. Validate guarantees it loads.
func (c *Config) CronLocation() *time.Location {
	loc, err := time.LoadLocation(c.Ingestion.CronTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
