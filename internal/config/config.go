package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string          `yaml:"log_level" env:"LOG_LEVEL"`
	Redis      RedisConfig     `yaml:"redis"`
	Storage    StorageConfig   `yaml:"storage"`
	Cache      CacheConfig     `yaml:"cache"`
	Authz      AuthzConfig     `yaml:"authz"`
	Upload     UploadConfig    `yaml:"upload"`
	Stats      StatsConfig     `yaml:"stats"`
	Database   DatabaseConfig  `yaml:"database"`
	Audit      AuditConfig     `yaml:"audit"`
	Server     ServerConfig    `yaml:"server"`
	Tracing    TracingConfig   `yaml:"tracing"`
	Logging    LoggingConfig   `yaml:"logging"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// RedisConfig holds the shared store connection settings.
type RedisConfig struct {
	URL      string `yaml:"url" env:"REDIS_URL"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// StorageConfig holds blob storage (S3 compatible) configuration.
type StorageConfig struct {
	Endpoint         string        `yaml:"endpoint" env:"STORAGE_ENDPOINT"`
	Region           string        `yaml:"region" env:"STORAGE_REGION"`
	AccessKey        string        `yaml:"access_key" env:"STORAGE_ACCESS_KEY"`
	SecretKey        string        `yaml:"secret_key" env:"STORAGE_SECRET_KEY"`
	Provider         string        `yaml:"provider" env:"STORAGE_PROVIDER"` // aws, minio, ...
	UsePathStyle     bool          `yaml:"use_path_style" env:"STORAGE_USE_PATH_STYLE"`
	MediaBucket      string        `yaml:"media_bucket" env:"STORAGE_MEDIA_BUCKET"`
	PublicKeyBucket  string        `yaml:"public_key_bucket" env:"STORAGE_PUBLIC_KEY_BUCKET"`
	PrivateKeyBucket string        `yaml:"private_key_bucket" env:"STORAGE_PRIVATE_KEY_BUCKET"`
	PresignExpiry    time.Duration `yaml:"presign_expiry" env:"STORAGE_PRESIGN_EXPIRY"`
}

// CacheConfig holds cache backend selection and per-purpose TTLs.
type CacheConfig struct {
	Backend          string        `yaml:"backend" env:"CACHE_BACKEND"` // memory or redis
	LockTTL          time.Duration `yaml:"lock_ttl" env:"CACHE_LOCK_TTL"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"CACHE_POLL_INTERVAL"`
	MaxAttempts      int           `yaml:"max_attempts" env:"CACHE_MAX_ATTEMPTS"`
	KeyPairTTL       time.Duration `yaml:"key_pair_ttl" env:"CACHE_KEY_PAIR_TTL"`
	AuthorizationTTL time.Duration `yaml:"authorization_ttl" env:"CACHE_AUTHORIZATION_TTL"`
	TokenTTL         time.Duration `yaml:"token_ttl" env:"CACHE_TOKEN_TTL"`
	SymmetricKeyTTL  time.Duration `yaml:"symmetric_key_ttl" env:"CACHE_SYMMETRIC_KEY_TTL"`
	MetadataTTL      time.Duration `yaml:"metadata_ttl" env:"CACHE_METADATA_TTL"`
	DownloadInfoTTL  time.Duration `yaml:"download_info_ttl" env:"CACHE_DOWNLOAD_INFO_TTL"`
}

// AuthzConfig holds endpoints and policy for the external authorization services.
type AuthzConfig struct {
	ScheduleBaseURL   string        `yaml:"schedule_base_url" env:"AUTHZ_SCHEDULE_BASE_URL"`
	PermissionURL     string        `yaml:"permission_url" env:"AUTHZ_PERMISSION_URL"`
	PermissionID      string        `yaml:"permission_id" env:"AUTHZ_PERMISSION_ID"`
	Timeout           time.Duration `yaml:"timeout" env:"AUTHZ_TIMEOUT"`
	TokenIssuer       string        `yaml:"token_issuer" env:"AUTHZ_TOKEN_ISSUER"`
	TokenSecret       string        `yaml:"token_secret" env:"AUTHZ_TOKEN_SECRET"`
	TokenPublicKeyPEM string        `yaml:"token_public_key_pem" env:"AUTHZ_TOKEN_PUBLIC_KEY_PEM"`
}

// UploadConfig holds upload validation settings.
type UploadConfig struct {
	ValidationDelay time.Duration `yaml:"validation_delay" env:"UPLOAD_VALIDATION_DELAY"`
}

// StatsConfig holds cross-instance stats aggregation settings.
type StatsConfig struct {
	Enabled         bool          `yaml:"enabled" env:"STATS_ENABLED"`
	Prefix          string        `yaml:"prefix" env:"STATS_PREFIX"`
	Schedule        string        `yaml:"schedule" env:"STATS_SCHEDULE"` // crontab expression
	Window          time.Duration `yaml:"window" env:"STATS_WINDOW"`
	CollectionDelay time.Duration `yaml:"collection_delay" env:"STATS_COLLECTION_DELAY"`
	SettleDelay     time.Duration `yaml:"settle_delay" env:"STATS_SETTLE_DELAY"`
}

// DatabaseConfig holds metadata database settings.
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DATABASE_DRIVER"` // postgres or sqlite
	DSN    string `yaml:"dsn" env:"DATABASE_DSN"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"`
}

// ServerConfig holds ops HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// LoggingConfig holds access log settings.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json or clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// RateLimitConfig holds per-client rate limiting of the media routes.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_LIMIT"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout or otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Storage: StorageConfig{
			Region:           "us-east-1",
			MediaBucket:      "media",
			PublicKeyBucket:  "public-keys",
			PrivateKeyBucket: "private-keys",
			PresignExpiry:    15 * time.Minute,
		},
		Cache: CacheConfig{
			Backend:          "redis",
			LockTTL:          5 * time.Second,
			PollInterval:     100 * time.Millisecond,
			MaxAttempts:      50,
			KeyPairTTL:       time.Hour,
			AuthorizationTTL: 24 * time.Hour,
			TokenTTL:         60 * time.Second,
			SymmetricKeyTTL:  time.Hour,
			MetadataTTL:      time.Hour,
			DownloadInfoTTL:  14 * time.Minute,
		},
		Authz: AuthzConfig{
			PermissionID: "attend_live_class_as_a_student_187",
			Timeout:      10 * time.Second,
		},
		Upload: UploadConfig{
			ValidationDelay: 30 * time.Second,
		},
		Stats: StatsConfig{
			Enabled:         false,
			Prefix:          "stats",
			Schedule:        "*/5 * * * *",
			Window:          5 * time.Minute,
			CollectionDelay: 10 * time.Second,
			SettleDelay:     10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "media-storage-gateway",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie", "x-amz-security-token"},
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  time.Minute,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)

	envString("REDIS_URL", &config.Redis.URL)
	envString("REDIS_PASSWORD", &config.Redis.Password)
	envInt("REDIS_DB", &config.Redis.DB)

	envString("STORAGE_ENDPOINT", &config.Storage.Endpoint)
	envString("STORAGE_REGION", &config.Storage.Region)
	envString("STORAGE_ACCESS_KEY", &config.Storage.AccessKey)
	envString("STORAGE_SECRET_KEY", &config.Storage.SecretKey)
	envString("STORAGE_PROVIDER", &config.Storage.Provider)
	envBool("STORAGE_USE_PATH_STYLE", &config.Storage.UsePathStyle)
	envString("STORAGE_MEDIA_BUCKET", &config.Storage.MediaBucket)
	envString("STORAGE_PUBLIC_KEY_BUCKET", &config.Storage.PublicKeyBucket)
	envString("STORAGE_PRIVATE_KEY_BUCKET", &config.Storage.PrivateKeyBucket)
	envDuration("STORAGE_PRESIGN_EXPIRY", &config.Storage.PresignExpiry)

	envString("CACHE_BACKEND", &config.Cache.Backend)
	config.Cache.Backend = strings.ToLower(config.Cache.Backend)
	envDuration("CACHE_LOCK_TTL", &config.Cache.LockTTL)
	envDuration("CACHE_POLL_INTERVAL", &config.Cache.PollInterval)
	envInt("CACHE_MAX_ATTEMPTS", &config.Cache.MaxAttempts)
	envDuration("CACHE_KEY_PAIR_TTL", &config.Cache.KeyPairTTL)
	envDuration("CACHE_AUTHORIZATION_TTL", &config.Cache.AuthorizationTTL)
	envDuration("CACHE_TOKEN_TTL", &config.Cache.TokenTTL)
	envDuration("CACHE_SYMMETRIC_KEY_TTL", &config.Cache.SymmetricKeyTTL)
	envDuration("CACHE_METADATA_TTL", &config.Cache.MetadataTTL)
	envDuration("CACHE_DOWNLOAD_INFO_TTL", &config.Cache.DownloadInfoTTL)

	envString("AUTHZ_SCHEDULE_BASE_URL", &config.Authz.ScheduleBaseURL)
	envString("AUTHZ_PERMISSION_URL", &config.Authz.PermissionURL)
	envString("AUTHZ_PERMISSION_ID", &config.Authz.PermissionID)
	envDuration("AUTHZ_TIMEOUT", &config.Authz.Timeout)
	envString("AUTHZ_TOKEN_ISSUER", &config.Authz.TokenIssuer)
	envString("AUTHZ_TOKEN_SECRET", &config.Authz.TokenSecret)
	envString("AUTHZ_TOKEN_PUBLIC_KEY_PEM", &config.Authz.TokenPublicKeyPEM)

	envDuration("UPLOAD_VALIDATION_DELAY", &config.Upload.ValidationDelay)

	envBool("STATS_ENABLED", &config.Stats.Enabled)
	envString("STATS_PREFIX", &config.Stats.Prefix)
	envString("STATS_SCHEDULE", &config.Stats.Schedule)
	envDuration("STATS_WINDOW", &config.Stats.Window)
	envDuration("STATS_COLLECTION_DELAY", &config.Stats.CollectionDelay)
	envDuration("STATS_SETTLE_DELAY", &config.Stats.SettleDelay)

	envString("DATABASE_DRIVER", &config.Database.Driver)
	envString("DATABASE_DSN", &config.Database.DSN)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)

	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = strings.Split(v, ",")
	}

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_LIMIT", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("invalid cache.backend: %s (must be memory or redis)", c.Cache.Backend)
	}
	if c.Cache.LockTTL < time.Second {
		return fmt.Errorf("cache.lock_ttl must be at least 1s")
	}
	if c.Cache.PollInterval <= 0 {
		return fmt.Errorf("cache.poll_interval must be positive")
	}
	if c.Cache.MaxAttempts <= 0 {
		return fmt.Errorf("cache.max_attempts must be positive")
	}

	if c.Storage.MediaBucket == "" || c.Storage.PublicKeyBucket == "" || c.Storage.PrivateKeyBucket == "" {
		return fmt.Errorf("storage.media_bucket, storage.public_key_bucket and storage.private_key_bucket are required")
	}
	if c.Storage.PublicKeyBucket == c.Storage.PrivateKeyBucket {
		return fmt.Errorf("storage.public_key_bucket and storage.private_key_bucket must differ")
	}
	// A cached download bundle must never outlive its presigned URL.
	if c.Cache.DownloadInfoTTL >= c.Storage.PresignExpiry {
		return fmt.Errorf("cache.download_info_ttl (%s) must be shorter than storage.presign_expiry (%s)",
			c.Cache.DownloadInfoTTL, c.Storage.PresignExpiry)
	}

	if c.Authz.PermissionID == "" {
		return fmt.Errorf("authz.permission_id is required")
	}

	if c.Upload.ValidationDelay <= 0 {
		return fmt.Errorf("upload.validation_delay must be positive")
	}

	if c.Stats.Enabled {
		if c.Cache.Backend != "redis" {
			return fmt.Errorf("stats aggregation requires cache.backend redis")
		}
		if c.Stats.Prefix == "" {
			return fmt.Errorf("stats.prefix is required when stats are enabled")
		}
		if c.Stats.Window <= c.Stats.CollectionDelay+c.Stats.SettleDelay {
			return fmt.Errorf("stats.window must exceed collection_delay + settle_delay")
		}
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid database.driver: %s (must be postgres or sqlite)", c.Database.Driver)
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json or clf)", c.Logging.AccessLogFormat)
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
