package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/circles/pkg/audit"
	"github.com/platinummonkey/circles/pkg/middleware"
	"github.com/platinummonkey/circles/pkg/observability"
	"github.com/platinummonkey/circles/pkg/ratelimit"
	"github.com/platinummonkey/circles/pkg/storage"
)

// ConfigFileEnv names the optional YAML file read before environment overrides
const ConfigFileEnv = "CIRCLES_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Storage       storage.Config      `yaml:"storage"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Invites       InvitesConfig       `yaml:"invites"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`

	CORSOrigins []string `yaml:"cors_origins"`

	// Honour X-Forwarded-For / X-Real-IP. Only enable behind a proxy that sets them.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
}

// AuthConfig describes how the upstream authenticator hands us the actor
type AuthConfig struct {
	ActorHeader string `yaml:"actor_header"`
}

// RateLimitConfig bounds invite redemption attempts
type RateLimitConfig struct {
	JoinPerIP    ratelimit.Config `yaml:"join_per_ip"`
	JoinPerActor ratelimit.Config `yaml:"join_per_actor"`

	// Used when no Redis is configured
	MemoryMaxKeys int    `yaml:"memory_max_keys"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// InvitesConfig holds invite code settings
type InvitesConfig struct {
	// Report inactive/expired/exhausted to the client instead of invalid_code
	DetailedErrors bool   `yaml:"detailed_errors"`
	SweepSchedule  string `yaml:"sweep_schedule"`
}

// AuditConfig holds audit log settings
type AuditConfig struct {
	Archive audit.ArchiveConfig `yaml:"archive"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level parses LogLevel, defaulting to info
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// OTel converts to the tracing setup config
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
			CORSOrigins:     []string{"*"},
		},
		Auth: AuthConfig{
			ActorHeader: middleware.DefaultActorHeader,
		},
		Storage: storage.DefaultConfig(),
		RateLimit: RateLimitConfig{
			JoinPerIP:     ratelimit.JoinPerIPConfig(),
			JoinPerActor:  ratelimit.JoinPerActorConfig(),
			MemoryMaxKeys: ratelimit.DefaultMaxKeys,
			RedisPrefix:   "circles:ratelimit",
		},
		Invites: InvitesConfig{
			SweepSchedule: "*/10 * * * *",
		},
		Audit: AuditConfig{
			Archive: audit.ArchiveConfig{
				Prefix:   "audit",
				Region:   "us-east-1",
				Schedule: "15 0 * * *",
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "circles",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1.0,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file named by
// CIRCLES_CONFIG_FILE, then CIRCLES_* environment variables, and validates the result.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("CIRCLES_HOST", s.Host)
	s.Port = getEnv("CIRCLES_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("CIRCLES_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("CIRCLES_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("CIRCLES_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("CIRCLES_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("CIRCLES_HEALTH_PORT", s.HealthPort)
	if origins := getEnv("CIRCLES_CORS_ORIGINS", ""); origins != "" {
		s.CORSOrigins = storage.ParseReplicaURLs(origins)
	}
	s.TrustForwardedFor = getEnvBool("CIRCLES_TRUST_FORWARDED_FOR", s.TrustForwardedFor)

	c.Auth.ActorHeader = getEnv("CIRCLES_ACTOR_HEADER", c.Auth.ActorHeader)

	db := &c.Storage
	if driver := getEnv("CIRCLES_DB_DRIVER", ""); driver != "" {
		db.Driver = storage.Dialect(driver)
	}
	db.URL = getEnv("CIRCLES_DB_URL", db.URL)
	if replicas := getEnv("CIRCLES_DB_REPLICA_URLS", ""); replicas != "" {
		db.ReplicaURLs = storage.ParseReplicaURLs(replicas)
	}
	db.MaxConns = getEnvInt("CIRCLES_DB_MAX_CONNS", db.MaxConns)
	db.MinConns = getEnvInt("CIRCLES_DB_MIN_CONNS", db.MinConns)
	db.Timeout = getEnvDuration("CIRCLES_DB_TIMEOUT", db.Timeout)
	db.AutoMigrate = getEnvBool("CIRCLES_DB_AUTO_MIGRATE", db.AutoMigrate)
	db.RedisURL = getEnv("CIRCLES_REDIS_URL", db.RedisURL)
	db.RedisPassword = getEnv("CIRCLES_REDIS_PASSWORD", db.RedisPassword)
	db.RedisDB = getEnvInt("CIRCLES_REDIS_DB", db.RedisDB)
	db.RedisMaxRetries = getEnvInt("CIRCLES_REDIS_MAX_RETRIES", db.RedisMaxRetries)
	db.RedisPoolSize = getEnvInt("CIRCLES_REDIS_POOL_SIZE", db.RedisPoolSize)

	rl := &c.RateLimit
	rl.JoinPerIP.RequestsPerWindow = getEnvInt("CIRCLES_JOIN_PER_IP_LIMIT", rl.JoinPerIP.RequestsPerWindow)
	rl.JoinPerIP.WindowDuration = getEnvDuration("CIRCLES_JOIN_PER_IP_WINDOW", rl.JoinPerIP.WindowDuration)
	rl.JoinPerActor.RequestsPerWindow = getEnvInt("CIRCLES_JOIN_PER_ACTOR_LIMIT", rl.JoinPerActor.RequestsPerWindow)
	rl.JoinPerActor.WindowDuration = getEnvDuration("CIRCLES_JOIN_PER_ACTOR_WINDOW", rl.JoinPerActor.WindowDuration)

	c.Invites.DetailedErrors = getEnvBool("CIRCLES_INVITE_DETAILED_ERRORS", c.Invites.DetailedErrors)
	c.Invites.SweepSchedule = getEnv("CIRCLES_INVITE_SWEEP_SCHEDULE", c.Invites.SweepSchedule)

	a := &c.Audit.Archive
	a.Enabled = getEnvBool("CIRCLES_AUDIT_ARCHIVE_ENABLED", a.Enabled)
	a.Bucket = getEnv("CIRCLES_AUDIT_ARCHIVE_BUCKET", a.Bucket)
	a.Prefix = getEnv("CIRCLES_AUDIT_ARCHIVE_PREFIX", a.Prefix)
	a.Region = getEnv("CIRCLES_AUDIT_ARCHIVE_REGION", a.Region)
	a.Endpoint = getEnv("CIRCLES_AUDIT_ARCHIVE_ENDPOINT", a.Endpoint)
	a.AccessKey = getEnv("CIRCLES_AUDIT_ARCHIVE_ACCESS_KEY", a.AccessKey)
	a.SecretKey = getEnv("CIRCLES_AUDIT_ARCHIVE_SECRET_KEY", a.SecretKey)
	a.UsePathStyle = getEnvBool("CIRCLES_AUDIT_ARCHIVE_USE_PATH_STYLE", a.UsePathStyle)
	a.Schedule = getEnv("CIRCLES_AUDIT_ARCHIVE_SCHEDULE", a.Schedule)

	o := &c.Observability
	o.LogLevel = getEnv("CIRCLES_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("CIRCLES_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("CIRCLES_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("CIRCLES_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("CIRCLES_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("CIRCLES_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("CIRCLES_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("CIRCLES_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if strings.TrimSpace(c.Auth.ActorHeader) == "" {
		return fmt.Errorf("actor header is required")
	}

	switch c.Storage.Driver {
	case storage.DialectPostgres, storage.DialectSQLite:
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Storage.Driver)
	}
	if c.Storage.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	for name, limit := range map[string]ratelimit.Config{
		"join_per_ip":    c.RateLimit.JoinPerIP,
		"join_per_actor": c.RateLimit.JoinPerActor,
	} {
		if limit.RequestsPerWindow <= 0 || limit.WindowDuration <= 0 {
			return fmt.Errorf("rate limit %s needs a positive limit and window", name)
		}
	}

	if c.Invites.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Invites.SweepSchedule); err != nil {
			return fmt.Errorf("invalid invite sweep schedule: %w", err)
		}
	}

	if a := c.Audit.Archive; a.Enabled {
		if a.Bucket == "" || a.Region == "" {
			return fmt.Errorf("audit archive requires a bucket and region")
		}
		if _, err := cron.ParseStandard(a.Schedule); err != nil {
			return fmt.Errorf("invalid audit archive schedule: %w", err)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
