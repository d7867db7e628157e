// Package config loads the server's runtime configuration from an optional
// local YAML file overridden by environment variables (with an optional
// local .env file), with typed defaults and fail-fast validation of the
// values that have no safe default.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Env  string `yaml:"env"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the Identity Store's Postgres/Supabase connection.
// Supabase needs a project URL and a service-role key, two distinct
// secrets; DATABASE_URL carries only the former.
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	ServiceKey     string `yaml:"service_key"`
	MaxConnections int    `yaml:"max_connections"`
}

// EventLogConfig holds the NATS JetStream connection and retention
// policy.
type EventLogConfig struct {
	URL         string        `yaml:"url"`
	StreamName  string        `yaml:"stream_name"`
	MaxAge      time.Duration `yaml:"max_age"`
	MaxBytes    int64         `yaml:"max_bytes"`
	MaxMessages int64         `yaml:"max_messages"`
}

// AuthConfig holds Credential Gate secrets.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	HashPepper string `yaml:"hash_pepper"`
}

// ObservabilityConfig holds the Observer capability's exporter settings.
type ObservabilityConfig struct {
	OTelExporterEndpoint string `yaml:"otel_exporter_endpoint"`
	ServiceName          string `yaml:"service_name"`
	LogLevel             string `yaml:"log_level"`
	MetricsAddr          string `yaml:"metrics_addr"`
}

// RedisConfig holds the optional cross-pod alert/event fan-out bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// Config is the full, process-wide configuration tree. It is built once in
// cmd/server/main.go and passed by value/pointer into constructors — there
// is no package-level singleton anywhere in this tree.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	EventLog      EventLogConfig      `yaml:"event_log"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Redis         RedisConfig         `yaml:"redis"`
}

// Load layers three sources, lowest precedence first: an optional YAML file
// (CONFIG_FILE, default config.yaml; missing is not an error — most
// deployments run on env vars alone), a local .env file (also optional, same
// reasoning), then environment variables, which always win. It then applies
// defaults for anything still unset and validates the required fields.
func Load() (*Config, error) {
	file, err := loadYAMLFile()
	if err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", strOr(file.Server.Host, "0.0.0.0")),
			Port:            getEnv("SERVER_PORT", strOr(file.Server.Port, "8080")),
			Env:             getEnv("ENV", strOr(file.Server.Env, "development")),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", durOr(file.Server.ReadTimeout, 15*time.Second)),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", durOr(file.Server.WriteTimeout, 15*time.Second)),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", durOr(file.Server.ShutdownTimeout, 10*time.Second)),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", file.Database.URL),
			ServiceKey:     getEnv("DATABASE_SERVICE_KEY", file.Database.ServiceKey),
			MaxConnections: getEnvInt("DATABASE_MAX_CONNECTIONS", intOr(file.Database.MaxConnections, 20)),
		},
		EventLog: EventLogConfig{
			URL:         getEnv("LOG_URL", strOr(file.EventLog.URL, "nats://127.0.0.1:4222")),
			StreamName:  getEnv("LOG_STREAM_NAME", strOr(file.EventLog.StreamName, "PLATFORM_EVENTS")),
			MaxAge:      getEnvDuration("LOG_MAX_AGE", durOr(file.EventLog.MaxAge, 30*24*time.Hour)),
			MaxBytes:    getEnvInt64("LOG_MAX_BYTES", int64Or(file.EventLog.MaxBytes, 10*1<<30)),
			MaxMessages: getEnvInt64("LOG_MAX_MESSAGES", int64Or(file.EventLog.MaxMessages, 1_000_000)),
		},
		Auth: AuthConfig{
			JWTSecret:  getEnv("JWT_SECRET", file.Auth.JWTSecret),
			HashPepper: getEnv("API_KEY_HASH_PEPPER", file.Auth.HashPepper),
		},
		Observability: ObservabilityConfig{
			OTelExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", file.Observability.OTelExporterEndpoint),
			ServiceName:          getEnv("SERVICE_NAME", strOr(file.Observability.ServiceName, "realtime-platform")),
			LogLevel:             getEnv("LOG_LEVEL", strOr(file.Observability.LogLevel, "info")),
			MetricsAddr:          getEnv("METRICS_ADDR", strOr(file.Observability.MetricsAddr, ":9090")),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", strOr(file.Redis.Addr, "127.0.0.1:6379")),
			Password: getEnv("REDIS_PASSWORD", file.Redis.Password),
			DB:       getEnvInt("REDIS_DB", file.Redis.DB),
			Enabled:  getEnvBool("REDIS_ENABLED", file.Redis.Enabled),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAMLFile reads the optional config file named by CONFIG_FILE (default
// config.yaml) into a Config used as the base layer beneath environment
// variables. A missing file is not an error — most deployments configure
// entirely through the environment and never have one.
func loadYAMLFile() (*Config, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	slog.Info("loaded config file", "path", path)
	return &file, nil
}

func strOr(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

func intOr(val, defaultVal int) int {
	if val != 0 {
		return val
	}
	return defaultVal
}

func int64Or(val, defaultVal int64) int64 {
	if val != 0 {
		return val
	}
	return defaultVal
}

func durOr(val, defaultVal time.Duration) time.Duration {
	if val != 0 {
		return val
	}
	return defaultVal
}

// validate fails startup when a value with no safe default is missing.
// DATABASE_URL and JWT_SECRET have no default because a default would
// silently point production at the wrong database or accept any token.
func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Database.ServiceKey == "" {
		return fmt.Errorf("config: DATABASE_SERVICE_KEY is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.Auth.HashPepper == "" {
		// Not fatal: JWTSecret is reused as the API key lookup-hash pepper so
		// a minimal deployment still works, but that's a deliberate
		// degrade-with-a-warning, not a silently accepted default.
		slog.Warn("API_KEY_HASH_PEPPER not set, falling back to JWT_SECRET for API key lookup hashing")
		c.Auth.HashPepper = c.Auth.JWTSecret
	}
	return nil
}

func (c *Config) IsProduction() bool  { return c.Server.Env == "production" }
func (c *Config) IsDevelopment() bool { return c.Server.Env == "development" }

// Addr is the listen address built from Host and Port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
