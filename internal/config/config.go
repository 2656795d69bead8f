package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	Kafka     KafkaConfig     `yaml:"kafka" envPrefix:"KAFKA_"`
	Realtime  RealtimeConfig  `yaml:"realtime" envPrefix:"REALTIME_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Registry  RegistryConfig  `yaml:"registry" envPrefix:"REGISTRY_"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" envPrefix:"LIFECYCLE_"`
	Tracing   TracingConfig   `yaml:"tracing" envPrefix:"TRACING_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Features  FeaturesConfig  `yaml:"features" envPrefix:"FEATURE_"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string        `yaml:"port" env:"PORT"`
	Host            string        `yaml:"host" env:"HOST"`
	EnableTLS       bool          `yaml:"enable_tls" env:"ENABLE_TLS"`
	CertFile        string        `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile         string        `yaml:"key_file" env:"KEY_FILE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	MaxRequestBodySize int64    `yaml:"max_request_body_size" env:"MAX_REQUEST_BODY_SIZE"`
	AllowedOrigins     []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	// WebhookSecret guards the change webhook and flag updates. Empty closes them.
	WebhookSecret string `yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	Rate    int           `yaml:"rate" env:"RATE"`
	Window  time.Duration `yaml:"window" env:"WINDOW"`
}

// RedisConfig enables the shared cache. An empty address uses an in-process
// cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// KafkaConfig selects the push transport. Without brokers notifications are
// only logged.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"TOPIC"`
}

// RealtimeConfig points at the backend's change feed.
type RealtimeConfig struct {
	URL       string        `yaml:"url" env:"URL"`
	APIKey    string        `yaml:"api_key" env:"API_KEY"`
	Schema    string        `yaml:"schema" env:"SCHEMA"`
	Tables    []string      `yaml:"tables" env:"TABLES" envSeparator:","`
	Heartbeat time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
}

// AuthConfig holds the identity provider's token settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// RegistryConfig configures the tax-registry lookup used at onboarding.
type RegistryConfig struct {
	BaseURL  string        `yaml:"base_url" env:"BASE_URL"`
	Token    string        `yaml:"token" env:"TOKEN"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// LifecycleConfig tunes group evaluation.
type LifecycleConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	ExpiryGrace   time.Duration `yaml:"expiry_grace" env:"EXPIRY_GRACE"`
}

// TracingConfig holds the Jaeger exporter settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	Environment string  `yaml:"environment" env:"ENVIRONMENT"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
}

// FeaturesConfig holds the initial state of the feature flags.
type FeaturesConfig struct {
	ExpirySweeper     bool `yaml:"expiry_sweeper" env:"EXPIRY_SWEEPER"`
	PushNotifications bool `yaml:"push_notifications" env:"PUSH_NOTIFICATIONS"`
	RealtimeSource    bool `yaml:"realtime_source" env:"REALTIME_SOURCE"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./nexusbiz.db",
		},
		Security: SecurityConfig{
			MaxRequestBodySize: 1 << 20,
			AllowedOrigins:     []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  time.Minute,
		},
		Kafka: KafkaConfig{
			Topic: "nexusbiz.notifications",
		},
		Realtime: RealtimeConfig{
			Schema:    "public",
			Tables:    []string{"ofertas", "reservas", "usuarios", "grupos", "group_participants"},
			Heartbeat: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Timeout:  10 * time.Second,
			CacheTTL: 24 * time.Hour,
		},
		Lifecycle: LifecycleConfig{
			SweepInterval: time.Minute,
		},
		Tracing: TracingConfig{
			Endpoint:    "http://localhost:14268/api/traces",
			ServiceName: "nexusbiz",
			Environment: "development",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Features: FeaturesConfig{
			ExpirySweeper:     true,
			PushNotifications: true,
		},
	}
}

// LoadConfig loads configuration from defaults, an optional YAML file and the
// environment, in that order of precedence.
func LoadConfig(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.EnableTLS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("tls requires both cert_file and key_file")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Security.MaxRequestBodySize <= 0 {
		return fmt.Errorf("max request body size must be positive")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	if c.Features.RealtimeSource && c.Realtime.URL == "" {
		return fmt.Errorf("realtime url is required when the realtime source is enabled")
	}
	if c.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.Lifecycle.ExpiryGrace < 0 {
		return fmt.Errorf("expiry grace cannot be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
