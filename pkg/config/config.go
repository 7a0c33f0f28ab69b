package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Credential store backends.
const (
	CredentialsBackendFile   = "file"
	CredentialsBackendRedis  = "redis"
	CredentialsBackendMemory = "memory"
)

type APIConfig struct {
	BaseURL   string        `yaml:"base_url" env:"API_URL"`
	Timeout   time.Duration `yaml:"timeout" env:"TICKETDESK_API_TIMEOUT"`
	UserAgent string        `yaml:"user_agent"`
}

type BroadcastingConfig struct {
	// AuthEndpoint overrides the URL derived from the API base URL.
	AuthEndpoint string `yaml:"auth_endpoint" env:"TICKETDESK_BROADCAST_AUTH_ENDPOINT"`
	AppSecret    string `yaml:"app_secret" env:"REVERB_APP_SECRET"`
}

type RealtimeConfig struct {
	AppKey                string        `yaml:"app_key" env:"REVERB_APP_KEY"`
	Host                  string        `yaml:"host" env:"REVERB_HOST"`
	Port                  int           `yaml:"port" env:"REVERB_PORT"`
	Scheme                string        `yaml:"scheme" env:"REVERB_SCHEME"`
	ActivityTimeout       time.Duration `yaml:"activity_timeout"`
	PongTimeout           time.Duration `yaml:"pong_timeout"`
	ReconnectAttempts     int           `yaml:"reconnect_attempts"`
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	BreakerThreshold      int           `yaml:"breaker_threshold"`
	BreakerTimeout        time.Duration `yaml:"breaker_timeout"`
}

type CredentialsConfig struct {
	Backend   string `yaml:"backend" env:"TICKETDESK_CREDENTIALS_BACKEND"`
	Path      string `yaml:"path" env:"TICKETDESK_CREDENTIALS_PATH"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SessionConfig struct {
	ExpiryCheckInterval time.Duration `yaml:"expiry_check_interval"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TICKETDESK_REDIS_ENABLED"`
	Address  string `yaml:"address" env:"TICKETDESK_REDIS_ADDRESS"`
	Password string `yaml:"password" env:"TICKETDESK_REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"TICKETDESK_LOG_LEVEL"`
	Format string `yaml:"format" env:"TICKETDESK_LOG_FORMAT"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"TICKETDESK_TRACING_ENABLED"`
	ServiceName string  `yaml:"service_name"`
	JaegerURL   string  `yaml:"jaeger_url" env:"TICKETDESK_JAEGER_URL"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	MetricsAddress    string `yaml:"metrics_address" env:"TICKETDESK_METRICS_ADDRESS"`
}

type ServerConfig struct {
	Address         string        `yaml:"address" env:"TICKETDESK_SERVER_ADDRESS"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SignalConfig struct {
	ActivityTimeout     time.Duration `yaml:"activity_timeout"`
	PongTimeout         time.Duration `yaml:"pong_timeout"`
	MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
}

// FixtureUser is an account served by the development backend.
type FixtureUser struct {
	ID       int64  `yaml:"id"`
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret" env:"TICKETDESK_JWT_SECRET"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl" env:"TICKETDESK_ACCESS_TOKEN_TTL"`
	Users          []FixtureUser `yaml:"users"`
}

type RateLimitingConfig struct {
	Enabled bool `yaml:"enabled" env:"TICKETDESK_RATE_LIMITING_ENABLED"`

	HTTP struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
	} `yaml:"http"`

	WebSocket struct {
		ConnectionsPerMinute int     `yaml:"connections_per_minute"`
		MessagesPerSecond    float64 `yaml:"messages_per_second"`
		Burst                int     `yaml:"burst"`
		MaxConcurrent        int     `yaml:"max_concurrent_connections"`
	} `yaml:"websocket"`
}

type Config struct {
	API          APIConfig          `yaml:"api"`
	Broadcasting BroadcastingConfig `yaml:"broadcasting"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Session      SessionConfig      `yaml:"session"`
	Redis        RedisConfig        `yaml:"redis"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`

	// Development backend (deskd) settings.
	Server       ServerConfig       `yaml:"server"`
	Signal       SignalConfig       `yaml:"signal"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// API
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute URL, got %q", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}

	// Realtime
	switch c.Realtime.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("realtime.scheme must be http or https, got %q", c.Realtime.Scheme)
	}
	if c.Realtime.Host == "" {
		return fmt.Errorf("realtime.host must not be empty")
	}
	if c.Realtime.Port <= 0 || c.Realtime.Port > 65535 {
		return fmt.Errorf("realtime.port must be within 1..65535")
	}
	if c.Realtime.ActivityTimeout <= 0 {
		return fmt.Errorf("realtime.activity_timeout must be > 0")
	}
	if c.Realtime.PongTimeout <= 0 {
		return fmt.Errorf("realtime.pong_timeout must be > 0")
	}
	if c.Realtime.ReconnectAttempts < 0 {
		return fmt.Errorf("realtime.reconnect_attempts must be >= 0")
	}
	if c.Realtime.ReconnectInitialDelay <= 0 || c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectInitialDelay {
		return fmt.Errorf("realtime reconnect delays must satisfy 0 < initial <= max")
	}

	// Credentials
	switch c.Credentials.Backend {
	case CredentialsBackendFile:
		if c.Credentials.Path == "" {
			return fmt.Errorf("credentials.path must not be empty for the file backend")
		}
	case CredentialsBackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty for the redis credentials backend")
		}
	case CredentialsBackendMemory:
	default:
		return fmt.Errorf("credentials.backend must be one of file, redis, memory, got %q", c.Credentials.Backend)
	}

	if c.Session.ExpiryCheckInterval <= 0 {
		return fmt.Errorf("session.expiry_check_interval must be > 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.ActivityTimeout <= 0 {
		return fmt.Errorf("signal.activity_timeout must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}
	for i, u := range c.Auth.Users {
		if u.Email == "" || u.Password == "" {
			return fmt.Errorf("auth.users[%d] must have email and password", i)
		}
		switch u.Role {
		case "admin", "agent", "customer":
		default:
			return fmt.Errorf("auth.users[%d].role must be admin, agent or customer, got %q", i, u.Role)
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file in the working directory is loaded first when present; variables
// already set in the process environment win over it.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
			// fall back to defaults
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.API.BaseURL = "http://localhost/api"
	cfg.API.Timeout = 15 * time.Second
	cfg.API.UserAgent = "ticketdesk/1.0"

	cfg.Broadcasting.AppSecret = "ticketdesk-dev-secret"

	cfg.Realtime.AppKey = "ticketdesk"
	cfg.Realtime.Host = "localhost"
	cfg.Realtime.Port = 8080
	cfg.Realtime.Scheme = "http"
	cfg.Realtime.ActivityTimeout = 120 * time.Second
	cfg.Realtime.PongTimeout = 30 * time.Second
	cfg.Realtime.ReconnectAttempts = 10
	cfg.Realtime.ReconnectInitialDelay = 500 * time.Millisecond
	cfg.Realtime.ReconnectMaxDelay = 30 * time.Second
	cfg.Realtime.BreakerThreshold = 5
	cfg.Realtime.BreakerTimeout = 30 * time.Second

	cfg.Credentials.Backend = CredentialsBackendFile
	cfg.Credentials.Path = defaultCredentialsPath()
	cfg.Credentials.KeyPrefix = "ticketdesk:session:"

	cfg.Session.ExpiryCheckInterval = 30 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "ticketdesk"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsAddress = ""

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.ActivityTimeout = 120 * time.Second
	cfg.Signal.PongTimeout = 30 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 2 * time.Hour
	cfg.Auth.Users = []FixtureUser{
		{ID: 1, Name: "Ada Admin", Email: "admin@example.com", Password: "password", Role: "admin"},
		{ID: 2, Name: "Alan Agent", Email: "agent@example.com", Password: "password", Role: "agent"},
		{ID: 3, Name: "Cora Customer", Email: "customer@example.com", Password: "password", Role: "customer"},
	}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	return cfg
}

// BroadcastAuthEndpoint returns the channel authorization URL: the explicit
// override when set, otherwise the API base URL with a trailing "/api"
// removed plus "/broadcasting/auth".
func (c *Config) BroadcastAuthEndpoint() string {
	if c.Broadcasting.AuthEndpoint != "" {
		return c.Broadcasting.AuthEndpoint
	}
	return DeriveBroadcastAuthEndpoint(c.API.BaseURL)
}

// DeriveBroadcastAuthEndpoint maps an API base URL onto the broadcasting
// authorization route served next to it.
func DeriveBroadcastAuthEndpoint(apiBaseURL string) string {
	base := strings.TrimRight(apiBaseURL, "/")
	base = strings.TrimSuffix(base, "/api")
	if base == "" {
		base = "http://localhost"
	}
	return base + "/broadcasting/auth"
}

// ForceTLS reports whether the realtime transport must use wss.
func (c *Config) ForceTLS() bool {
	return c.Realtime.Scheme == "https"
}

func (c *Config) applyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".ticketdesk", "credentials.json")
	}
	return filepath.Join(dir, "ticketdesk", "credentials.json")
}
