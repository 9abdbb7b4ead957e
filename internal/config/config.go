package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir   string `yaml:"data_dir" envconfig:"DATA_DIR"`
	CacheFile string `yaml:"cache_file" envconfig:"CACHE_FILE"`
}

// StorageConfig selects the license record backend.
// DSN is a file path for sqlite and bolt, a go-sql-driver DSN for mysql.
type StorageConfig struct {
	Driver string `yaml:"driver" envconfig:"DRIVER"`
	DSN    string `yaml:"dsn" envconfig:"DSN"`
}

// LicenseConfig contains license engine configuration
type LicenseConfig struct {
	AdminSecret   string        `yaml:"admin_secret" envconfig:"ADMIN_SECRET"`
	IssueAttempts int           `yaml:"issue_attempts" envconfig:"ISSUE_ATTEMPTS"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	KDFIterations int           `yaml:"kdf_iterations" envconfig:"KDF_ITERATIONS"`
}

// AuthConfig contains admin account and session configuration
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	SessionTTL        time.Duration `yaml:"session_ttl" envconfig:"SESSION_TTL"`
	CookieName        string        `yaml:"cookie_name" envconfig:"COOKIE_NAME"`
	CookieSecure      bool          `yaml:"cookie_secure" envconfig:"COOKIE_SECURE"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts" envconfig:"MAX_FAILED_ATTEMPTS"`
	LockoutDuration   time.Duration `yaml:"lockout_duration" envconfig:"LOCKOUT_DURATION"`
	MinPasswordLength int           `yaml:"min_password_length" envconfig:"MIN_PASSWORD_LENGTH"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// TelemetryConfig controls OpenTelemetry exporters
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TracesEnabled  bool    `yaml:"traces_enabled" envconfig:"TRACES_ENABLED"`
	MetricsEnabled bool    `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Load loads configuration from defaults, the first config file found and
// the environment, in that order of precedence.
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom is Load with an explicit config file. An empty path skips the file.
func LoadFrom(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields carry no default tags, so only variables that are actually set
	// overwrite what the defaults and the file produced.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML values onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverBolt, DriverMySQL:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage dsn is required for driver %q", c.Storage.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}

	if c.License.IssueAttempts < 1 {
		return fmt.Errorf("license issue attempts must be at least 1")
	}

	if c.License.KDFIterations < MinKDFIterations {
		return fmt.Errorf("license kdf iterations must be at least %d", MinKDFIterations)
	}

	if c.Auth.MaxFailedAttempts < 1 {
		return fmt.Errorf("auth max failed attempts must be at least 1")
	}

	if c.Paths.CacheFile == "" {
		return fmt.Errorf("license cache file path is required")
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample ratio must be between 0 and 1")
	}

	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.Logging.Format != "text" {
		c.Logging.Format = "json"
	}
	c.Logging.Output = strings.ToLower(c.Logging.Output)
	if c.Logging.Output != "console" && c.Logging.Output != "file" && c.Logging.Output != "both" {
		c.Logging.Output = "console"
	}

	return nil
}

// AdminIssuanceEnabled reports whether the administrative endpoints accept requests.
func (c *Config) AdminIssuanceEnabled() bool {
	return c.License.AdminSecret != ""
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		return path
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            DefaultPort,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  DefaultRequestTimeout,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:5000"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/hostelpro.log",
		},
		Paths: PathsConfig{
			DataDir:   DefaultDataDir,
			CacheFile: DefaultCacheFile,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			DSN:    DefaultSQLiteFile,
		},
		License: LicenseConfig{
			IssueAttempts: DefaultIssueAttempts,
			SweepInterval: DefaultSweepInterval,
			KDFIterations: DefaultKDFIterations,
		},
		Auth: AuthConfig{
			SessionTTL:        DefaultSessionTTL,
			CookieName:        SessionCookieName,
			MaxFailedAttempts: MaxLoginAttempts,
			LockoutDuration:   LoginBlockDuration,
			MinPasswordLength: MinPasswordLength,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      WebSocketPingPeriod,
			PongWait:        WebSocketPongWait,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    ServiceName,
			Environment:    "production",
			TracesEnabled:  false,
			MetricsEnabled: true,
			SampleRatio:    1.0,
		},
	}
}
