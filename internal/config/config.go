package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "RESIZER"

// ConfigFileEnv names the variable that points Load at an explicit YAML file.
const ConfigFileEnv = "RESIZER_CONFIG_FILE"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Authority AuthorityConfig `yaml:"authority" envconfig:"AUTHORITY"`
	Signature SignatureConfig `yaml:"signature" envconfig:"SIGNATURE"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int             `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	RefreshLimit    RateLimitConfig `yaml:"refresh_limit" envconfig:"REFRESH_LIMIT"`
	// AdminToken guards the manual refresh endpoint. Empty leaves it open.
	AdminToken string `yaml:"-" envconfig:"ADMIN_TOKEN"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"gte=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// LicenseConfig drives the enforcement engine.
//
// Enforce is read once when the enforcer is built. With Enforce off every
// access check is permitted and nothing else in this section matters.
type LicenseConfig struct {
	Enforce         bool          `yaml:"enforce" envconfig:"ENFORCE"`
	LicenseID       string        `yaml:"license_id" envconfig:"ID"`
	GracePeriod     time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD" validate:"gt=0"`
	BootstrapGrace  time.Duration `yaml:"bootstrap_grace" envconfig:"BOOTSTRAP_GRACE" validate:"gte=0"`
	RefreshInterval time.Duration `yaml:"refresh_interval" envconfig:"REFRESH_INTERVAL" validate:"gt=0"`
	RetryBase       time.Duration `yaml:"retry_base" envconfig:"RETRY_BASE" validate:"gt=0"`
	RetryMax        time.Duration `yaml:"retry_max" envconfig:"RETRY_MAX" validate:"gt=0"`
	RetryJitter     time.Duration `yaml:"retry_jitter" envconfig:"RETRY_JITTER" validate:"gte=0"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout" envconfig:"ATTEMPT_TIMEOUT" validate:"gt=0"`
	LoopbackExempt  bool          `yaml:"loopback_exempt" envconfig:"LOOPBACK_EXEMPT"`
	RefuseAction    string        `yaml:"refuse_action" envconfig:"REFUSE_ACTION" validate:"oneof=block watermark"`
	PrimaryHost     string        `yaml:"primary_host" envconfig:"PRIMARY_HOST"`
}

// AuthorityConfig selects and configures the remote license authority.
type AuthorityConfig struct {
	Kind         string        `yaml:"kind" envconfig:"KIND" validate:"oneof=http sheets file none"`
	Endpoint     string        `yaml:"endpoint" envconfig:"ENDPOINT"`
	SharedSecret string        `yaml:"shared_secret" envconfig:"SHARED_SECRET"`
	Timeout      time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
	UserAgent    string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	TokenFile    string        `yaml:"token_file" envconfig:"TOKEN_FILE"`
	Breaker      BreakerConfig `yaml:"breaker" envconfig:"BREAKER"`
	Sheets       SheetsConfig  `yaml:"sheets" envconfig:"SHEETS"`
}

// BreakerConfig tunes the circuit breaker wrapped around the HTTP authority.
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests" envconfig:"MAX_REQUESTS"`
	Interval            time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	Timeout             time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" envconfig:"CONSECUTIVE_FAILURES" validate:"gte=1"`
}

// SheetsConfig locates the license sheet for the Sheets authority.
type SheetsConfig struct {
	SpreadsheetID   string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName       string `yaml:"sheet_name" envconfig:"SHEET_NAME"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	APIKey          string `yaml:"api_key" envconfig:"API_KEY"`
}

// SignatureConfig configures license token verification.
type SignatureConfig struct {
	Scheme       string `yaml:"scheme" envconfig:"SCHEME" validate:"oneof=ed25519 hmac"`
	PublicKey    string `yaml:"public_key" envconfig:"PUBLIC_KEY"`
	SharedSecret string `yaml:"shared_secret" envconfig:"SHARED_SECRET"`
}

// StorageConfig selects where verification state survives restarts.
type StorageConfig struct {
	Backend    string `yaml:"backend" envconfig:"BACKEND" validate:"oneof=file redis sql memory"`
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`
	Passphrase string `yaml:"passphrase" envconfig:"PASSPHRASE"`
	RedisAddr  string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisDB    int    `yaml:"redis_db" envconfig:"REDIS_DB" validate:"gte=0"`
	RedisKey   string `yaml:"redis_key" envconfig:"REDIS_KEY"`
	// RedisPassword is never written back to YAML.
	RedisPassword string `yaml:"-" envconfig:"REDIS_PASSWORD"`
	SQLDSN        string `yaml:"sql_dsn" envconfig:"SQL_DSN"`
}

// TelemetryConfig mirrors infrastructure.OTelConfig for file/env loading.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TracingEnabled bool    `yaml:"tracing_enabled" envconfig:"TRACING_ENABLED"`
	MetricsEnabled bool    `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// Load builds the configuration from defaults, an optional YAML file and
// RESIZER_* environment variables, in that order of increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if configFile := getConfigFilePath(); configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
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

// Validate checks field constraints and the combinations between sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	// Logs are always JSON
	c.Logging.Format = "json"

	if c.License.RetryBase > c.License.RetryMax {
		return fmt.Errorf("license retry base %s exceeds retry max %s", c.License.RetryBase, c.License.RetryMax)
	}

	if !c.License.Enforce {
		return nil
	}

	if strings.TrimSpace(c.License.LicenseID) == "" {
		return fmt.Errorf("license id is required when enforcement is on")
	}

	switch c.Authority.Kind {
	case "http":
		if c.Authority.Endpoint == "" {
			return fmt.Errorf("authority endpoint is required for kind %q", c.Authority.Kind)
		}
	case "sheets":
		if c.Authority.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("spreadsheet id is required for kind %q", c.Authority.Kind)
		}
	case "file":
		if c.Authority.TokenFile == "" {
			return fmt.Errorf("token file is required for kind %q", c.Authority.Kind)
		}
	}

	switch c.Signature.Scheme {
	case "ed25519":
		if c.Signature.PublicKey == "" {
			return fmt.Errorf("signature public key is required for scheme %q", c.Signature.Scheme)
		}
	case "hmac":
		if c.Signature.SharedSecret == "" {
			return fmt.Errorf("signature shared secret is required for scheme %q", c.Signature.Scheme)
		}
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.FilePath == "" {
			return fmt.Errorf("storage file path is required for backend %q", c.Storage.Backend)
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("redis address is required for backend %q", c.Storage.Backend)
		}
	case "sql":
		if c.Storage.SQLDSN == "" {
			return fmt.Errorf("sql dsn is required for backend %q", c.Storage.Backend)
		}
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(ConfigFileEnv); explicit != "" {
		return explicit
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
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RefreshLimit: RateLimitConfig{
				Enabled: true,
				RPS:     0.2,
				Burst:   2,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/licensed.log",
		},
		License: LicenseConfig{
			Enforce:         false,
			GracePeriod:     7 * 24 * time.Hour,
			BootstrapGrace:  72 * time.Hour,
			RefreshInterval: 6 * time.Hour,
			RetryBase:       time.Minute,
			RetryMax:        time.Hour,
			AttemptTimeout:  30 * time.Second,
			LoopbackExempt:  true,
			RefuseAction:    "block",
		},
		Authority: AuthorityConfig{
			Kind:      "none",
			Timeout:   30 * time.Second,
			UserAgent: "resizer-licensing/1.0",
			Breaker: BreakerConfig{
				MaxRequests:         1,
				Interval:            0,
				Timeout:             5 * time.Minute,
				ConsecutiveFailures: 3,
			},
			Sheets: SheetsConfig{
				SheetName: "Licenses",
			},
		},
		Signature: SignatureConfig{
			Scheme: "ed25519",
		},
		Storage: StorageConfig{
			Backend:  "file",
			FilePath: "data/license-state.json",
			RedisKey: "resizer:license:state",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "resizer-licensed",
			Environment:    "production",
			TracingEnabled: false,
			MetricsEnabled: true,
			TraceExporter:  "none",
			SampleRatio:    1.0,
		},
	}
}
