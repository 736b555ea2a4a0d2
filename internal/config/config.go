package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when the config file omits them.
const (
	// DefaultListenAddr is the fallback HTTP listen address.
	DefaultListenAddr = ":8089"
	// DefaultGraceCredits is the grace pool size stamped onto new accounts.
	DefaultGraceCredits = 50
	// DefaultJWTExpiry is the fallback token lifetime.
	DefaultJWTExpiry = 24 * time.Hour
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen-addr"` // Address the gin server binds to.
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // Postgres or SQLite DSN.
}

// RedisConfig holds the optional credit status cache settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`     // host:port, empty disables the cache.
	Password string `yaml:"password"` // Auth password, if required.
	DB       int    `yaml:"db"`       // Logical database index.
}

// SMTPConfig holds outbound alert email settings.
type SMTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	FromEmail string `yaml:"from-email"`
	FromName  string `yaml:"from-name"`
}

// JWTConfig holds token signing settings.
type JWTConfig struct {
	Secret      string        `yaml:"secret"`       // HS256 signing secret.
	Expiry      time.Duration `yaml:"-"`            // Parsed token lifetime.
	ExpiryHours int           `yaml:"expiry-hours"` // Token lifetime in hours.
}

// ServiceConfig holds service-to-service auth settings.
type ServiceConfig struct {
	Token string `yaml:"token"` // Shared secret for the conversation pipeline and webhook callers.
}

// LedgerConfig holds credit ledger tuning.
type LedgerConfig struct {
	GraceCredits int64 `yaml:"grace-credits"` // Grace pool size for newly created accounts.
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // logrus level name.
	File       string `yaml:"file"`        // Rotating log file path, empty logs to stderr only.
	MaxSizeMB  int    `yaml:"max-size-mb"` // Rotation size threshold.
	MaxBackups int    `yaml:"max-backups"` // Rotated files to keep.
	MaxAgeDays int    `yaml:"max-age-days"`
}

// AdminBootstrapConfig seeds the initial support admin account.
type AdminBootstrapConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"` // Plaintext in config, hashed before storage.
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Redis    RedisConfig          `yaml:"redis"`
	SMTP     SMTPConfig           `yaml:"smtp"`
	JWT      JWTConfig            `yaml:"jwt"`
	Service  ServiceConfig        `yaml:"service"`
	Ledger   LedgerConfig         `yaml:"ledger"`
	Logging  LoggingConfig        `yaml:"logging"`
	Admin    AdminBootstrapConfig `yaml:"admin"`
}

// AppConfig holds command-line level options.
type AppConfig struct {
	ConfigPath string // Path to the YAML config file.
}

// ResolveConfigPath returns the effective config path, honoring defaults.
func ResolveConfigPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		return filepath.Clean(trimmed)
	}
	if env := strings.TrimSpace(os.Getenv("FIELDPILOT_CONFIG")); env != "" {
		return filepath.Clean(env)
	}
	return "config.yaml"
}

// Load reads the YAML config file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, errRead := os.ReadFile(path)
	if errRead != nil {
		if !os.IsNotExist(errRead) {
			return nil, fmt.Errorf("config: read %s: %w", path, errRead)
		}
	} else if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("config: database dsn is required")
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override file values.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("FIELDPILOT_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("FIELDPILOT_LISTEN_ADDR")); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("FIELDPILOT_JWT_SECRET")); v != "" {
		cfg.JWT.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv("FIELDPILOT_SERVICE_TOKEN")); v != "" {
		cfg.Service.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("FIELDPILOT_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("SMTP_HOST")); v != "" {
		cfg.SMTP.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("SMTP_PORT")); v != "" {
		if port, errParse := strconv.Atoi(v); errParse == nil {
			cfg.SMTP.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("SMTP_USER")); v != "" {
		cfg.SMTP.Username = v
	}
	if v := strings.TrimSpace(os.Getenv("SMTP_PASSWORD")); v != "" {
		cfg.SMTP.Password = v
	}
}

// applyDefaults fills unset values with service defaults.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Server.ListenAddr) == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Ledger.GraceCredits <= 0 {
		cfg.Ledger.GraceCredits = DefaultGraceCredits
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.JWT.ExpiryHours > 0 {
		cfg.JWT.Expiry = time.Duration(cfg.JWT.ExpiryHours) * time.Hour
	}
	if cfg.JWT.Expiry <= 0 {
		cfg.JWT.Expiry = DefaultJWTExpiry
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 30
	}
}
