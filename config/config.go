package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/token-ledger/ledger"
)

// Supported storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Addr returns host:port for http.Server.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds storage configuration
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres or memory

	// SQLite
	Path string `mapstructure:"path"`

	// PostgreSQL
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`     // Maximum number of open connections to the database
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`     // Maximum number of idle connections in the pool
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`  // e.g. "5m", "1h"
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"` // e.g. "10m", "30m"

	// LockTimeout bounds lock waits for every driver
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// LedgerConfig holds the accepted amount range, as decimal strings
type LedgerConfig struct {
	MinAmount string `mapstructure:"min_amount"`
	MaxAmount string `mapstructure:"max_amount"`
}

// Validator parses the bounds. Empty values keep the defaults.
func (c *LedgerConfig) Validator() (ledger.Validator, error) {
	v := ledger.DefaultValidator()
	if c.MinAmount != "" {
		a, err := ledger.ParseAmount(c.MinAmount)
		if err != nil {
			return v, fmt.Errorf("invalid ledger.min_amount: %w", err)
		}
		v.Min = a
	}
	if c.MaxAmount != "" {
		a, err := ledger.ParseAmount(c.MaxAmount)
		if err != nil {
			return v, fmt.Errorf("invalid ledger.max_amount: %w", err)
		}
		v.Max = a
	}
	if !v.Min.IsPositive() {
		return v, fmt.Errorf("ledger.min_amount must be positive, got %s", v.Min)
	}
	if v.Max < v.Min {
		return v, fmt.Errorf("ledger.max_amount %s is below min_amount %s", v.Max, v.Min)
	}
	return v, nil
}

// RetryConfig controls how the API retries ConcurrencyError
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
}

// ReconciliationConfig controls the background reconciliation sweeper
type ReconciliationConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// Config holds configuration for the ledger server
type Config struct {
	BaseConfig     `mapstructure:",squash"`
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Ledger         LedgerConfig         `mapstructure:"ledger"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
}

// Load loads configuration from configFile (optional) and the environment.
// Env vars use the TOKEN_LEDGER_ prefix, e.g. TOKEN_LEDGER_DATABASE_DRIVER.
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper("server", configFile, envPath)

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "./data/ledger.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.lock_timeout", "5s")
	v.SetDefault("retry.initial_interval", "20ms")
	v.SetDefault("retry.max_interval", "500ms")
	v.SetDefault("retry.max_elapsed_time", "3s")
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("reconciliation.enabled", false)
	v.SetDefault("reconciliation.interval", "1h")
	v.SetDefault("reconciliation.batch_size", 200)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if _, err := c.Ledger.Validator(); err != nil {
		return err
	}
	if c.Reconciliation.Enabled && c.Reconciliation.Interval <= 0 {
		return fmt.Errorf("reconciliation.interval must be positive, got %s", c.Reconciliation.Interval)
	}
	return nil
}

func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	// Load environment variables
	loadEnv(envPath, service)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("TOKEN_LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees env-only keys once they are bound
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

var envKeys = []string{
	"debug",
	"sentry_dsn",
	// Server
	"server.host",
	"server.port",
	"server.read_timeout",
	"server.write_timeout",
	"server.idle_timeout",
	"server.shutdown_timeout",
	"server.allowed_origins",
	// Database
	"database.driver",
	"database.path",
	"database.host",
	"database.port",
	"database.user",
	"database.password",
	"database.dbname",
	"database.sslmode",
	"database.max_open_conns",
	"database.max_idle_conns",
	"database.conn_max_lifetime",
	"database.conn_max_idle_time",
	"database.lock_timeout",
	// Ledger
	"ledger.min_amount",
	"ledger.max_amount",
	// Retry
	"retry.initial_interval",
	"retry.max_interval",
	"retry.max_elapsed_time",
	"retry.max_retries",
	// Reconciliation
	"reconciliation.enabled",
	"reconciliation.interval",
	"reconciliation.batch_size",
}

func loadEnv(envPath string, service string) {
	// Shared base first, then local, then per-service local.
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		_ = godotenv.Overload(filepath.Join(envPath, envFile)) // later files override earlier ones
	}
}
