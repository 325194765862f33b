package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/token-ledger/ledger"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		configFile  string
		expectError bool
		validate    func(*testing.T, *Config)
	}{
		{
			name: "valid config file",
			configFile: `
debug: true
sentry_dsn: "https://sentry.example.com"
server:
  host: 127.0.0.1
  port: 9090
  read_timeout: 3s
database:
  driver: postgres
  host: localhost
  port: 5433
  user: testuser
  password: testpass
  dbname: ledger
  sslmode: require
  max_open_conns: 10
  lock_timeout: 750ms
ledger:
  min_amount: "0.01"
  max_amount: "5000"
retry:
  max_retries: 2
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Debug)
				assert.Equal(t, "https://sentry.example.com", cfg.SentryDSN)
				assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
				assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, DriverPostgres, cfg.Database.Driver)
				assert.Equal(t, 10, cfg.Database.MaxOpenConns)
				assert.Equal(t, 750*time.Millisecond, cfg.Database.LockTimeout)
				assert.Equal(t,
					"host=localhost port=5433 user=testuser password=testpass dbname=ledger sslmode=require",
					cfg.Database.DSN())
				assert.Equal(t, uint64(2), cfg.Retry.MaxRetries)

				v, err := cfg.Ledger.Validator()
				require.NoError(t, err)
				assert.Equal(t, ledger.MustParseAmount("0.01"), v.Min)
				assert.Equal(t, ledger.MustParseAmount("5000"), v.Max)
			},
		},
		{
			name: "config with defaults",
			configFile: `
database:
  path: /tmp/ledger.db
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
				assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
				assert.Equal(t, DriverSQLite, cfg.Database.Driver)
				assert.Equal(t, "/tmp/ledger.db", cfg.Database.Path)
				assert.Equal(t, 5*time.Second, cfg.Database.LockTimeout)
				assert.Equal(t, "disable", cfg.Database.SSLMode)
				assert.Equal(t, 20*time.Millisecond, cfg.Retry.InitialInterval)
				assert.Equal(t, uint64(5), cfg.Retry.MaxRetries)
				assert.False(t, cfg.Reconciliation.Enabled)
				assert.Equal(t, time.Hour, cfg.Reconciliation.Interval)
				assert.Equal(t, 200, cfg.Reconciliation.BatchSize)

				v, err := cfg.Ledger.Validator()
				require.NoError(t, err)
				assert.Equal(t, ledger.DefaultValidator(), v)
			},
		},
		{
			name:       "missing config file",
			configFile: "",
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DriverSQLite, cfg.Database.Driver)
			},
		},
		{
			name: "unsupported driver",
			configFile: `
database:
  driver: mongo
`,
			expectError: true,
		},
		{
			name: "inverted amount bounds",
			configFile: `
ledger:
  min_amount: "10"
  max_amount: "1"
`,
			expectError: true,
		},
		{
			name: "reconciliation enabled",
			configFile: `
reconciliation:
  enabled: true
  interval: 30m
  batch_size: 50
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Reconciliation.Enabled)
				assert.Equal(t, 30*time.Minute, cfg.Reconciliation.Interval)
				assert.Equal(t, 50, cfg.Reconciliation.BatchSize)
			},
		},
		{
			name: "reconciliation with zero interval",
			configFile: `
reconciliation:
  enabled: true
  interval: 0s
`,
			expectError: true,
		},
		{
			name: "invalid port",
			configFile: `
database:
  port: invalid
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			var configFile string

			if tt.configFile != "" {
				configFile = filepath.Join(tmpDir, "config.yaml")
				err := os.WriteFile(configFile, []byte(tt.configFile), 0600)
				require.NoError(t, err)
			} else {
				configFile = filepath.Join(tmpDir, "nonexistent.yaml")
			}

			cfg, err := Load(configFile, tmpDir)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// GIVEN: a config file and an env var for the same key
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("database:\n  driver: sqlite\n"), 0600))
	t.Setenv("TOKEN_LEDGER_DATABASE_DRIVER", "memory")

	// WHEN: loading
	cfg, err := Load(configFile, tmpDir)

	// THEN: the environment wins
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
}

func TestLoad_DotEnvFile(t *testing.T) {
	// GIVEN: only a .env file in the env directory
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".env"),
		[]byte("TOKEN_LEDGER_SERVER_PORT=7070\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("TOKEN_LEDGER_SERVER_PORT") })

	// WHEN: loading without a config file
	cfg, err := Load(filepath.Join(tmpDir, "none.yaml"), tmpDir)

	// THEN: the env-only key reaches the struct
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLedgerConfig_Validator(t *testing.T) {
	_, err := (&LedgerConfig{MinAmount: "abc"}).Validator()
	assert.Error(t, err)

	_, err = (&LedgerConfig{MinAmount: "0"}).Validator()
	assert.Error(t, err)

	v, err := (&LedgerConfig{MaxAmount: "100"}).Validator()
	require.NoError(t, err)
	assert.Equal(t, ledger.AmountFromUnits(1), v.Min)
	assert.Equal(t, ledger.MustParseAmount("100"), v.Max)
}
