package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LOG_LEVEL", "DIR_PATH", "HTTP_LISTEN_ADDR", "BIND_PORT", "UPDATE_INTERVAL_HOURS",
		"RENEWAL_THRESHOLD_DAYS", "ACME_TIMEOUT", "MAX_CONCURRENT_RENEWALS", "STORE_BACKEND",
		"DATABASE_URL", "EXECUTOR", "S3_BUCKET", "S3_REGION",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIR_PATH", "/var/lib/lazyacme")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/var/lib/lazyacme", cfg.DirPath)
	assert.Equal(t, "127.0.0.1:33301", cfg.HTTPListenAddr)
	assert.Equal(t, 24*time.Hour, cfg.UpdateInterval())
	assert.Equal(t, 30*24*time.Hour, cfg.RenewalThreshold())
	assert.Equal(t, 10*time.Minute, cfg.ACMETimeout)
	assert.Equal(t, 4, cfg.MaxConcurrentRenewals)
	assert.Equal(t, StoreBackendFile, cfg.StoreBackend)
	assert.Equal(t, ExecutorCommand, cfg.Executor)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.False(t, cfg.S3.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_AllEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIR_PATH", "/srv/acme")
	t.Setenv("HTTP_LISTEN_ADDR", ":8443")
	t.Setenv("UPDATE_INTERVAL_HOURS", "6")
	t.Setenv("RENEWAL_THRESHOLD_DAYS", "14")
	t.Setenv("ACME_TIMEOUT", "90s")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/acme")
	t.Setenv("S3_BUCKET", "certs")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/acme", cfg.DirPath)
	assert.Equal(t, ":8443", cfg.HTTPListenAddr)
	assert.Equal(t, 6*time.Hour, cfg.UpdateInterval())
	assert.Equal(t, 14*24*time.Hour, cfg.RenewalThreshold())
	assert.Equal(t, 90*time.Second, cfg.ACMETimeout)
	assert.Equal(t, StoreBackendPostgres, cfg.StoreBackend)
	assert.Equal(t, "postgres://localhost/acme", cfg.DatabaseURL)
	assert.Equal(t, "certs", cfg.S3.Bucket)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_BindPortOverridesListenAddr(t *testing.T) {
	clearEnv(t)
	t.Setenv("BIND_PORT", "40000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:40000", cfg.HTTPListenAddr)
}

func TestLoad_ExpandsHomeDir(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("DIR_PATH", "~/lazy-acme")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "lazy-acme"), cfg.DirPath)
	assert.Equal(t, filepath.Join(home, "lazy-acme", "config.toml"), cfg.DomainConfigPath())
	assert.Equal(t, filepath.Join(home, "lazy-acme", ".lego"), cfg.LegoDir())
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACME_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		DirPath:               "/srv/acme",
		HTTPListenAddr:        ":33301",
		UpdateIntervalHours:   24,
		RenewalThresholdDays:  30,
		ACMETimeout:           10 * time.Minute,
		MaxConcurrentRenewals: 4,
		StoreBackend:          StoreBackendFile,
		Executor:              ExecutorCommand,
	}
}

func TestValidate_MissingFields(t *testing.T) {
	cfg := &Config{StoreBackend: StoreBackendPostgres, Executor: ExecutorLego}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DIR_PATH")
	assert.Contains(t, err.Error(), "HTTP_LISTEN_ADDR")
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "ACME_EMAIL")
}

func TestValidate_S3RequiresCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.S3.Bucket = "certs"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_ACCESS_KEY")
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.StoreBackend = "sqlite"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_BACKEND")
}

func TestValidate_UnknownExecutor(t *testing.T) {
	cfg := validConfig()
	cfg.Executor = "certbot"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXECUTOR")
}

func TestValidate_Bounds(t *testing.T) {
	cfg := validConfig()
	cfg.UpdateIntervalHours = 0
	assert.ErrorContains(t, cfg.Validate(), "UPDATE_INTERVAL_HOURS")

	cfg = validConfig()
	cfg.MaxConcurrentRenewals = 0
	assert.ErrorContains(t, cfg.Validate(), "MAX_CONCURRENT_RENEWALS")

	cfg = validConfig()
	cfg.ACMETimeout = 0
	assert.ErrorContains(t, cfg.Validate(), "ACME_TIMEOUT")

	cfg = validConfig()
	cfg.RenewalThresholdDays = 0
	assert.ErrorContains(t, cfg.Validate(), "RENEWAL_THRESHOLD_DAYS")
}

func TestValidate_TLS_MismatchedCertKey(t *testing.T) {
	cfg := validConfig()
	cfg.TLSCertFile = "/path/to/cert.pem"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS_CERT_FILE and TLS_KEY_FILE must both be set")
}

func TestValidate_AllPresent(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestInitialize_FirstRunWritesDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.DirPath = filepath.Join(t.TempDir(), "data")

	firstRun, err := Initialize(cfg)
	require.NoError(t, err)
	assert.True(t, firstRun)
	assert.FileExists(t, cfg.DomainConfigPath())
	assert.FileExists(t, ProviderConfigPath(cfg.DirPath, "cloudflare"))
	assert.DirExists(t, cfg.LegoDir())

	firstRun, err = Initialize(cfg)
	require.NoError(t, err)
	assert.False(t, firstRun)
}

func TestInitialize_DefaultsAreLoadable(t *testing.T) {
	cfg := validConfig()
	cfg.DirPath = t.TempDir()
	_, err := Initialize(cfg)
	require.NoError(t, err)

	domains, err := LoadDomains(cfg.DomainConfigPath())
	require.NoError(t, err)
	assert.Empty(t, domains)

	p, err := LoadProvider(cfg.DirPath, "cloudflare")
	require.NoError(t, err)
	assert.Contains(t, p.Command, "lego")
	assert.Equal(t, "your-email@example.com", p.Vars["email"])
}
