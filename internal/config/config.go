package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreBackendFile     = "file"
	StoreBackendPostgres = "postgres"

	ExecutorCommand = "command"
	ExecutorLego    = "lego"
)

type Config struct {
	ServiceName       string `env:"SERVICE_NAME" envDefault:"lazyacme"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	DirPath           string `env:"DIR_PATH" envDefault:"~/lazy-acme"`
	HTTPListenAddr    string `env:"HTTP_LISTEN_ADDR" envDefault:"127.0.0.1:33301"`
	BindPort          int    `env:"BIND_PORT"`
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR"`

	UpdateIntervalHours   int           `env:"UPDATE_INTERVAL_HOURS" envDefault:"24"`
	RenewalThresholdDays  int           `env:"RENEWAL_THRESHOLD_DAYS" envDefault:"30"`
	ACMETimeout           time.Duration `env:"ACME_TIMEOUT" envDefault:"10m"`
	MaxConcurrentRenewals int           `env:"MAX_CONCURRENT_RENEWALS" envDefault:"4"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"2m"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"file"`
	DatabaseURL  string `env:"DATABASE_URL"`

	Executor         string `env:"EXECUTOR" envDefault:"command"`
	ACMEEmail        string `env:"ACME_EMAIL"`
	ACMEDirectoryURL string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-v02.api.letsencrypt.org/directory"`

	S3 S3Config `envPrefix:"S3_"`

	// APIKeyHash is a bcrypt hash. When set, /v1 requires a matching X-API-Key.
	APIKeyHash string `env:"API_KEY_HASH"`

	TLSCertFile     string `env:"TLS_CERT_FILE"`
	TLSKeyFile      string `env:"TLS_KEY_FILE"`
	TLSClientCAFile string `env:"TLS_CLIENT_CA_FILE"`
}

// S3Config configures the optional artifact mirror.
type S3Config struct {
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	Bucket    string `env:"BUCKET"`
	Prefix    string `env:"PREFIX" envDefault:"certificates"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
}

// Enabled reports whether the mirror should be constructed.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	dir, err := expandHome(cfg.DirPath)
	if err != nil {
		return nil, err
	}
	cfg.DirPath = dir

	if cfg.BindPort != 0 {
		cfg.HTTPListenAddr = fmt.Sprintf("127.0.0.1:%d", cfg.BindPort)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var missing []string
	if c.DirPath == "" {
		missing = append(missing, "DIR_PATH")
	}
	if c.HTTPListenAddr == "" {
		missing = append(missing, "HTTP_LISTEN_ADDR")
	}
	if c.StoreBackend == StoreBackendPostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Executor == ExecutorLego && c.ACMEEmail == "" {
		missing = append(missing, "ACME_EMAIL")
	}
	if c.S3.Enabled() && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		missing = append(missing, "S3_ACCESS_KEY", "S3_SECRET_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must both be set")
	}
	if c.TLSClientCAFile != "" && c.TLSCertFile == "" {
		return fmt.Errorf("TLS_CLIENT_CA_FILE requires TLS_CERT_FILE and TLS_KEY_FILE")
	}

	switch c.StoreBackend {
	case StoreBackendFile, StoreBackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendFile, StoreBackendPostgres, c.StoreBackend)
	}
	switch c.Executor {
	case ExecutorCommand, ExecutorLego:
	default:
		return fmt.Errorf("EXECUTOR must be %q or %q, got %q", ExecutorCommand, ExecutorLego, c.Executor)
	}
	if c.UpdateIntervalHours < 1 {
		return fmt.Errorf("UPDATE_INTERVAL_HOURS must be at least 1")
	}
	if c.RenewalThresholdDays < 1 {
		return fmt.Errorf("RENEWAL_THRESHOLD_DAYS must be at least 1")
	}
	if c.ACMETimeout <= 0 {
		return fmt.Errorf("ACME_TIMEOUT must be positive")
	}
	if c.MaxConcurrentRenewals < 1 {
		return fmt.Errorf("MAX_CONCURRENT_RENEWALS must be at least 1")
	}
	return nil
}

func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalHours) * time.Hour
}

func (c *Config) RenewalThreshold() time.Duration {
	return time.Duration(c.RenewalThresholdDays) * 24 * time.Hour
}

// DomainConfigPath is the location of the domain-to-provider mapping.
func (c *Config) DomainConfigPath() string {
	return filepath.Join(c.DirPath, "config.toml")
}

// LegoDir is the working state directory of the external lego client.
func (c *Config) LegoDir() string {
	return filepath.Join(c.DirPath, ".lego")
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
