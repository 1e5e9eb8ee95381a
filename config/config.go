package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable pointing at an optional YAML file.
const PathEnv = "COOPLEDGER_CONFIG"

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the full runtime configuration. Values come from defaults, then
// the YAML file, then environment variables.
type Config struct {
	DatabaseURL string         `yaml:"database_url"`
	Store       string         `yaml:"store"`
	Server      ServerConfig   `yaml:"server"`
	Auth        AuthConfig     `yaml:"auth"`
	Ledger      LedgerConfig   `yaml:"ledger"`
	Redis       RedisConfig    `yaml:"redis"`
	S3          S3Config       `yaml:"s3"`
	Database    DatabaseConfig `yaml:"database"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// LedgerConfig tunes the repayment engine and the overdue sweep. Timezone is
// an IANA name; calendar days are taken in that zone.
type LedgerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	TxTimeout     time.Duration `yaml:"tx_timeout"`
	Timezone      string        `yaml:"timezone"`
}

// RedisConfig enables the report cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// S3Config enables report archiving when Endpoint is set.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type DatabaseConfig struct {
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Store: StorePostgres,
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		Ledger: LedgerConfig{
			SweepInterval: 24 * time.Hour,
			TxTimeout:     10 * time.Second,
			Timezone:      "UTC",
		},
		Redis: RedisConfig{
			CacheTTL: 5 * time.Minute,
		},
		S3: S3Config{
			Region: "us-east-1",
			Bucket: "coopledger-reports",
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MaxConnIdleTime: 5 * time.Minute,
			MaxConnLifetime: time.Hour,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the process environment. A .env file in the working
// directory is loaded first without overriding variables already set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("config: unknown store %q", c.Store))
	}
	if c.Ledger.SweepInterval <= 0 {
		errs = append(errs, errors.New("config: sweep interval must be positive"))
	}
	if c.Ledger.TxTimeout <= 0 {
		errs = append(errs, errors.New("config: tx timeout must be positive"))
	}
	if _, err := c.Ledger.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("config: token ttl must be positive"))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone; empty means UTC.
func (l LedgerConfig) Location() (*time.Location, error) {
	if l.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: ledger timezone %q: %w", l.Timezone, err)
	}
	return loc, nil
}

func applyEnv(c *Config) error {
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.Store = strings.ToLower(getenv("STORE", c.Store))
	c.Server.Port = getenv("SERVER_PORT", c.Server.Port)
	c.Auth.JWTSecret = getenv("JWT_SECRET", c.Auth.JWTSecret)
	c.Ledger.Timezone = getenv("LEDGER_TIMEZONE", c.Ledger.Timezone)
	c.Redis.Addr = getenv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenv("REDIS_PASSWORD", c.Redis.Password)
	c.S3.Endpoint = getenv("AWS_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getenv("AWS_ACCESS_KEY_ID", c.S3.AccessKey)
	c.S3.SecretKey = getenv("AWS_SECRET_ACCESS_KEY", c.S3.SecretKey)
	c.S3.Region = getenv("AWS_DEFAULT_REGION", c.S3.Region)
	c.S3.Bucket = getenv("AWS_BUCKET", c.S3.Bucket)
	if v := os.Getenv("AWS_USE_SSL"); v != "" {
		c.S3.UseSSL = v == "true"
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SWEEP_INTERVAL", &c.Ledger.SweepInterval},
		{"TX_TIMEOUT", &c.Ledger.TxTimeout},
		{"TOKEN_TTL", &c.Auth.TokenTTL},
		{"REPORT_CACHE_TTL", &c.Redis.CacheTTL},
		{"SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
