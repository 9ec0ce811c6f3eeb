// Package config loads server configuration from the environment, an
// optional .env file and a YAML product catalog.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

// EnvPrefix is prepended to every environment variable, e.g.
// CNW_SERVER_ADDR or CNW_STORE_DRIVER.
const EnvPrefix = "CNW"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config represents the complete server configuration.
type Config struct {
	Server      ServerConfig  `envconfig:"SERVER"`
	Store       StoreConfig   `envconfig:"STORE"`
	Engine      EngineConfig  `envconfig:"ENGINE"`
	Logging     LoggingConfig `envconfig:"LOGGING"`
	CatalogFile string        `envconfig:"CATALOG_FILE" default:"products.yaml"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	// AdminAPIKey guards /v1/admin. Admin routes are disabled when empty.
	AdminAPIKey string `envconfig:"ADMIN_API_KEY"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver        string `envconfig:"DRIVER" default:"sqlite"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data/licenses.db"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	TablePrefix   string `envconfig:"TABLE_PREFIX" default:"cnw_"`
	MongoURI      string `envconfig:"MONGO_URI"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"cnw_license"`
	Collection    string `envconfig:"MONGO_COLLECTION" default:"cnw_licenses"`
}

// EngineConfig tunes the entitlement engine.
type EngineConfig struct {
	KeyFormat        string `envconfig:"KEY_FORMAT" default:"standard"`
	MaxRetries       int    `envconfig:"MAX_RETRIES" default:"5"`
	DefaultTrialDays int    `envconfig:"DEFAULT_TRIAL_DAYS" default:"14"`
	DefaultGraceDays int    `envconfig:"DEFAULT_GRACE_DAYS" default:"7"`
	StrictInvariants bool   `envconfig:"STRICT_INVARIANTS" default:"false"`
	// SigningKey is a base64 Ed25519 seed. Certificates are not issued
	// when it is empty.
	SigningKey string `envconfig:"SIGNING_KEY"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
}

// Load reads .env (if present) and the CNW_* environment, then validates.
// Variables already set in the environment win over .env entries.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the CNW_* environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("sqlite path is required")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("postgres DSN is required for the postgres driver")
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			return errors.New("mongo URI is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if _, err := entitlement.ParseKeyFormat(c.Engine.KeyFormat); err != nil {
		return err
	}
	if c.Engine.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if c.Engine.DefaultTrialDays <= 0 || c.Engine.DefaultGraceDays <= 0 {
		return errors.New("default trial and grace days must be positive")
	}
	if c.Engine.DefaultTrialDays > entitlement.MaxDays || c.Engine.DefaultGraceDays > entitlement.MaxDays {
		return fmt.Errorf("default trial and grace days must be at most %d", entitlement.MaxDays)
	}
	if c.Engine.SigningKey != "" {
		if _, err := base64.StdEncoding.DecodeString(c.Engine.SigningKey); err != nil {
			return fmt.Errorf("signing key is not valid base64: %w", err)
		}
	}
	return nil
}

type catalogFile struct {
	Products []entitlement.Product `yaml:"products"`
}

// LoadCatalog reads a YAML product catalog:
//
//	products:
//	  - id: desktop-pro
//	    name: Desktop Pro
//	    license_type: subscription
//	    max_activations: 3
//	    license_duration_days: 365
//	    billing_cycle: yearly
func LoadCatalog(path string) (entitlement.StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML and validates every product.
func ParseCatalog(data []byte) (entitlement.StaticCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	catalog := make(entitlement.StaticCatalog, len(file.Products))
	for i, p := range file.Products {
		if p.ID == "" {
			return nil, fmt.Errorf("product %d: id is required", i)
		}
		if p.LicenseType == 0 {
			return nil, fmt.Errorf("product %q: license_type is required", p.ID)
		}
		if _, dup := catalog[p.ID]; dup {
			return nil, fmt.Errorf("product %q: duplicate id", p.ID)
		}
		if p.MaxActivations < 0 || p.LicenseDurationDays < 0 || p.TrialDays < 0 || p.GracePeriodDays < 0 {
			return nil, fmt.Errorf("product %q: numeric fields must not be negative", p.ID)
		}
		if err := p.CheckDays(); err != nil {
			return nil, err
		}
		switch p.BillingCycle {
		case "", entitlement.BillingMonthly, entitlement.BillingQuarterly, entitlement.BillingYearly:
		default:
			return nil, fmt.Errorf("product %q: unknown billing cycle %q", p.ID, p.BillingCycle)
		}
		catalog[p.ID] = p
	}
	return catalog, nil
}
