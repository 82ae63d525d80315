// Package config loads catalog settings from an optional YAML file overlaid
// with CATALOG_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageMongo    = "mongo"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Blob drivers.
const (
	BlobFilesystem = "fs"
	BlobMemory     = "memory"
	BlobS3         = "s3"
)

// Config is the full process configuration.
type Config struct {
	Storage Storage `yaml:"storage"`
	Blob    Blob    `yaml:"blob"`
	NATS    NATS    `yaml:"nats"`
	Log     Log     `yaml:"log"`
	Catalog Catalog `yaml:"catalog"`
	Tracing Tracing `yaml:"tracing"`
}

// Storage selects and locates the document store.
type Storage struct {
	Driver         string `yaml:"driver"`
	MongoURI       string `yaml:"mongo_uri"`
	MongoDatabase  string `yaml:"mongo_database"`
	SQLitePath     string `yaml:"sqlite_path"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Blob selects the export target.
type Blob struct {
	Driver string `yaml:"driver"`
	FSRoot string `yaml:"fs_root"`
	S3     S3     `yaml:"s3"`
}

// S3 holds bucket coordinates for the s3 blob driver.
type S3 struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// NATS configures the release event subscription.
type NATS struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

// Log configures the zap logger.
type Log struct {
	Mode string `yaml:"mode"`
}

// Catalog tunes the iterator.
type Catalog struct {
	BatchSize    int `yaml:"batch_size"`
	RefThreshold int `yaml:"ref_threshold"`
}

// Tracing toggles the OpenTelemetry exporter.
type Tracing struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Storage: Storage{Driver: StorageSQLite, SQLitePath: "./catalog.db", MongoDatabase: "catalog", TimeoutSeconds: 30},
		Blob:    Blob{Driver: BlobFilesystem, FSRoot: "./exports"},
		NATS:    NATS{Subject: "catalog.release.advanced", Queue: "catalog"},
		Log:     Log{Mode: "dev"},
		Catalog: Catalog{BatchSize: 100, RefThreshold: 100},
		Tracing: Tracing{ServiceName: "catalogcore"},
	}
}

// Load reads path when non-empty, applies the environment and validates the
// result.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("CATALOG_STORAGE_DRIVER", &cfg.Storage.Driver)
	str("CATALOG_MONGO_URI", &cfg.Storage.MongoURI)
	str("CATALOG_MONGO_DATABASE", &cfg.Storage.MongoDatabase)
	str("CATALOG_SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("CATALOG_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	str("CATALOG_BLOB_DRIVER", &cfg.Blob.Driver)
	str("CATALOG_BLOB_FS_ROOT", &cfg.Blob.FSRoot)
	str("CATALOG_BLOB_S3_BUCKET", &cfg.Blob.S3.Bucket)
	str("CATALOG_BLOB_S3_REGION", &cfg.Blob.S3.Region)
	str("CATALOG_BLOB_S3_ENDPOINT", &cfg.Blob.S3.Endpoint)
	str("CATALOG_BLOB_S3_PREFIX", &cfg.Blob.S3.Prefix)
	str("CATALOG_NATS_URL", &cfg.NATS.URL)
	str("CATALOG_NATS_SUBJECT", &cfg.NATS.Subject)
	str("CATALOG_LOG_MODE", &cfg.Log.Mode)
	str("CATALOG_TRACING_SERVICE", &cfg.Tracing.ServiceName)
	return errors.Join(
		integer("CATALOG_STORAGE_TIMEOUT_SECONDS", &cfg.Storage.TimeoutSeconds),
		integer("CATALOG_BATCH_SIZE", &cfg.Catalog.BatchSize),
		integer("CATALOG_REF_THRESHOLD", &cfg.Catalog.RefThreshold),
		boolean("CATALOG_BLOB_S3_PATH_STYLE", &cfg.Blob.S3.PathStyle),
		boolean("CATALOG_TRACING_ENABLED", &cfg.Tracing.Enabled),
	)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageMongo:
		if c.Storage.MongoURI == "" {
			errs = append(errs, errors.New("storage: mongo driver requires mongo_uri"))
		}
		if c.Storage.MongoDatabase == "" {
			errs = append(errs, errors.New("storage: mongo driver requires mongo_database"))
		}
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage: sqlite driver requires sqlite_path"))
		}
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage: postgres driver requires postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case BlobFilesystem, BlobMemory:
	case BlobS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob: s3 driver requires a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob: unknown driver %q", c.Blob.Driver))
	}
	if c.Catalog.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("catalog: batch_size must be positive, got %d", c.Catalog.BatchSize))
	}
	if c.Catalog.RefThreshold <= 0 {
		errs = append(errs, fmt.Errorf("catalog: ref_threshold must be positive, got %d", c.Catalog.RefThreshold))
	}
	if c.Storage.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("storage: timeout_seconds cannot be negative"))
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		errs = append(errs, errors.New("nats: subject required when url is set"))
	}
	return errors.Join(errs...)
}
