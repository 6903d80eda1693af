// Package config loads nanolab settings. Sources in increasing precedence:
//
//  1. Default values
//  2. A YAML file (NANOLAB_CONFIG, falling back to ./nanolab.yaml when present)
//  3. Environment variables prefixed NANOLAB_, e.g. NANOLAB_BLOB_DRIVER=s3
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "NANOLAB"

// DefaultFile is read when NANOLAB_CONFIG is unset and the file exists.
const DefaultFile = "nanolab.yaml"

// Config is the complete application configuration.
type Config struct {
	Blob     Blob     `yaml:"blob" envconfig:"BLOB"`
	Store    Store    `yaml:"store" envconfig:"STORE"`
	Pipeline Pipeline `yaml:"pipeline" envconfig:"PIPELINE"`
	Export   Export   `yaml:"export" envconfig:"EXPORT"`
	Logging  Logging  `yaml:"logging" envconfig:"LOGGING"`
	Metrics  Metrics  `yaml:"metrics" envconfig:"METRICS"`
}

// Blob locates raw measurement files and export artifacts.
type Blob struct {
	Driver      string `yaml:"driver" envconfig:"DRIVER"`
	Root        string `yaml:"root" envconfig:"ROOT"`
	S3Bucket    string `yaml:"s3_bucket" envconfig:"S3_BUCKET"`
	S3Region    string `yaml:"s3_region" envconfig:"S3_REGION"`
	S3Endpoint  string `yaml:"s3_endpoint" envconfig:"S3_ENDPOINT"`
	S3Prefix    string `yaml:"s3_prefix" envconfig:"S3_PREFIX"`
	S3PathStyle bool   `yaml:"s3_path_style" envconfig:"S3_PATH_STYLE"`
}

// Store selects where derived tables are persisted.
type Store struct {
	Driver      string `yaml:"driver" envconfig:"DRIVER"`
	SQLitePath  string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
}

// Pipeline tunes per-sample processing.
type Pipeline struct {
	Workers   int    `yaml:"workers" envconfig:"WORKERS"`
	AlignMode string `yaml:"align_mode" envconfig:"ALIGN_MODE"`
	// ProceduresFile overrides the built-in procedures catalogue.
	ProceduresFile string `yaml:"procedures_file" envconfig:"PROCEDURES_FILE"`
	// Pattern selects raw files below a sample prefix (doublestar syntax).
	Pattern string `yaml:"pattern" envconfig:"PATTERN"`
	// Strict turns missing properties rows into a failed run.
	Strict bool `yaml:"strict" envconfig:"STRICT"`
}

// Export controls artifact rendering.
type Export struct {
	Formats []string `yaml:"formats" envconfig:"FORMATS"`
	Prefix  string   `yaml:"prefix" envconfig:"PREFIX"`
	Workers int      `yaml:"workers" envconfig:"WORKERS"`
}

// Logging configures the slog handler.
type Logging struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// Metrics configures prometheus collection. With Textfile set the registry
// is written there after each run, for the node_exporter textfile collector.
type Metrics struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	Namespace string `yaml:"namespace" envconfig:"NAMESPACE"`
	Textfile  string `yaml:"textfile" envconfig:"TEXTFILE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Blob:     Blob{Driver: "fs", Root: "data", S3Region: "us-east-1"},
		Store:    Store{Driver: "sqlite", SQLitePath: "nanolab.db"},
		Pipeline: Pipeline{Workers: 4, AlignMode: "positional", Pattern: "**/*.csv"},
		Export:   Export{Formats: []string{"csv"}, Prefix: "exports", Workers: 2},
		Logging:  Logging{Level: "info", Format: "text"},
		Metrics:  Metrics{Enabled: true, Namespace: "nanolab"},
	}
}

// Load builds the configuration. An explicit path wins over NANOLAB_CONFIG;
// an explicitly named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultFile
	}
	if err := loadFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile overlays the YAML document at path onto cfg. Keys absent from the
// document keep their current value.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Validate checks enumerations and bounds and normalises aliases.
func (c *Config) Validate() error {
	var errs []error
	switch c.Blob.Driver {
	case "fs", "s3", "memory":
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q: want fs, s3 or memory", c.Blob.Driver))
	}
	if c.Blob.Driver == "s3" && c.Blob.S3Bucket == "" {
		errs = append(errs, errors.New("blob.s3_bucket required for the s3 driver"))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path required for the sqlite driver"))
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want memory, sqlite or postgres", c.Store.Driver))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers))
	}
	mode, err := NormalizeAlignMode(c.Pipeline.AlignMode)
	if err != nil {
		errs = append(errs, err)
	}
	c.Pipeline.AlignMode = mode
	if c.Pipeline.Pattern == "" {
		c.Pipeline.Pattern = "**/*.csv"
	}
	for i, f := range c.Export.Formats {
		f = strings.ToLower(strings.TrimSpace(f))
		switch f {
		case "json", "csv", "xlsx":
			c.Export.Formats[i] = f
		default:
			errs = append(errs, fmt.Errorf("export.formats: unknown format %q", f))
		}
	}
	if c.Export.Workers < 1 {
		c.Export.Workers = 1
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want json or text", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// NormalizeAlignMode maps the accepted spellings onto "positional" or "nearest".
func NormalizeAlignMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "positional", "compat":
		return "positional", nil
	case "nearest":
		return "nearest", nil
	}
	return "", fmt.Errorf("pipeline.align_mode %q: want positional (compat) or nearest", mode)
}

// SlogLevel parses Level.
func (l Logging) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}
