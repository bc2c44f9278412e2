// Package config loads the finimport YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/validate"
)

// StoreKind selects where import keys are looked up and saved.
type StoreKind string

const (
	StoreNone      StoreKind = "none"
	StoreState     StoreKind = "state"
	StoreSQLite    StoreKind = "sqlite"
	StoreFirestore StoreKind = "firestore"
)

// Config is the file layout of finimport.yaml.
type Config struct {
	MaxUploadBytes int64                 `yaml:"max_upload_bytes"`
	RulesFile      string                `yaml:"rules_file,omitempty"`
	CSVMapping     *domain.ColumnMapping `yaml:"csv_mapping,omitempty"`
	Store          StoreConfig           `yaml:"store"`
	Log            LogConfig             `yaml:"log"`
}

type StoreConfig struct {
	Kind      StoreKind `yaml:"kind"`
	Path      string    `yaml:"path,omitempty"`       // state file or sqlite database
	ProjectID string    `yaml:"project_id,omitempty"` // firestore
	CredsFile string    `yaml:"credentials_file,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		MaxUploadBytes: validate.DefaultMaxUploadBytes,
		Store:          StoreConfig{Kind: StoreNone},
		Log:            LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values; unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the field values.
func (c *Config) Validate() error {
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if c.CSVMapping != nil {
		if err := c.CSVMapping.Validate(); err != nil {
			return fmt.Errorf("csv_mapping: %w", err)
		}
	}
	switch c.Store.Kind {
	case StoreNone:
	case StoreState, StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store kind %s requires a path", c.Store.Kind)
		}
	case StoreFirestore:
		if c.Store.ProjectID == "" {
			return fmt.Errorf("store kind firestore requires project_id")
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
