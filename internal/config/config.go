// Package config loads process settings from the environment and training
// hyper-parameters from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/mobileface/internal/train"
	"github.com/andresmejia3/mobileface/internal/types"
)

type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	// Storage. An empty DatabaseURL selects the file store in CheckpointDir.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	CheckpointDir string `envconfig:"CHECKPOINT_DIR" default:"checkpoints"`

	// Inference
	MatchThreshold float64 `envconfig:"MATCH_THRESHOLD" default:"0.6"`
	EmbeddingSize  int     `envconfig:"EMBEDDING_SIZE" default:"128"`
	DetectorCmd    string  `envconfig:"DETECTOR_CMD"`
	Detectors      int     `envconfig:"DETECTORS" default:"1"`

	// Server
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, types.ConfigurationError("load config", "", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.ConfigurationError("load config", "", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.MatchThreshold < -1 || c.MatchThreshold > 1:
		return fmt.Errorf("MATCH_THRESHOLD must be within [-1, 1], got %v", c.MatchThreshold)
	case c.EmbeddingSize < 1:
		return fmt.Errorf("EMBEDDING_SIZE must be positive, got %d", c.EmbeddingSize)
	case c.Detectors < 1:
		return fmt.Errorf("DETECTORS must be at least 1, got %d", c.Detectors)
	case c.DatabaseURL == "" && c.CheckpointDir == "":
		return errors.New("either DATABASE_URL or CHECKPOINT_DIR must be set")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// UsesDatabase reports whether checkpoints and enrollments go to PostgreSQL.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// LoadTrainOptions reads hyper-parameters from a YAML file on top of the
// defaults. Unknown keys are rejected.
func LoadTrainOptions(path string) (train.Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return train.Options{}, types.ConfigurationError("load training config", path, err)
	}
	defer f.Close()

	opts, err := DecodeTrainOptions(f)
	if err != nil {
		return train.Options{}, types.ConfigurationError("load training config", path, err)
	}
	return opts, nil
}

// DecodeTrainOptions is LoadTrainOptions over a reader.
func DecodeTrainOptions(r io.Reader) (train.Options, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return train.Options{}, err
	}
	opts := train.DefaultOptions()
	if len(bytes.TrimSpace(data)) == 0 {
		return opts, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return train.Options{}, fmt.Errorf("parse yaml: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return train.Options{}, err
	}
	return opts, nil
}
