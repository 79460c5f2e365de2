// Package config loads gemmabn settings from an optional YAML file,
// GEMMABN_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/valpere/gemmabn/internal/objectstore"
	"github.com/valpere/gemmabn/internal/prompt"
)

const (
	DefaultPath = "./gemmabn.yaml"
	EnvPrefix   = "GEMMABN"
)

type Config struct {
	Experiment         string `mapstructure:"experiment"`
	DataDir            string `mapstructure:"data_dir"`
	ResultsDir         string `mapstructure:"results_dir"`
	FilePrefix         string `mapstructure:"file_prefix"`
	SourceLang         string `mapstructure:"source_lang"`
	TargetLang         string `mapstructure:"target_lang"`
	CheckpointInterval int    `mapstructure:"checkpoint_interval"`
	Seed               int64  `mapstructure:"seed"`
	DB                 string `mapstructure:"db"`

	Generation Generation         `mapstructure:"generation"`
	Mirror     objectstore.Config `mapstructure:"mirror"`
}

type Generation struct {
	Backend      string        `mapstructure:"backend"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	NumBeams     int           `mapstructure:"num_beams"`
	MaxNewTokens int           `mapstructure:"max_new_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	ReleaseURL   string        `mapstructure:"release_url"`
}

var defaults = map[string]any{
	"experiment":                "gemma-7b-bn-en",
	"data_dir":                  "./data",
	"results_dir":               "./results",
	"file_prefix":               "gemma_7b",
	"source_lang":               "bn",
	"target_lang":               "en",
	"checkpoint_interval":       100,
	"seed":                      prompt.DefaultSeed,
	"db":                        "./data/gemmabn.db",
	"generation.backend":        "hf",
	"generation.base_url":       "",
	"generation.model":          "gemma-7b-bn-en",
	"generation.num_beams":      6,
	"generation.max_new_tokens": 130,
	"generation.timeout":        "5m",
	"generation.max_attempts":   2,
	"generation.release_url":    "",
	"mirror.endpoint":           "",
	"mirror.access_key":         "",
	"mirror.secret_key":         "",
	"mirror.bucket":             "",
	"mirror.use_ssl":            false,
	"mirror.region":             "",
}

// FlagKeys maps command-line flag names to config keys. Only flags present
// on the command being run are bound.
var FlagKeys = map[string]string{
	"experiment":          "experiment",
	"data-dir":            "data_dir",
	"results-dir":         "results_dir",
	"prefix":              "file_prefix",
	"source-lang":         "source_lang",
	"target-lang":         "target_lang",
	"checkpoint-interval": "checkpoint_interval",
	"seed":                "seed",
	"db":                  "db",
	"backend":             "generation.backend",
	"base-url":            "generation.base_url",
	"model":               "generation.model",
	"num-beams":           "generation.num_beams",
	"max-new-tokens":      "generation.max_new_tokens",
	"timeout":             "generation.timeout",
	"max-attempts":        "generation.max_attempts",
	"release-url":         "generation.release_url",
	"mirror-endpoint":     "mirror.endpoint",
	"mirror-bucket":       "mirror.bucket",
}

// Load reads the config file at path, then the environment, then flags.
// A missing file is only an error when path is not DefaultPath.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) || path != DefaultPath {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be positive, got %d", c.CheckpointInterval)
	}
	if _, err := c.Pair(); err != nil {
		return err
	}
	switch c.Generation.Backend {
	case "hf", "ollama":
	default:
		return fmt.Errorf("unknown generation backend %q (want hf or ollama)", c.Generation.Backend)
	}
	if c.Generation.NumBeams <= 0 || c.Generation.MaxNewTokens <= 0 {
		return fmt.Errorf("generation.num_beams and generation.max_new_tokens must be positive")
	}
	return nil
}

// Pair returns the configured language pair.
func (c *Config) Pair() (prompt.Pair, error) {
	return prompt.NewPair(c.SourceLang, c.TargetLang)
}
