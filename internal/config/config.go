// Package config loads the agent configuration from a YAML file and the
// environment, and validates it against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Environment variables read by Load.
const (
	EnvConfig      = "DASHPI_CONFIG"
	EnvEnvironment = "DASHPI_ENV"
	EnvAPI         = "DASHPI_API"
	EnvAPIKey      = "API_KEY"
	EnvRecordings  = "DASHPI_RECORDINGS"
	EnvDatabase    = "DASHPI_DB"
	EnvControl     = "DASHPI_CONTROL_ADDR"
	EnvConcurrency = "DASHPI_MAX_CONCURRENT"
)

// Config is the agent configuration.
type Config struct {
	Environment string        `yaml:"environment" json:"environment"`
	API         APIConfig     `yaml:"api" json:"api"`
	Paths       PathsConfig   `yaml:"paths" json:"paths"`
	Upload      UploadConfig  `yaml:"upload" json:"upload"`
	Sensor      SensorConfig  `yaml:"sensor" json:"sensor"`
	Control     ControlConfig `yaml:"control" json:"control"`
}

// APIConfig locates the remote ingest API.
type APIConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Key     string        `yaml:"key" json:"key"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// PathsConfig locates local state.
type PathsConfig struct {
	Recordings string `yaml:"recordings" json:"recordings"`
	Database   string `yaml:"database" json:"database"`
}

// UploadConfig tunes upload passes and the connectivity probe.
type UploadConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	ProbeAttempts int           `yaml:"probe_attempts" json:"probe_attempts"`
}

// SensorConfig tunes sensor batching.
type SensorConfig struct {
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// ControlConfig configures the local control endpoint. An empty Listen
// disables it.
type ControlConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Environment: "device",
		API: APIConfig{
			BaseURL: "http://localhost:3000",
			Timeout: 5 * time.Minute,
		},
		Paths: PathsConfig{
			Recordings: "recordings",
			Database:   "dashpi.db",
		},
		Upload: UploadConfig{
			MaxConcurrent: 4,
			ProbeTimeout:  3 * time.Second,
			ProbeAttempts: 3,
		},
		Sensor: SensorConfig{
			BatchSize: 10,
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:8420",
		},
	}
}

// Load reads path (or $DASHPI_CONFIG when path is empty) over the defaults,
// applies environment overrides and validates the result. With neither set
// the defaults are used.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path == "" {
		path, _ = lookup(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config file %s not found", path)
		}
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
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
	strs := []struct {
		key string
		dst *string
	}{
		{EnvEnvironment, &cfg.Environment},
		{EnvAPI, &cfg.API.BaseURL},
		{EnvAPIKey, &cfg.API.Key},
		{EnvRecordings, &cfg.Paths.Recordings},
		{EnvDatabase, &cfg.Paths.Database},
		{EnvControl, &cfg.Control.Listen},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}
	if v, ok := lookup(EnvConcurrency); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConcurrency, err)
		}
		cfg.Upload.MaxConcurrent = n
	}
	return nil
}

// Validate checks cfg against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := ctx.Encode(c)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
