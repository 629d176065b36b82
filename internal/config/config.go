// Package config loads the deeprun process configuration: data directory,
// planner command, worker identity and retention policy. Settings come
// from an optional JSON file validated against an embedded schema, with
// environment variables layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = ".deeprun/config.json"

// Config is the root configuration.
type Config struct {
	DataDir   string          `json:"data_dir"            mapstructure:"data_dir"`
	Debug     bool            `json:"debug,omitempty"     mapstructure:"debug"`
	Planner   PlannerConfig   `json:"planner"             mapstructure:"planner"`
	Worker    WorkerConfig    `json:"worker"              mapstructure:"worker"`
	Retention RetentionPolicy `json:"retention,omitempty" mapstructure:"retention"`
}

// PlannerConfig describes the external planner command.
type PlannerConfig struct {
	Cmd     []string      `json:"cmd"               mapstructure:"cmd"`
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
	Env     []string      `json:"env,omitempty"     mapstructure:"env"`
}

// WorkerConfig describes this node for the job queue.
type WorkerConfig struct {
	NodeID       string        `json:"node_id,omitempty"       mapstructure:"node_id"`
	Role         string        `json:"role,omitempty"          mapstructure:"role"`
	Capabilities []string      `json:"capabilities,omitempty"  mapstructure:"capabilities"`
	LeaseSeconds int           `json:"lease_seconds,omitempty" mapstructure:"lease_seconds"`
	Poll         time.Duration `json:"poll,omitempty"          mapstructure:"poll"`
	Heartbeat    time.Duration `json:"heartbeat,omitempty"     mapstructure:"heartbeat"`
}

// RetentionPolicy bounds how many old runs the prune command keeps.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: ".deeprun",
		Worker: WorkerConfig{
			Role:         "any",
			LeaseSeconds: 60,
		},
		Retention: RetentionPolicy{KeepLast: 20},
	}
}

// Load reads the configuration file at path, or DefaultPath when path is
// empty. A missing default file yields the defaults; a present file must
// pass the embedded schema. DEEPRUN_-prefixed environment variables
// override file values (DEEPRUN_DATA_DIR, DEEPRUN_DEBUG, ...).
func Load(path string) (Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("DEEPRUN")
	v.AutomaticEnv()

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := ValidateSettings(v.AllSettings()); err != nil {
			return Config{}, err
		}
		if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		))); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	} else if explicit {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if dir := os.Getenv("DEEPRUN_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if os.Getenv("DEEPRUN_DEBUG") == "true" {
		cfg.Debug = true
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.DataDir == "" {
		c.DataDir = Default().DataDir
	}
	abs, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	c.DataDir = abs
	if c.Worker.Role == "" {
		c.Worker.Role = "any"
	}
	if c.Worker.LeaseSeconds <= 0 {
		c.Worker.LeaseSeconds = 60
	}
	if c.Retention.KeepLast < 0 || c.Retention.KeepDays < 0 {
		return fmt.Errorf("retention values must not be negative")
	}
	return nil
}

// DatabasePath is the sqlite file under the data directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "deeprun.db")
}

// WorkspacesDir is the workspace manager root under the data directory.
func (c Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}
