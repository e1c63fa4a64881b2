package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/taskforge/internal/grading"
	"github.com/michaelbrown/taskforge/internal/sandbox"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DBPath string `mapstructure:"db_path"`
	DSN    string `mapstructure:"dsn"`
}

type SandboxConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MemoryLimitMB int           `mapstructure:"memory_limit_mb"`
	MaxCallStack  int           `mapstructure:"max_call_stack"`
	MaxOutputKB   int           `mapstructure:"max_output_kb"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

type ValidatorConfig struct {
	MaxLength int `mapstructure:"max_length"`
}

type VariantsConfig struct {
	Workers  int `mapstructure:"workers"`
	MaxCount int `mapstructure:"max_count"`
}

type GradingConfig struct {
	DefaultTolerance     float64 `mapstructure:"default_tolerance"`
	DefaultToleranceType string  `mapstructure:"default_tolerance_type"`
	LatePenaltyPerDay    float64 `mapstructure:"late_penalty_per_day"`
}

type ObserverConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Variants  VariantsConfig  `mapstructure:"variants"`
	Grading   GradingConfig   `mapstructure:"grading"`
	Observer  ObserverConfig  `mapstructure:"observer"`
}

// Load reads taskforge.yaml from the working directory or $HOME/.taskforge.
// A missing file is not an error; defaults and TASKFORGE_* env vars apply.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("taskforge")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.taskforge")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return decode(v)
}

// LoadFile reads an explicit config file.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".taskforge", "taskforge.db"))
	v.SetDefault("storage.dsn", "")
	v.SetDefault("sandbox.timeout", 5*time.Second)
	v.SetDefault("sandbox.memory_limit_mb", 128)
	v.SetDefault("sandbox.max_call_stack", 1024)
	v.SetDefault("sandbox.max_output_kb", 1024)
	v.SetDefault("sandbox.max_concurrent", 0)
	v.SetDefault("validator.max_length", 10000)
	v.SetDefault("variants.workers", 0)
	v.SetDefault("variants.max_count", 500)
	v.SetDefault("grading.default_tolerance", grading.DefaultTolerance)
	v.SetDefault("grading.default_tolerance_type", string(grading.DefaultToleranceType))
	v.SetDefault("grading.late_penalty_per_day", grading.DefaultLatePenaltyPerDay)
	v.SetDefault("observer.enabled", false)
	v.SetDefault("observer.service_name", "taskforge")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in the DSN
	cfg.Storage.DSN = expandEnv(cfg.Storage.DSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
	if _, err := grading.ParseToleranceType(c.Grading.DefaultToleranceType); err != nil {
		return fmt.Errorf("grading.default_tolerance_type: %w", err)
	}
	if c.Sandbox.Timeout < 0 {
		return fmt.Errorf("sandbox.timeout must not be negative, got %s", c.Sandbox.Timeout)
	}
	if c.Variants.MaxCount < 1 {
		return fmt.Errorf("variants.max_count must be at least 1, got %d", c.Variants.MaxCount)
	}
	return nil
}

// SandboxPolicy converts the sandbox section into an executor policy.
func (c *Config) SandboxPolicy() sandbox.Policy {
	return sandbox.Policy{
		Timeout:          c.Sandbox.Timeout,
		MemoryLimit:      int64(c.Sandbox.MemoryLimitMB) << 20,
		MaxCallStackSize: c.Sandbox.MaxCallStack,
		MaxOutputBytes:   c.Sandbox.MaxOutputKB << 10,
		MaxConcurrent:    c.Sandbox.MaxConcurrent,
	}
}

// GradingDefaults returns the grading configuration for templates that set none.
func (c *Config) GradingDefaults() grading.Config {
	tt, _ := grading.ParseToleranceType(c.Grading.DefaultToleranceType)
	return grading.Config{Tolerance: c.Grading.DefaultTolerance, ToleranceType: tt, MaxScore: 100}
}
