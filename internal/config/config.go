// Package config loads the campaignd configuration: a YAML file overlaid by
// CAMPAIGN_* environment variables, with a .env file read first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/avi3tal/campaigngraph/internal/retry"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverRedis  = "redis"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Retry   RetryConfig   `yaml:"retry"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
	LLM     LLMConfig     `yaml:"llm"`
	Agents  []AgentConfig `yaml:"agents" validate:"dive"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

type EngineConfig struct {
	Parallelism       int           `yaml:"parallelism" validate:"min=1"`
	TaskTimeout       time.Duration `yaml:"task_timeout" validate:"gte=0"`
	DefaultMaxRetries int           `yaml:"default_max_retries" validate:"min=0"`
	EventBuffer       int           `yaml:"event_buffer" validate:"min=1"`
	StoreTimeout      time.Duration `yaml:"store_timeout" validate:"gt=0"`
	ResumeRecovered   bool          `yaml:"resume_recovered"`
}

type RetryConfig struct {
	InitialDelay      time.Duration `yaml:"initial_delay" validate:"gte=0"`
	MaxDelay          time.Duration `yaml:"max_delay" validate:"gte=0"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" validate:"gte=1"`
	RetryableKinds    []string      `yaml:"retryable_kinds" validate:"dive,oneof=task timeout infrastructure interrupted"`
}

type StoreConfig struct {
	Driver string            `yaml:"driver" validate:"oneof=memory badger redis"`
	Badger BadgerStoreConfig `yaml:"badger"`
	Redis  RedisStoreConfig  `yaml:"redis"`
}

type BadgerStoreConfig struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

type RedisStoreConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

type TracingConfig struct {
	Stdout      bool   `yaml:"stdout"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

// LLMConfig selects the model behind the "llm" agent. An empty provider
// disables it.
type LLMConfig struct {
	Provider string `yaml:"provider" validate:"omitempty,oneof=openai"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url" validate:"omitempty,url"`
	APIKey   string `yaml:"-"`
}

// AgentConfig registers a remote HTTP agent under Name.
type AgentConfig struct {
	Name    string        `yaml:"name" validate:"required"`
	URL     string        `yaml:"url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Engine: EngineConfig{
			Parallelism:       4,
			TaskTimeout:       5 * time.Minute,
			DefaultMaxRetries: 2,
			EventBuffer:       64,
			StoreTimeout:      5 * time.Second,
		},
		Retry: RetryConfig{
			InitialDelay:      retry.DefaultInitialDelay,
			MaxDelay:          retry.DefaultMaxDelay,
			BackoffMultiplier: retry.DefaultBackoffMultiplier,
		},
		Store: StoreConfig{
			Driver: DriverMemory,
			Badger: BadgerStoreConfig{Path: "data/campaigns", GCInterval: 10 * time.Minute},
			Redis:  RedisStoreConfig{URL: "redis://localhost:6379/0", Prefix: "campaigngraph"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "campaignd",
		},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then CAMPAIGN_* variables, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing YAML: %w", err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the driver-specific settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Store.Driver {
	case DriverBadger:
		if c.Store.Badger.Path == "" && !c.Store.Badger.InMemory {
			return errors.New("invalid config: store.badger.path is required unless in_memory is set")
		}
	case DriverRedis:
		if c.Store.Redis.URL == "" {
			return errors.New("invalid config: store.redis.url is required for the redis driver")
		}
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.InitialDelay {
		return errors.New("invalid config: retry.max_delay must not be below retry.initial_delay")
	}
	if c.LLM.Provider != "" && c.LLM.APIKey == "" {
		return errors.New("invalid config: CAMPAIGN_LLM_API_KEY is required when llm.provider is set")
	}
	return nil
}

// Policy builds the retry policy described by the config.
func (c RetryConfig) Policy() *retry.Policy {
	kinds := make([]types.ErrorKind, 0, len(c.RetryableKinds))
	for _, k := range c.RetryableKinds {
		kinds = append(kinds, types.ErrorKind(k))
	}
	return retry.NewPolicy().
		WithInitialDelay(c.InitialDelay).
		WithMaxDelay(c.MaxDelay).
		WithBackoffMultiplier(c.BackoffMultiplier).
		WithRetryableKinds(kinds...)
}
