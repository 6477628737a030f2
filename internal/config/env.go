package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CAMPAIGN_"

type lookupFunc func(key string) (string, bool)

// applyEnv overlays CAMPAIGN_* variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"SERVER_ADDR":        &cfg.Server.Addr,
		"STORE_DRIVER":       &cfg.Store.Driver,
		"STORE_BADGER_PATH":  &cfg.Store.Badger.Path,
		"STORE_REDIS_URL":    &cfg.Store.Redis.URL,
		"STORE_REDIS_PREFIX": &cfg.Store.Redis.Prefix,
		"LOG_LEVEL":          &cfg.Log.Level,
		"LOG_FORMAT":         &cfg.Log.Format,
		"TRACING_SERVICE":    &cfg.Tracing.ServiceName,
		"LLM_PROVIDER":       &cfg.LLM.Provider,
		"LLM_MODEL":          &cfg.LLM.Model,
		"LLM_BASE_URL":       &cfg.LLM.BaseURL,
		"LLM_API_KEY":        &cfg.LLM.APIKey,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"PARALLELISM":         &cfg.Engine.Parallelism,
		"DEFAULT_MAX_RETRIES": &cfg.Engine.DefaultMaxRetries,
		"EVENT_BUFFER":        &cfg.Engine.EventBuffer,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":    &cfg.Server.ShutdownTimeout,
		"TASK_TIMEOUT":        &cfg.Engine.TaskTimeout,
		"STORE_TIMEOUT":       &cfg.Engine.StoreTimeout,
		"RETRY_INITIAL_DELAY": &cfg.Retry.InitialDelay,
		"RETRY_MAX_DELAY":     &cfg.Retry.MaxDelay,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"RESUME_RECOVERED": &cfg.Engine.ResumeRecovered,
		"TRACING_STDOUT":   &cfg.Tracing.Stdout,
		"BADGER_IN_MEMORY": &cfg.Store.Badger.InMemory,
	}
	for key, dst := range bools {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}

	if v, ok := lookup(EnvPrefix + "RETRY_MULTIPLIER"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid %sRETRY_MULTIPLIER: %w", EnvPrefix, err)
		}
		cfg.Retry.BackoffMultiplier = f
	}
	return nil
}
