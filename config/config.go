// Package config loads service configuration from the environment, optionally
// overlaid with a YAML file for agent endpoints and engine tuning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full service configuration.
	Config struct {
		// HTTPAddr is the API listen address.
		HTTPAddr string
		// Node names this worker in the queue consumer groups.
		Node string
		// RedisURL and RedisPassword locate the backing store.
		RedisURL      string
		RedisPassword string
		// Orchestrator is the primary review model.
		Orchestrator Model
		// Fallback handles prompts the primary rejects.
		Fallback Model
		// Agents maps agent kind to its engine endpoint.
		Agents map[string]Agent
		// RetryAttempts and RetryBackoff tune the adapter retry policy.
		RetryAttempts int
		RetryBackoff  time.Duration
		// Debug enables debug log toggling and pprof endpoints.
		Debug bool
	}

	// Model locates an OpenAI-compatible chat endpoint.
	Model struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Name    string `yaml:"model"`
	}

	// Agent locates one research engine.
	Agent struct {
		BaseURL string `yaml:"base_url"`
	}

	fileConfig struct {
		Agents        map[string]Agent `yaml:"agents"`
		RetryAttempts int              `yaml:"retry_attempts"`
		RetryBackoff  string           `yaml:"retry_backoff"`
	}
)

// Load reads configuration from the environment. When AGENTS_CONFIG names a
// YAML file its values override the per-agent environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:      envOr("HTTP_ADDR", ":8080"),
		Node:          envOr("NODE_NAME", hostnameOr("orca")),
		RedisURL:      envOr("REDIS_URL", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		Orchestrator: Model{
			APIKey:  os.Getenv("ORCHESTRATOR_API_KEY"),
			BaseURL: os.Getenv("ORCHESTRATOR_BASE_URL"),
			Name:    envOr("ORCHESTRATOR_MODEL", "gpt-4o-mini"),
		},
		Fallback: Model{
			APIKey:  os.Getenv("FALLBACK_API_KEY"),
			BaseURL: os.Getenv("FALLBACK_BASE_URL"),
			Name:    os.Getenv("FALLBACK_MODEL"),
		},
		Agents: map[string]Agent{
			"query":   {BaseURL: os.Getenv("AGENT_QUERY_URL")},
			"media":   {BaseURL: os.Getenv("AGENT_MEDIA_URL")},
			"insight": {BaseURL: os.Getenv("AGENT_INSIGHT_URL")},
		},
		RetryAttempts: envIntOr("RETRY_ATTEMPTS", 2),
		RetryBackoff:  envDurationOr("RETRY_BACKOFF", 60*time.Second),
		Debug:         os.Getenv("DEBUG") != "",
	}
	if path := os.Getenv("AGENTS_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.validate()
}

func (c *Config) overlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agents config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse agents config: %w", err)
	}
	for kind, agent := range fc.Agents {
		if agent.BaseURL != "" {
			c.Agents[kind] = agent
		}
	}
	if fc.RetryAttempts > 0 {
		c.RetryAttempts = fc.RetryAttempts
	}
	if fc.RetryBackoff != "" {
		d, err := time.ParseDuration(fc.RetryBackoff)
		if err != nil {
			return fmt.Errorf("parse retry_backoff: %w", err)
		}
		c.RetryBackoff = d
	}
	return nil
}

func (c *Config) validate() error {
	for _, kind := range []string{"query", "media", "insight"} {
		if c.Agents[kind].BaseURL == "" {
			return fmt.Errorf("agent %q has no endpoint: set AGENT_%s_URL or AGENTS_CONFIG", kind, upper(kind))
		}
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	return nil
}

func upper(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if 'a' <= b && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	return string(out)
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
