// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads meshflow's controller and worker configuration
// from a YAML file with environment-variable overrides, using a
// layered precedence: defaults, then file, then environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/meshflow/meshflow/internal/util"
	meshflowerrors "github.com/meshflow/meshflow/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete meshflow configuration: the listen addresses
// for the three transport channels, the worker pool's sizing, where
// to find the Curve25519 keypair, and logging.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Listen   ListenConfig   `yaml:"listen"`
	Keys     KeysConfig     `yaml:"keys"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Worker   WorkerConfig   `yaml:"worker,omitempty"`
	Tracing  TracingConfig  `yaml:"tracing,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`

	// AddSource adds the source file and line to every record.
	AddSource bool `yaml:"add_source"`
}

// ListenConfig configures the controller's three TCP loopback
// listeners.
type ListenConfig struct {
	// Requests is the ROUTER/REQ-shaped channel workers announce
	// readiness and receive workflows on.
	Requests string `yaml:"requests"`

	// Results is the PUSH/PULL-shaped channel workers stream events
	// back on.
	Results string `yaml:"results"`

	// Control is the ROUTER/REQ-shaped channel pause/resume/
	// trigger-data messages are addressed to workers on.
	Control string `yaml:"control"`

	// Health is the plain-HTTP address the controller serves /healthz
	// on, for lifecycle.HealthChecker to poll after a detached start.
	Health string `yaml:"health,omitempty"`
}

// KeysConfig locates this host's Curve25519 keypair directory, used
// to authenticate and encrypt all three channels.
type KeysConfig struct {
	// Dir holds this process's private/public keypair files.
	Dir string `yaml:"dir"`
}

// DispatchConfig configures the dispatcher's load-balancing loop.
type DispatchConfig struct {
	// PoolSize is how many worker processes the controller expects to
	// have announced readiness with before it considers the pool
	// warmed up. Informational only; the dispatcher itself accepts
	// any number of workers.
	PoolSize int `yaml:"pool_size,omitempty"`
}

// WorkerConfig configures a single worker process.
type WorkerConfig struct {
	// Identity is this worker's address, of the form "Worker-<id>".
	// If empty, the worker generates one from its PID at startup.
	Identity string `yaml:"identity,omitempty"`
}

// TracingConfig configures OpenTelemetry span export across
// Submit -> dispatch -> execute -> shutdown.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name,omitempty"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// Default returns a Config with sensible defaults for running
// everything on loopback with no YAML file at all.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Listen: ListenConfig{
			Requests: "127.0.0.1:5555",
			Results:  "127.0.0.1:5556",
			Control:  "127.0.0.1:5557",
			Health:   "127.0.0.1:7330",
		},
		Keys: KeysConfig{
			Dir: defaultKeyDir(),
		},
		Dispatch: DispatchConfig{
			PoolSize: 4,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "meshflow",
		},
	}
}

// Load builds a Config from defaults, then configPath if non-empty
// (falling back to the default config file if it exists), then
// environment variable overrides. Environment variables always win.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &meshflowerrors.ConfigError{
				Key: "config_file", Reason: fmt.Sprintf("failed to load %s", configPath), Cause: err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &meshflowerrors.ConfigError{Key: "validation", Reason: "configuration validation failed", Cause: err}
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		path = home + path[1:]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// loadFromEnv overlays environment variables using the MESHFLOW_
// prefix.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("MESHFLOW_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("MESHFLOW_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("MESHFLOW_DEBUG"); v != "" {
		if v == "1" || strings.ToLower(v) == "true" {
			c.Log.Level = "debug"
		}
	}
	if v := os.Getenv("MESHFLOW_LISTEN_REQUESTS"); v != "" {
		c.Listen.Requests = v
	}
	if v := os.Getenv("MESHFLOW_LISTEN_RESULTS"); v != "" {
		c.Listen.Results = v
	}
	if v := os.Getenv("MESHFLOW_LISTEN_CONTROL"); v != "" {
		c.Listen.Control = v
	}
	if v := os.Getenv("MESHFLOW_LISTEN_HEALTH"); v != "" {
		c.Listen.Health = v
	}
	if v := os.Getenv("MESHFLOW_KEYS_DIR"); v != "" {
		c.Keys.Dir = v
	}
	if v := os.Getenv("MESHFLOW_DISPATCH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dispatch.PoolSize = n
		}
	}
	if v := os.Getenv("MESHFLOW_WORKER_IDENTITY"); v != "" {
		c.Worker.Identity = v
	}
	if v := os.Getenv("MESHFLOW_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "1" || strings.ToLower(v) == "true"
	}
	if v := os.Getenv("MESHFLOW_TRACING_OTLP_ENDPOINT"); v != "" {
		c.Tracing.OTLPEndpoint = v
	}
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Listen.Requests == "" {
		errs = append(errs, "listen.requests must not be empty")
	}
	if c.Listen.Results == "" {
		errs = append(errs, "listen.results must not be empty")
	}
	if c.Listen.Control == "" {
		errs = append(errs, "listen.control must not be empty")
	}
	if addr := c.Listen.Health; addr != "" {
		seen := []string{c.Listen.Requests, c.Listen.Results, c.Listen.Control}
		if util.Contains(seen, addr) {
			errs = append(errs, "listen.health must be distinct from requests, results, and control")
		}
	}
	if c.Listen.Requests == c.Listen.Results || c.Listen.Requests == c.Listen.Control || c.Listen.Results == c.Listen.Control {
		errs = append(errs, "listen addresses for requests, results, and control must be distinct")
	}

	if c.Keys.Dir == "" {
		errs = append(errs, "keys.dir must not be empty")
	}

	if c.Dispatch.PoolSize < 0 {
		errs = append(errs, "dispatch.pool_size must not be negative")
	}

	if c.Tracing.Enabled && c.Tracing.OTLPEndpoint == "" {
		errs = append(errs, "tracing.otlp_endpoint is required when tracing.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}
