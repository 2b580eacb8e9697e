package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads path (JSON or YAML by extension), decodes it strictly, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data. The path is only used to pick the format.
func Parse(path string, data []byte) (*Config, error) {
	jb, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values that have a sensible default.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if len(c.Bots.Extensions) == 0 {
		c.Bots.Extensions = []string{".go"}
	}
	if c.Scheduler.Enabled && c.Scheduler.IntervalMinutes <= 0 && strings.TrimSpace(c.Scheduler.Cron) == "" {
		c.Scheduler.IntervalMinutes = 60
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if strings.TrimSpace(c.Server.SystemUser) == "" {
		c.Server.SystemUser = "_system"
	}
	if strings.TrimSpace(c.Server.Storage.Driver) == "" {
		c.Server.Storage.Driver = "memory"
	}
}

// Validate reports the first invalid field, prefixed with its JSON path.
func (c *Config) Validate() error {
	durations := []struct{ path, raw string }{
		{"api.timeout", c.API.Timeout},
		{"api.refresh_after", c.API.RefreshAfter},
		{"bots.run_timeout", c.Bots.RunTimeout},
		{"bots.start_delay", c.Bots.StartDelay},
		{"server.token_lifetime", c.Server.TokenLifetime},
		{"server.storage.busy_timeout", c.Server.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.File.Rotation)) {
	case "", "numbered", "timestamped":
	default:
		return fmt.Errorf("logging.file.rotation: unknown value %q", c.Logging.File.Rotation)
	}
	if c.Logging.File.MaxBytes < 0 {
		return errors.New("logging.file.max_bytes: must be >= 0")
	}
	if c.Scheduler.IntervalMinutes < 0 {
		return errors.New("scheduler.interval_minutes: must be >= 0")
	}
	if c.API.Identifier != "" && strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url: required when api.identifier is set")
	}
	for i, ext := range c.Bots.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("bots.extensions[%d]: %q must start with '.'", i, ext)
		}
	}
	for name, spec := range c.Bots.Schedules {
		if strings.TrimSpace(spec) == "" {
			return fmt.Errorf("bots.schedules.%s: schedule required", name)
		}
	}
	return nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so we can re-use the strict
// JSON decoder (DisallowUnknownFields) for both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
