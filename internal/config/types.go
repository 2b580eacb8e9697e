package config

import (
	"encoding/json"
	"os"
	"strings"
)

// Config is the whole wikibot configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "23h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	API       APIConfig       `json:"api"`
	Bots      BotsConfig      `json:"bots"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Server    ServerConfig    `json:"server"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile controls the file sink.
//
// Rotation is "numbered" (default) or "timestamped".
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	Rotation   string `json:"rotation,omitempty"`
	MaxBytes   int64  `json:"max_bytes,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// APIConfig points the API client at the wiki backend.
//
// Defaults:
//   - timeout: "30s"
//   - refresh_after: "23h" (safely inside a 24h token lifetime)
type APIConfig struct {
	BaseURL    string `json:"base_url"`
	Identifier string `json:"identifier"`
	// Secret is the bot secret. Prefer SecretEnv so the secret stays out of the file.
	Secret       string `json:"secret,omitempty"`
	SecretEnv    string `json:"secret_env,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	RefreshAfter string `json:"refresh_after,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// BotsConfig controls discovery and execution.
//
// Defaults:
//   - extensions: [".go"]
//   - run_timeout: "0s" (disabled)
//   - start_delay: "250ms" (gap between successive starts in bulk runs)
type BotsConfig struct {
	Dirs       []string `json:"dirs"`
	Extensions []string `json:"extensions,omitempty"`
	Watch      bool     `json:"watch"`
	RunTimeout string   `json:"run_timeout,omitempty"`
	StartDelay string   `json:"start_delay,omitempty"`

	// Builtins selects compiled-in bots by name. Empty means all of them.
	Builtins []string `json:"builtins,omitempty"`
	// Disabled bots are registered but skipped by bulk runs.
	Disabled []string `json:"disabled,omitempty"`

	// Params is handed to each bot as its run parameters, keyed by bot name.
	Params map[string]json.RawMessage `json:"params,omitempty"`
	// Schedules adds per-bot schedules on top of the global "start all" cycle.
	Schedules map[string]string `json:"schedules,omitempty"`
}

// SchedulerConfig controls the recurring "start all bots" trigger.
//
// Cron wins over IntervalMinutes when both are set. Cron accepts anything
// scheduler.ParseSchedule accepts ("*/5 * * * *", "@hourly", "55m", "02:30").
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`
	Cron            string `json:"cron,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// ServerConfig configures the reference wiki bot API (wikibot serve).
type ServerConfig struct {
	Addr            string        `json:"addr,omitempty"`
	Storage         StorageConfig `json:"storage"`
	SystemUser      string        `json:"system_user,omitempty"`
	SystemSecret    string        `json:"system_secret,omitempty"`
	SystemSecretEnv string        `json:"system_secret_env,omitempty"`
	TokenLifetime   string        `json:"token_lifetime,omitempty"`
}

// StorageConfig controls the storage driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/wiki.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ResolvedSecret returns the secret from SecretEnv when that variable is set, else Secret.
func (c APIConfig) ResolvedSecret() string {
	return envOr(c.SecretEnv, c.Secret)
}

// ResolvedSystemSecret mirrors APIConfig.ResolvedSecret for the seeded system bot.
func (c ServerConfig) ResolvedSystemSecret() string {
	return envOr(c.SystemSecretEnv, c.SystemSecret)
}

func envOr(name, fallback string) string {
	if name = strings.TrimSpace(name); name != "" {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return fallback
}

// BotParams decodes the params blob of one bot into a generic map.
func (c BotsConfig) BotParams(name string) (map[string]any, error) {
	raw := c.Params[name]
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsDisabled reports whether name is listed in Disabled.
func (c BotsConfig) IsDisabled(name string) bool {
	for _, d := range c.Disabled {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return true
		}
	}
	return false
}
