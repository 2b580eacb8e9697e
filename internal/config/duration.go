package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultAPITimeout    = 30 * time.Second
	DefaultRefreshAfter  = 23 * time.Hour
	DefaultTokenLifetime = 24 * time.Hour
	DefaultStartDelay    = 250 * time.Millisecond
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Accessors below assume Validate() already passed; a bad value falls back to the default.

func (c APIConfig) TimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("api.timeout", c.Timeout, DefaultAPITimeout)
	return d
}

func (c APIConfig) RefreshAfterDuration() time.Duration {
	d, _ := ParseDurationOrDefault("api.refresh_after", c.RefreshAfter, DefaultRefreshAfter)
	return d
}

func (c BotsConfig) RunTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("bots.run_timeout", c.RunTimeout)
	return d
}

// StartDelayDuration returns the gap between bulk starts. "0s" keeps the default;
// there is no way to disable the gap entirely.
func (c BotsConfig) StartDelayDuration() time.Duration {
	d, _ := ParseDurationOrDefault("bots.start_delay", c.StartDelay, DefaultStartDelay)
	return d
}

func (c ServerConfig) TokenLifetimeDuration() time.Duration {
	d, _ := ParseDurationOrDefault("server.token_lifetime", c.TokenLifetime, DefaultTokenLifetime)
	return d
}

func (c StorageConfig) BusyTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("server.storage.busy_timeout", c.BusyTimeout)
	return d
}
