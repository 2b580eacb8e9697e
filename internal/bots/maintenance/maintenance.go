// Package maintenance is a plain-function bot doing routine backend checks.
package maintenance

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"wikibot/internal/apiclient"
	"wikibot/internal/bot"
	logx "wikibot/pkg/logx"
)

const Name = "maintenance"

func Descriptor() bot.Descriptor { return bot.Function(Name, Run) }

// Run checks health and identity, and counts wiki settings when the bot is
// an admin. A non-healthy backend fails the run.
func Run(ctx context.Context, bc *bot.Context) (bot.Result, error) {
	c := bc.Client
	if c == nil {
		return nil, fmt.Errorf("maintenance needs the API client")
	}

	health, err := c.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	if health.Status != "healthy" {
		return nil, fmt.Errorf("backend reports %q", health.Status)
	}

	info, err := c.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("info: %w", err)
	}

	res := bot.Result{
		"health":      health.Status,
		"api_version": health.APIVersion,
		"identity":    info.Username,
		"role":        info.Role,
	}

	settings, err := c.WikiSettings(ctx)
	switch {
	case err == nil:
		res["settings"] = len(settings)
	case apiclient.IsStatus(err, http.StatusForbidden):
		bc.Log.Debug("settings need admin; skipped", logx.String("role", info.Role))
	default:
		return nil, fmt.Errorf("settings: %w", err)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	res["goroutines"] = runtime.NumGoroutine()
	res["heap_alloc"] = m.HeapAlloc

	bc.Log.Info("maintenance check done", logx.String("health", health.Status), logx.String("identity", info.Username))
	return res, nil
}
