package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"wikibot/internal/apiclient"
	"wikibot/internal/bots"
	"wikibot/internal/config"
	"wikibot/internal/eventbus"
	"wikibot/internal/framework"
	logx "wikibot/pkg/logx"
)

var (
	cfgPath string
	envPath string
)

var rootCmd = &cobra.Command{
	Use:           "wikibot",
	Short:         "Wiki maintenance bots",
	Long:          "wikibot runs maintenance bots against a wiki bot API, on a schedule or on demand.\nIt can also serve a reference bot API backed by sqlite or memory storage.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env-file", ".env", "dotenv file loaded before the config (ignored when missing)")
	rootCmd.AddCommand(runCmd(), serveCmd(), botsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// runtimeEnv is what every subcommand needs: config plus logging.
type runtimeEnv struct {
	cfg  *config.Config
	logs *logx.Service
	log  logx.Logger
}

func (e *runtimeEnv) Close() { _ = e.logs.Close() }

func loadEnv() (*runtimeEnv, error) {
	if p := strings.TrimSpace(envPath); p != "" {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			Rotation:   cfg.Logging.File.Rotation,
			MaxBytes:   cfg.Logging.File.MaxBytes,
			MaxBackups: cfg.Logging.File.MaxBackups,
		},
	})
	return &runtimeEnv{cfg: cfg, logs: logs, log: log}, nil
}

// newFramework wires the shared client and the selected builtins.
func (e *runtimeEnv) newFramework() (*framework.Framework, *apiclient.Client, error) {
	cfg := e.cfg
	bus := eventbus.New()
	client := apiclient.New(apiclient.Options{
		BaseURL:      cfg.API.BaseURL,
		Timeout:      cfg.API.TimeoutDuration(),
		RefreshAfter: cfg.API.RefreshAfterDuration(),
		UserAgent:    cfg.API.UserAgent,
	}, e.log, bus)

	fw := framework.New(framework.Options{
		Identifier: cfg.API.Identifier,
		Secret:     cfg.API.ResolvedSecret(),
		Bots:       cfg.Bots,
		Scheduler:  cfg.Scheduler,
	}, e.log, client, bus)

	builtins, err := bots.Select(cfg.Bots.Builtins)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("bots.builtins: %w", err)
	}
	if err := fw.Register(builtins...); err != nil {
		client.Close()
		return nil, nil, err
	}
	return fw, client, nil
}
