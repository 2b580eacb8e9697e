package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	logx "wikibot/pkg/logx"
)

const shutdownTimeout = 30 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Authenticate, discover bots and run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fw, _, err := env.newFramework()
			if err != nil {
				return err
			}
			if err := fw.Start(ctx); err != nil {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = fw.Shutdown(sctx)
				return err
			}
			sdNotify(env.log, daemon.SdNotifyReady)

			<-ctx.Done()
			env.log.Info("shutdown requested")
			sdNotify(env.log, daemon.SdNotifyStopping)

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return fw.Shutdown(sctx)
		},
	}
}

// sdNotify is a no-op outside systemd (no NOTIFY_SOCKET).
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
