package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wikibot/internal/storage"
	"wikibot/internal/wikiapi"
	logx "wikibot/pkg/logx"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the reference wiki bot API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			cfg := env.cfg.Server
			log := env.log.With(logx.String("component", "server"))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := storage.Open(storage.Config{
				Driver:      cfg.Storage.Driver,
				Path:        cfg.Storage.Path,
				BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
			}, log.With(logx.String("component", "storage")))
			if err != nil {
				return err
			}
			defer st.Close()

			if secret := cfg.ResolvedSystemSecret(); secret != "" {
				if _, err := wikiapi.Seed(ctx, st, cfg.SystemUser, secret, storage.RoleAdmin); err != nil {
					return err
				}
				log.Info("system bot seeded", logx.String("user", cfg.SystemUser))
			} else {
				log.Warn("no system secret configured; system bot not seeded", logx.String("user", cfg.SystemUser))
			}

			srv := &http.Server{
				Addr: cfg.Addr,
				Handler: wikiapi.New(wikiapi.Options{
					Store:         st,
					Log:           log,
					TokenLifetime: cfg.TokenLifetimeDuration(),
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info("bot API listening", logx.String("addr", cfg.Addr), logx.String("driver", cfg.Storage.Driver))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
}
