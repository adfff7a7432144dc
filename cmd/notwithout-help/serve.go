package main

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/justlark/notwithout.help/internal/auth"
	"github.com/justlark/notwithout.help/internal/server"
	"github.com/justlark/notwithout.help/internal/store"
)

// sweepInterval is how often the serve command runs the expiry sweep
// in-process, independent of the sweep-expired subcommand an external
// scheduler may invoke instead.
const sweepInterval = time.Hour

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			persistentStore, err := cfg.Store.Open()
			if err != nil {
				return err
			}
			defer persistentStore.Close()

			keyStore, err := cfg.Keystore.Open()
			if err != nil {
				return err
			}
			defer keyStore.Close()

			unauthStore := store.NewUnauthenticatedStore(persistentStore)
			authenticator := auth.New(keyStore, unauthStore, auth.Config{
				Origin:            cfg.Origin,
				AccessTokenExp:    cfg.AccessTokenExp(),
				ChallengeTokenExp: cfg.ChallengeTokenExp(),
			})

			log := logrus.New()
			if cfg.Env == "prod" {
				log.SetFormatter(&logrus.JSONFormatter{})
			}
			srv := server.New(authenticator, unauthStore, server.Config{
				Origin:            cfg.Origin,
				MaxRequestBodyLen: cfg.MaxRequestBodyLenBytes,
			}, log)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go runExpirySweep(ctx, log, persistentStore)

			log.WithField("addr", cfg.HTTP).Info("listening")
			return http.ListenAndServe(cfg.HTTP, srv.Handler())
		},
	}
}

func runExpirySweep(ctx context.Context, log *logrus.Logger, s store.Store) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeleteExpiredForms(ctx)
			if err != nil {
				log.WithError(err).Error("expire sweep failed")
				continue
			}
			if n > 0 {
				log.WithField("count", n).Info("expired forms swept")
			}
		}
	}
}
