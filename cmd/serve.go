package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lookup API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		var payments http.Handler
		if svc.Payments != nil {
			payments = svc.Payments
		} else {
			zap.L().Warn("stripe webhook secret not set, payment webhook disabled")
		}

		server := api.New(svc.Lookups, svc.Votes, svc.Ledger, payments, svc.Store, api.Config{
			JWTSecret:   cfg.Server.JWTSecret,
			AdminToken:  cfg.Server.AdminToken,
			CORSOrigins: cfg.Server.CORSOrigins,
			// Covers a follower's full wait plus its retries.
			RequestTimeout: cfg.Lookup.InflightWait() * time.Duration(cfg.Lookup.FollowerRetryAttempts+1),
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}
