package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CloudNativeWorks/cnw-license-server/internal/httpapi"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the license HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sc := a.cfg.Server
	if sc.AdminAPIKey == "" {
		a.log.Warn().Msg("no admin API key configured; admin routes are disabled")
	}
	api := httpapi.New(a.engine,
		httpapi.WithLogger(a.log),
		httpapi.WithAdminKey(sc.AdminAPIKey),
		httpapi.WithRequestTimeout(sc.RequestTimeout),
		httpapi.WithRegistry(a.registry),
		httpapi.WithHealthCheck(a.ping),
	)
	srv := &http.Server{
		Addr:         sc.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().
			Str("addr", sc.Addr).
			Str("store", a.cfg.Store.Driver).
			Str("version", Version).
			Msg("license server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", sc.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down license server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
