package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"library-circulation/api"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the circulation HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getenv("LIBRARY_ADDR", ":8080"), "listen address (env LIBRARY_ADDR)")
	return cmd
}

func (a *app) serve(parent context.Context, addr string) error {
	if parent == nil {
		parent = context.Background()
	}
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !a.dev {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics := promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(a.mgr, a.logger, metrics).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("library up", zap.String("addr", addr), zap.String("db", a.dbPath))
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			stop()
		}
		close(errc)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", zap.Error(err))
	}
	if err := <-errc; err != nil {
		return err
	}
	a.logger.Info("library stopped")
	return nil
}
