package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trade-reconciler/internal/api"
)

func newServeCmd(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and work the matching queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Logger.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := api.NewServer(a.svc, a.log, api.Options{
		Exchange: a.cfg.Ingest.Exchange,
		CacheTTL: a.cfg.Server.CacheTTL,
	})
	a.orch.OnFinish(srv.Invalidate)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           srv.R,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.queue.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Starting web server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutdown signal received, gracefully shutting down...")
	case serveErr = <-errCh:
		if serveErr != nil {
			a.log.Error("Web server failed", zap.Error(serveErr))
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("Web server shutdown failed", zap.Error(err))
	}

	cancel()
	wg.Wait()
	a.log.Info("Reconciler has been shut down.")
	return serveErr
}
