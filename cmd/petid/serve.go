package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/nvr-ai/go-petid/api"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

// serve runs the API until ctx is cancelled, then drains in-flight
// requests for at most the shutdown timeout.
func serve(ctx context.Context, a *app) error {
	cfg := a.cfg.HTTP
	if a.profiler != nil {
		a.profiler.Start()
	}

	srv := api.NewServer(a.svc, a.loader, a.profiler, a.log)
	server := &http.Server{
		Addr: cfg.Addr,
		Handler: srv.Router(api.Options{
			MaxBodyBytes: a.cfg.Images.MaxUploadBytes,
			RateLimit:    cfg.RateLimit,
			RateBurst:    cfg.RateBurst,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.WithFields(logrus.Fields{
			"addr":       cfg.Addr,
			"index_size": a.svc.IndexSize(),
			"store":      a.cfg.Store.Driver,
		}).Info("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}
