package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/tileindex/internal/core/config"
	"github.com/mohammed-shakir/tileindex/internal/core/health"
	middleware "github.com/mohammed-shakir/tileindex/internal/core/middleware"
	"github.com/mohammed-shakir/tileindex/internal/core/router"
	"github.com/mohammed-shakir/tileindex/internal/metrics"
)

// Index is what the HTTP server serves.
type Index interface {
	router.Service
	health.Checker
}

// Handler builds the full route tree. prov may be nil to leave metrics out.
func Handler(cfg config.Config, logger *slog.Logger, idx Index, prov *metrics.Provider) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(idx, 2*time.Second))
	if prov != nil {
		r.Handle(prov.Path(), prov.Handler())
	}
	router.Mount(r, idx, logger, cfg.OpTimeout)
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, idx Index, prov *metrics.Provider) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Handler(cfg, logger, idx, prov),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.OpTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
