// Package app wires the bot together: configuration, stores, the chat
// gateway, the job client and the conversation engine, plus a small ops HTTP
// server for health and usage stats.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/you-humble/swapbot/internal/transport"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()
	mux := http.NewServeMux()
	return &app{
		di: di,
		srv: &http.Server{
			Addr: di.Config().Addr,
			Handler: transport.WithRecover(
				transport.LogMiddleware(
					di.Router(ctx).MountRoutes(mux),
				),
			),
		},
	}
}

func (a *app) Run(ctx context.Context) error {
	cfg := a.di.Config()

	a.di.Archiver(ctx).Start(ctx)
	slog.Info("archiver running...")

	c := a.di.Consumer(ctx)
	c.Run(ctx)
	slog.Info("event consumer running...")

	go a.startJanitor(ctx)
	slog.Info("blob janitor running...",
		slog.String("interval", cfg.CleanupInterval.String()),
		slog.String("max_age", cfg.BlobTTL.String()),
	)

	errCh := make(chan error)
	go func() {
		slog.Info("starting ops server", slog.String("addr", a.srv.Addr))
		if e := a.srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			slog.Error("ops server error", slog.String("error", e.Error()))
			errCh <- e
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown error", slog.String("error", err.Error()))
	}

	c.Stop(ctx)

	// In-flight jobs keep running on background contexts; wait for them so
	// results already paid for by the remote API are still delivered.
	a.waitJobs(shutdownCtx)

	if err := a.di.Archiver(ctx).Stop(shutdownCtx); err != nil {
		slog.Warn("archiver stop", slog.String("error", err.Error()))
	}

	a.di.NATSConn(ctx).Close()
	if err := a.di.RedisClient(ctx).Close(); err != nil {
		slog.Warn("redis close", slog.String("error", err.Error()))
	}
	a.di.Accounts(ctx).Close()

	slog.Info("bot gracefully stopped")
	return nil
}

func (a *app) waitJobs(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.di.Engine(ctx).Wait()
	}()

	select {
	case <-ctx.Done():
		slog.Warn("shutdown timeout exceeded, abandoning in-flight jobs")
	case <-done:
		slog.Info("all in-flight jobs finished")
	}
}

// startJanitor periodically sweeps expired blobs from both stores. Orphans
// appear when the process dies mid-conversation; the sweep keeps the disk and
// the archive bounded.
func (a *app) startJanitor(ctx context.Context) {
	cfg := a.di.Config()

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.di.LocalBlobs(ctx).CleanupOlderThan(ctx, cfg.BlobTTL); err != nil {
				slog.Warn("local blob cleanup", slog.String("error", err.Error()))
			}
			if err := a.di.MinIOBlobs(ctx).CleanupOlderThan(ctx, cfg.BlobTTL); err != nil {
				slog.Warn("archive cleanup", slog.String("error", err.Error()))
			}
		}
	}
}
