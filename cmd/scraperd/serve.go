package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ofeklabautomations/scraperd/internal/api"
	"github.com/ofeklabautomations/scraperd/internal/artifact"
	"github.com/ofeklabautomations/scraperd/internal/jobstore"
	"github.com/ofeklabautomations/scraperd/internal/log"
	"github.com/ofeklabautomations/scraperd/internal/model"
	"github.com/ofeklabautomations/scraperd/internal/progress"
	"github.com/ofeklabautomations/scraperd/internal/service"
)

const shutdownTimeout = 5 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("scraperd",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	return serve(ctx, config)
}

func serve(ctx context.Context, cfg model.Config) error {
	jobsDir := cfg.Worker.JobsDir()
	if err := os.MkdirAll(jobsDir, 0o755); err != nil {
		return fmt.Errorf("creating jobs directory: %w", err)
	}

	store := jobstore.New()
	supervisor := service.NewSupervisor(ctx, store, cfg.Worker.MaxWorkers)
	defer supervisor.Close()

	scraper := service.NewScraper(store, supervisor, cfg.Worker)
	broadcaster := progress.NewBroadcaster(store, cfg.Stream.Interval.D(), cfg.Stream.MissingGrace)
	packager := artifact.NewPackager(jobsDir, cfg.Download)
	defer packager.Close(context.WithoutCancel(ctx))

	janitor, err := service.NewJanitor(ctx, cfg.Janitor, jobsDir, store, supervisor)
	if err != nil {
		return err
	}
	janitor.Start()
	defer func() {
		if err := janitor.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	server := api.NewServer(scraper, store, broadcaster, packager, cfg.Service.AllowedOrigins)

	// request contexts are cancelled on shutdown, so progress streams end
	serveCtx, cancelServe := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelServe()
	httpServer := &http.Server{
		Addr:              cfg.Service.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return serveCtx },
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "starting api server", "addr", cfg.Service.Listen, "jobs_dir", jobsDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		slog.InfoContext(ctx, "shutting down api server")
		cancelServe()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.InfoContext(ctx, "stopping workers", "jobs", store.Len())
	return err
}
