package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/logmanager/internal/config"
	"github.com/tripwire/logmanager/internal/journal"
	"github.com/tripwire/logmanager/internal/logging"
	"github.com/tripwire/logmanager/internal/registry"
	"github.com/tripwire/logmanager/internal/server/rest"
	"github.com/tripwire/logmanager/internal/server/websocket"
	"github.com/tripwire/logmanager/internal/session"
	"github.com/tripwire/logmanager/internal/tailer"
	"github.com/tripwire/logmanager/internal/watcher"
)

func newServeCommand(opts *cliOptions) *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the log manager HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			logger := logging.New(os.Stderr, cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug | info | warn | error")

	return cmd
}

// app is the wired service.
type app struct {
	journal  journal.Journal
	registry *registry.Registry
	handler  http.Handler
}

// newApp opens the journal, builds the registry, session controller and
// router, and registers the configured watchers. A configured watcher that
// cannot start is logged and skipped.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	j, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		return nil, err
	}

	regOpts := []registry.Option{registry.WithJournal(j)}
	if cfg.WatchPollInterval > 0 {
		regOpts = append(regOpts, registry.WithWatcherOptions(watcher.WithPollInterval(cfg.WatchPollInterval)))
	}
	reg := registry.New(logger, regOpts...)
	ctrl := session.NewController(reg, tailer.NewFileProducer(cfg.Stream.Poll), logger,
		session.WithJournal(j),
		session.WithMaxPending(cfg.Stream.MaxPendingChunks),
		session.WithDefaultLines(cfg.Stream.DefaultLines),
	)
	srv := rest.NewServer(reg, ctrl, logger,
		rest.WithBaseURI(cfg.BaseURI),
		rest.WithHistory(j),
	)
	handler := rest.NewRouter(srv, websocket.NewHandler(ctrl, logger, 10*time.Second))

	for _, wc := range cfg.Watchers {
		outcome, err := reg.Register(ctx, wc)
		if err != nil {
			logger.Error("configured watcher not started",
				slog.String("log_dir", wc.LogDir),
				slog.Any("error", err),
			)
			continue
		}
		logger.Info("configured watcher",
			slog.String("log_dir", wc.LogDir),
			slog.String("outcome", outcome.String()),
		)
	}

	return &app{journal: j, registry: reg, handler: handler}, nil
}

// close stops every watcher, which ends every open stream, and then closes
// the journal.
func (a *app) close(ctx context.Context) error {
	err := a.registry.ShutdownAll(ctx)
	return errors.Join(err, a.journal.Close())
}

// serve runs the HTTP server until ctx is done or the listener fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("log manager starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("base_uri", cfg.BaseURI),
		slog.String("journal", cfg.Journal.Driver),
		slog.Duration("watch_poll_interval", cfg.WatchPollInterval),
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// WriteTimeout stays zero: follow-mode tails are open-ended responses.
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case serveErr = <-httpErrCh:
		logger.Error("HTTP server error", slog.Any("error", serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stopping the watchers first cancels follow streams, which would
	// otherwise hold Shutdown open until the timeout.
	if err := a.close(shutdownCtx); err != nil {
		logger.Warn("watcher shutdown error", slog.Any("error", err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("log manager stopped")
	return serveErr
}
