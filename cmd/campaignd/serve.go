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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/avi3tal/campaigngraph/internal/api"
	"github.com/avi3tal/campaigngraph/internal/config"
	"github.com/avi3tal/campaigngraph/internal/engine"
	"github.com/avi3tal/campaigngraph/internal/runner"
	"github.com/avi3tal/campaigngraph/internal/store"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var echoFallback bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the campaign HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, echoFallback)
		},
	}
	cmd.Flags().BoolVar(&echoFallback, "echo", false, "complete tasks no agent handles with an echo of their input")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, echoFallback bool) error {
	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", slog.String("error", err.Error()))
		}
	}()

	registry, err := buildRegistry(cfg, echoFallback)
	if err != nil {
		return err
	}

	eng, err := engine.New(st, registry, engineOptions(cfg, logger)...)
	if err != nil {
		return err
	}
	defer eng.Close()

	recovered, err := eng.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover campaigns: %w", err)
	}
	logger.Info("campaigns loaded",
		slog.Int("count", recovered),
		slog.String("store", cfg.Store.Driver),
		slog.Any("agents", registry.Names()))

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(api.NewHandlers(eng, logger), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func engineOptions(cfg *config.Config, logger *slog.Logger) []engine.Option {
	return []engine.Option{
		engine.WithLogger(logger),
		engine.WithDefaultMaxRetries(cfg.Engine.DefaultMaxRetries),
		engine.WithEventBuffer(cfg.Engine.EventBuffer),
		engine.WithResumeRecovered(cfg.Engine.ResumeRecovered),
		engine.WithRunnerOptions(
			runner.WithParallelism(cfg.Engine.Parallelism),
			runner.WithTaskTimeout(cfg.Engine.TaskTimeout),
			runner.WithStoreTimeout(cfg.Engine.StoreTimeout),
			runner.WithRetryPolicy(cfg.Retry.Policy()),
		),
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverBadger:
		bc := store.DefaultBadgerConfig(cfg.Badger.Path)
		bc.InMemory = cfg.Badger.InMemory
		bc.SyncWrites = cfg.Badger.SyncWrites
		bc.GCInterval = cfg.Badger.GCInterval
		bc.Logger = logger
		s, err := store.OpenBadger(bc)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return s, nil
	case config.DriverRedis:
		s, err := store.NewRedisStore(ctx, cfg.Redis.URL, cfg.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("connect redis store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// setupTracing installs a stdout span exporter when enabled and returns its
// shutdown function.
func setupTracing(cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Stdout {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
