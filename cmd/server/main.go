package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"settlx/internal/app"
	"settlx/internal/config"
	"settlx/internal/idempotency"
	"settlx/internal/logging"
	"settlx/internal/notify"
	"settlx/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, flushLogs := logging.Setup(logging.Options{
		Service: "settlx",
		Env:     cfg.Logging.Env,
		Level:   parseLevel(cfg.Logging.Level),
		LokiURL: cfg.Logging.LokiURL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, logger)
	if err != nil {
		logger.Error("server stopped", "error", err)
	}
	stop()
	flushLogs()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	metrics := server.NewMetrics()
	components, err := app.Build(ctx, cfg, logger, app.Options{
		PassObserver: metrics,
		RateObserver: metrics,
	})
	if err != nil {
		return err
	}
	defer components.Close()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var publisher notify.Publisher = notify.NewLogPublisher(logger)
	if len(cfg.Notify.KafkaBrokers) > 0 {
		publisher = notify.NewKafkaPublisher(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
		logger.Info("publishing status changes to kafka", "topic", cfg.Notify.KafkaTopic)
	}
	defer publisher.Close()
	components.Runner.OnPublish(notify.Listener(publisher, logger))

	apiServer := server.NewServer(cfg, server.Deps{
		Escrow:     components.Writer,
		Reconciler: components.Runner,
		Rates:      components.Rates,
		Store:      store,
		Metrics:    metrics,
		Logger:     logger,
		RPCHealth:  components.RPCHealth,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(components.Rates.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(components.Runner.Run(gctx, components.Rates.Updates()))
	})
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore picks Postgres when DATABASE_URL is set, the JSON file store otherwise.
func openStore(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	if cfg.Service.DatabaseURL != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}
