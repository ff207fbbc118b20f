// Command approvald serves the approval workflow engine over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/songzhibin97/approval-engine/api"
	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/workflow"
	"github.com/songzhibin97/gkit/generator"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "approvald.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		exitWithError(logger, err)
	}
}

var exit = os.Exit

// exitWithError logs err, flushes the logger and exits non-zero. Deferred calls
// do not run after os.Exit, so the flush happens here.
func exitWithError(logger *zap.Logger, err error) {
	logger.Error("approvald stopped", zap.Error(err))
	_ = logger.Sync()
	exit(1)
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := workflow.NewMetrics(reg)
	if err != nil {
		return err
	}

	opts := []workflow.Option{
		workflow.WithPolicy(workflow.Policy{
			AutoAdvance:     cfg.Engine.AutoAdvance,
			StrictQuorum:    cfg.Engine.StrictQuorum,
			ConflictRetries: cfg.Engine.ConflictRetries,
		}),
		workflow.WithLogger(logger),
		workflow.WithLockTimeout(cfg.Engine.LockTimeout),
		workflow.WithMetrics(metrics),
		workflow.WithEventBusOptions(events.WithBufferSize(cfg.Engine.EventBuffer)),
	}
	if cfg.Webhook.URL != "" {
		hook, err := events.NewWebhookNotifier(events.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Secret:  cfg.Webhook.Secret,
			Timeout: cfg.Webhook.Timeout,
		})
		if err != nil {
			return err
		}
		opts = append(opts, workflow.WithNotifier(events.NewBreakerNotifier(hook, events.BreakerSettings{
			Name:                "webhook",
			ConsecutiveFailures: cfg.Webhook.FailureThreshold,
			Timeout:             cfg.Webhook.OpenTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("notifier circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})))
	}

	ids, node, err := newIDGenerator(cfg)
	if err != nil {
		return err
	}
	engine, err := workflow.NewWorkflowEngine(ids, store, opts...)
	if err != nil {
		return err
	}
	defer engine.Stop(context.Background())

	if cfg.Engine.AutoApproveInterval > 0 {
		go func() {
			if err := engine.RunAutoApprovals(ctx, cfg.Engine.AutoApproveInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("auto-approval loop stopped", zap.Error(err))
			}
		}()
	}
	if cfg.Engine.ArchiveAfter > 0 {
		go archiveLoop(ctx, store, cfg.Engine.ArchiveAfter, logger)
	}

	handlers := api.NewHandlers(engine,
		api.WithLogger(logger),
		api.WithGatherer(reg),
		api.WithRetryAfter(cfg.Engine.LockTimeout))
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handlers.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("approvald listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("storage", cfg.Storage.Driver),
			zap.Uint16("node_id", node),
			zap.Bool("auto_advance", cfg.Engine.AutoAdvance),
			zap.Bool("strict_quorum", cfg.Engine.StrictQuorum))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// idEpoch is where generated IDs start counting. Changing it can reissue IDs
// already held in persistent storage.
var idEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// newIDGenerator builds the Snowflake generator for engine.node_id. An unset
// node ID is derived from the host's private IPv4 address; the memory driver
// falls back to node 1 when there is none.
func newIDGenerator(cfg config.Config) (generator.Generator, uint16, error) {
	node := cfg.Engine.NodeID
	if node == 0 {
		derived, err := generator.LocalIpToUint16()
		switch {
		case err == nil:
			node = derived
		case cfg.Storage.Driver == config.DriverMemory:
			node = 1
		default:
			return nil, 0, fmt.Errorf("config: engine.node_id is unset and cannot be derived: %w", err)
		}
	}
	return generator.NewSnowflake(idEpoch, node), node, nil
}

func openStorage(cfg config.StorageConfig) (storage.Storage, func(), error) {
	switch cfg.Driver {
	case config.DriverRedis:
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  cfg.Redis.IdleTimeout,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return storage.NewMemoryStorage(), func() {}, nil
	}
}

// archiveLoop drops terminal requests once they are older than keep.
func archiveLoop(ctx context.Context, store storage.Storage, keep time.Duration, logger *zap.Logger) {
	interval := keep / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.ClearTerminal(ctx, time.Now().UTC().Add(-keep))
			if err != nil {
				logger.Warn("archiving terminal requests failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("archived terminal requests", zap.Int("removed", removed))
			}
		}
	}
}
