// Package main is the entry point for the tradewatch engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/polyinsider/tradewatch/internal/alerts"
	"github.com/polyinsider/tradewatch/internal/classify"
	"github.com/polyinsider/tradewatch/internal/config"
	"github.com/polyinsider/tradewatch/internal/ingest"
	"github.com/polyinsider/tradewatch/internal/metrics"
	"github.com/polyinsider/tradewatch/internal/pipeline"
	"github.com/polyinsider/tradewatch/internal/store"
	"github.com/polyinsider/tradewatch/internal/ui"
	"github.com/polyinsider/tradewatch/internal/volatility"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 5 * time.Second
	cleanupInterval = 5 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	out, closeLog, err := logOutput(cfg)
	if err != nil {
		slog.Error("failed to open log file", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(setupLogger(cfg.LogLevel, out))

	if err := run(cfg); err != nil {
		slog.Error("engine_failed", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	slog.Info("tradewatch starting", "version", "1.0.0")
	slog.Info("config_loaded",
		"feed_url", cfg.FeedURL,
		"data_timeout", cfg.DataTimeout,
		"max_connection_age", cfg.MaxConnectionAge,
		"store_driver", cfg.StoreDriver,
		"database_url", cfg.MaskedDatabaseURL(),
		"dedup_backend", cfg.DedupBackend,
		"redis_password", cfg.MaskedRedisPassword(),
		"webhook_url", cfg.MaskedWebhook(),
		"kafka_brokers", len(cfg.KafkaBrokers),
		"workers", cfg.WorkerCount,
		"queue_size", cfg.QueueSize,
		"tracked_include_sells", cfg.TrackedIncludeSells,
		"enable_tui", cfg.EnableTUI,
		"prometheus_port", cfg.PrometheusPort,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("shutdown_signal_received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	db, err := store.Open(ctx, store.Options{
		Driver:        cfg.StoreDriver,
		DBPath:        cfg.DBPath,
		DatabaseURL:   cfg.DatabaseURL,
		DedupBackend:  cfg.DedupBackend,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisTTL:      cfg.DedupRedisTTL,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Warn("store_close_failed", "error", err)
		}
	}()

	client := ingest.NewClient(ingest.ClientConfig{
		DataURL:        cfg.DataAPIURL,
		GammaURL:       cfg.GammaAPIURL,
		LeaderboardURL: cfg.LeaderboardAPIURL,
		RatePerSec:     cfg.APIRatePerSec,
	})

	collectors := metrics.NewCollectors(prometheus.NewRegistry())
	tracker := metrics.NewTracker(metrics.WithCollectors(collectors))

	// Classification
	catalog := classify.NewCatalog(client, classify.CatalogConfig{
		MarketRefresh:   cfg.MarketRefresh,
		TaxonomyRefresh: cfg.TaxonomyRefresh,
	})
	topTraders := classify.NewTopTraders(client, classify.TopTradersConfig{
		Count:   cfg.TopTraderCount,
		Refresh: cfg.LeaderboardRefresh,
	})
	classifier := classify.New(catalog, classify.NewFreshChecker(db, client, 0), topTraders)
	router := alerts.NewRouter(alerts.RouterConfig{
		BondFloor:           cfg.BondFloor,
		TrackedIncludeSells: cfg.TrackedIncludeSells,
	}, classify.NewWalletStatsCache(client, 0))

	// Dispatch sinks
	fanout := alerts.NewFanout(cfg.DispatchTimeout, tracker)
	fanout.Add("log", alerts.LogDispatcher{})
	if cfg.WebhookURL != "" {
		fanout.Add("webhook", alerts.NewWebhookDispatcher(cfg.WebhookURL, cfg.DispatchTimeout))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := alerts.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := kafka.Close(); err != nil {
				slog.Warn("kafka_close_failed", "error", err)
			}
		}()
		fanout.Add("kafka", kafka)
	}

	var app *ui.App
	pipeOpts := []pipeline.Option{pipeline.WithObserver(tracker)}
	if cfg.EnableTUI {
		app = ui.NewApp(tracker, cfg.UIRefreshRate)
		fanout.Add("console", app)
		pipeOpts = append(pipeOpts, pipeline.WithTradeListener(app.AddTrade))
	}

	pipe := pipeline.New(pipeline.Config{
		QueueSize:           cfg.QueueSize,
		Workers:             cfg.WorkerCount,
		ConfigRefresh:       cfg.ConfigRefresh,
		TrackedIncludeSells: cfg.TrackedIncludeSells,
	}, db, db, classifier, router, fanout, pipeOpts...)

	feed := ingest.NewFeedManager(ingest.FeedConfig{
		URL:                 cfg.FeedURL,
		DataTimeout:         cfg.DataTimeout,
		MaxConnectionAge:    cfg.MaxConnectionAge,
		HealthInterval:      cfg.HealthInterval,
		BackupDelay:         cfg.BackupDelay,
		BackupVerifyTimeout: cfg.BackupVerifyTimeout,
		ReadTimeout:         cfg.ReadTimeout,
		ReconnectDelay:      cfg.ReconnectDelay,
		ReconnectMax:        cfg.ReconnectMax,
		FailoverRetries:     cfg.FailoverRetries,
	}, func(t store.Trade) { pipe.Submit(t) }, ingest.WithFeedObserver(tracker))

	poller := ingest.NewWalletPoller(ingest.PollerConfig{
		Interval:   cfg.PollInterval,
		TradeLimit: cfg.PollTradeLimit,
	}, client, db, pipe, tracker)

	monitor := volatility.New(volatility.Config{
		Interval: cfg.VolatilityInterval,
		Window:   cfg.VolatilityWindow,
		Cooldown: cfg.VolatilityCooldown,
	}, client, classifier, pipe, fanout, volatility.WithPriceStore(db))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe.Run(gctx) })
	g.Go(func() error { catalog.Run(gctx); return nil })
	g.Go(func() error { topTraders.Run(gctx); return nil })
	g.Go(func() error { monitor.Run(gctx); return nil })
	g.Go(func() error {
		err := feed.Connect(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				tracker.Cleanup()
			}
		}
	})
	if cfg.PrometheusPort > 0 {
		g.Go(func() error { return collectors.Serve(gctx, cfg.PrometheusPort) })
	}
	poller.Start(gctx)

	slog.Info("engine_started",
		"status", "listening for trades",
		"workers", cfg.WorkerCount,
		"sinks", strings.Join(fanout.Sinks(), ","),
		"tui_enabled", cfg.EnableTUI,
	)

	if app != nil {
		slog.Info("starting_tui")
		go func() {
			if err := app.Run(); err != nil {
				slog.Error("tui_error", "error", err)
			}
			cancel()
		}()
		select {
		case <-gctx.Done():
			app.Stop()
		case <-app.Done():
		}
	}

	<-gctx.Done()
	slog.Info("shutting_down", "status", "stopping feed")
	feed.Disconnect()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := poller.Stop(shutdownCtx); err != nil {
		slog.Warn("poller_stop_timeout", "error", err)
	}

	runErr := g.Wait()

	if drained := pipe.Drain(shutdownCtx); drained > 0 {
		slog.Info("trades_drained", "count", drained)
	}
	if err := fanout.Wait(shutdownCtx); err != nil {
		slog.Warn("dispatch_drain_timeout", "error", err)
	}

	stats := feed.Stats()
	slog.Info("shutdown_complete",
		"frames", stats.Frames,
		"trades", stats.Trades,
		"failovers", stats.Failovers,
		"reconnects", stats.Reconnects,
	)
	return runErr
}

// logOutput picks stdout, or LOG_FILE when the console owns the terminal.
func logOutput(cfg *config.Config) (io.Writer, func(), error) {
	if !cfg.EnableTUI || cfg.LogFile == "" {
		return os.Stdout, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// setupLogger creates a structured logger with the specified level.
// Format: 2025-01-04 14:32:01 [INFO]  message key=value
func setupLogger(levelStr string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05"))
				}
			}
			return a
		},
	}

	return slog.New(slog.NewTextHandler(w, opts))
}
