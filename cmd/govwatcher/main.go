/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// govwatcher is the archiving pipeline for monitored government sites:
// a scheduler-driven capture loop, content change detection and diff
// generation.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/DevelopmentCats/govwatcher/internal/config"
	"github.com/DevelopmentCats/govwatcher/internal/database"
	"github.com/DevelopmentCats/govwatcher/pkg/artifact"
	"github.com/DevelopmentCats/govwatcher/pkg/capture"
	"github.com/DevelopmentCats/govwatcher/pkg/catalog"
	"github.com/DevelopmentCats/govwatcher/pkg/detect"
	"github.com/DevelopmentCats/govwatcher/pkg/diffengine"
	"github.com/DevelopmentCats/govwatcher/pkg/metrics"
	"github.com/DevelopmentCats/govwatcher/pkg/workqueue"
)

// rendererSettleDelay bounds how long a page gets to settle before a
// screenshot or PDF is taken.
const rendererSettleDelay = 3 * time.Second

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	root := &cobra.Command{
		Use:           "govwatcher",
		Short:         "GovWatcher archiving system",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(newServerCmd(), newCrawlCmd(), newDiffCmd(), newImportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app bundles the wired components behind every subcommand.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *sqlx.DB
	rdb      *redis.Client
	catalog  *catalog.Catalog
	store    *artifact.Store
	queue    *workqueue.Queue
	lock     *workqueue.Lock
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	worker   *capture.Worker
	engine   *diffengine.Engine
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Redis.Addr(), err)
	}
	logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr()))

	store, err := artifact.NewStore(cfg.Storage.BasePath, logger)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	cat := catalog.New(db, logger)
	queue := workqueue.New(rdb, logger)
	lock := workqueue.NewLock(rdb, logger)
	detector := detect.New(cat, queue, logger)

	var renderer capture.Renderer
	if cfg.Features.Screenshots || cfg.Features.PDF {
		renderer = capture.NewChromeRenderer(cfg.Crawler.UserAgent, rendererSettleDelay, logger)
	}
	fetcher := capture.NewHTTPFetcher(cfg.Crawler.UserAgent, cfg.Crawler.Timeout.Std(), logger)
	worker := capture.NewWorker(cfg, cat, store, fetcher, renderer, detector, logger, m)
	engine := diffengine.New(cfg, cat, store, queue, logger, m)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rdb:      rdb,
		catalog:  cat,
		store:    store,
		queue:    queue,
		lock:     lock,
		registry: registry,
		metrics:  m,
		worker:   worker,
		engine:   engine,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("database close failed", zap.Error(err))
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn("redis close failed", zap.Error(err))
	}
	a.logger.Sync() //nolint:errcheck
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Logging.Format == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if flagDebug {
		level = zapcore.DebugLevel
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
