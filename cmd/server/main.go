// Package main provides the entry point for the shoprank service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/shoprank/shoprank/internal/config"
	"github.com/shoprank/shoprank/internal/events"
	"github.com/shoprank/shoprank/internal/ranking"
	"github.com/shoprank/shoprank/internal/recalc"
	"github.com/shoprank/shoprank/internal/server"
	"github.com/shoprank/shoprank/internal/store"
	"github.com/shoprank/shoprank/internal/tasks/sqlite"
	"github.com/shoprank/shoprank/internal/tracking"
)

var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Logging)
	log.Info().Str("version", Version).Msg("Starting shoprank")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Service failed")
	}
	log.Info().Msg("Shutdown complete")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.Logger

	// Storage
	db, err := store.NewStore(store.Config{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	catalog := store.NewCatalogStore(db)
	scores := store.NewScoreStore(db)
	stats := store.NewStatsStore(db)

	// Score cache
	cache, err := ranking.NewScoreCache(ranking.CacheConfig{
		Path:     cfg.Cache.Path,
		InMemory: cfg.Cache.InMemory,
		TTL:      cfg.Cache.TTL,
	}, logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	// Durable task runner
	runner, err := sqlite.NewRunner(sqlite.Config{
		Path:         cfg.Tasks.Path,
		PollInterval: cfg.Tasks.PollInterval,
		Workers:      cfg.Tasks.Workers,
		Retention:    cfg.Tasks.Retention,
	}, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	// Scoring engine; the orchestrator snapshots a fresh one per bulk run.
	newEngine := func() recalc.Scorer {
		return ranking.NewEngine(catalog, stats, scores, cache, cfg.Weights, logger)
	}
	engine := ranking.NewEngine(catalog, stats, scores, cache, cfg.Weights, logger)

	orchestrator, err := recalc.NewOrchestrator(catalog, newEngine, runner, recalc.Config{
		BatchSize:    cfg.Recalc.BatchSize,
		Stagger:      cfg.Recalc.Stagger,
		StallTimeout: cfg.Recalc.StallTimeout,
	}, logger)
	if err != nil {
		return err
	}

	// Tracking publishes item changes; the orchestrator turns them into
	// background refresh tasks.
	bus := events.NewBus(logger)
	bus.Subscribe(func(ctx context.Context, ev events.ItemChanged) {
		if err := orchestrator.EnqueueItemUpdate(ctx, ev.ItemID, ev.CategoryIDs); err != nil {
			logger.Warn().Err(err).Int64("item", int64(ev.ItemID)).Msg("auto refresh enqueue failed")
		}
	})

	tracker := tracking.NewTracker(stats, catalog, bus, tracking.Config{
		TrackAnonymous: cfg.Tracking.TrackAnonymous,
		AutoUpdate:     cfg.Tracking.AutoUpdate,
	}, logger)

	// Periodic cleanup of view rows past retention rides the task queue.
	janitor := tracking.NewJanitor(stats, runner, cfg.Tracking.PruneInterval, logger)
	if err := janitor.Schedule(ctx); err != nil {
		return err
	}

	svc := server.NewService(server.Deps{
		Engine:       engine,
		Scores:       scores,
		Catalog:      catalog,
		Tracker:      tracker,
		Orchestrator: orchestrator,
	}, cfg.Server, logger)

	return serve(ctx, runner, svc)
}

// dispatchLoop is the task runner's blocking dispatcher.
type dispatchLoop interface {
	Start(ctx context.Context)
}

// httpService serves requests until the context is cancelled.
type httpService interface {
	Start(ctx context.Context) error
}

// serve runs the task dispatcher and the HTTP service side by side until the
// context is cancelled or the service fails.
func serve(ctx context.Context, runner dispatchLoop, svc httpService) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runner.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return svc.Start(ctx)
	})
	return g.Wait()
}
