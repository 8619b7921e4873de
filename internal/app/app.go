package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cardpricer/internal/cache"
	"cardpricer/internal/config"
	"cardpricer/internal/httpapi"
	"cardpricer/internal/resolver"
	"cardpricer/internal/revalidator"
	"cardpricer/internal/storage"
	"cardpricer/internal/syncer"
	"cardpricer/internal/upstream"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newUpstreamClient() (*upstream.Client, error) {
	return upstream.New(upstream.Options{
		BaseURL:           a.Config.Upstream.BaseURL,
		APIKey:            a.Config.Upstream.APIKey,
		Timeout:           a.Config.Upstream.RequestTimeout,
		BatchSize:         a.Config.Upstream.BatchSize,
		RequestsPerMinute: a.Config.Upstream.RequestsPerMinute,
		MaxConcurrent:     a.Config.Upstream.MaxConcurrent,
		MaxRetries:        a.Config.Upstream.MaxRetries,
		UserAgent:         a.Config.Upstream.UserAgent,
	}, a.Logger)
}

// pipeline is the fully wired pricing subsystem.
type pipeline struct {
	cache  *cache.Cache
	orch   *resolver.Orchestrator
	reval  *revalidator.Revalidator
	syncer *syncer.Syncer
}

func (a *App) buildPipeline(store *storage.Store) (*pipeline, error) {
	client, err := a.newUpstreamClient()
	if err != nil {
		return nil, err
	}

	priceCache, err := cache.New(a.Config.Cache.Capacity)
	if err != nil {
		return nil, err
	}

	policy := a.Config.StalenessPolicy()

	reval := revalidator.New(store, client, policy, revalidator.Options{
		Workers:      a.Config.Revalidator.Workers,
		QueueSize:    a.Config.Revalidator.QueueSize,
		FetchTimeout: a.Config.Revalidator.FetchTimeout,
	}, a.Logger)

	timeouts := resolver.Timeouts{
		Speed:     a.Config.Resolver.SpeedTimeout,
		Balanced:  a.Config.Resolver.BalancedTimeout,
		Freshness: a.Config.Resolver.FreshnessTimeout,
	}
	orch, err := resolver.New(priceCache, store, client, reval, policy, timeouts, a.Logger)
	if err != nil {
		return nil, err
	}

	var sync *syncer.Syncer
	if a.Config.Syncer.Enabled {
		sync, err = syncer.New(store, client, priceCache, syncer.Options{
			Interval:     a.Config.Syncer.Interval,
			StartupDelay: a.Config.Syncer.StartupDelay,
			BatchCount:   a.Config.Syncer.BatchCount,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
	}

	return &pipeline{cache: priceCache, orch: orch, reval: reval, syncer: sync}, nil
}

// Run executes the long-running pricing service: HTTP API, background
// revalidation workers, and the proactive sync cycle.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe, err := a.buildPipeline(store)
	if err != nil {
		return err
	}

	pipe.reval.Start(ctx)

	server := httpapi.New(pipe.orch, pipe.cache, pipe.syncer, a.Config.Server, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if pipe.syncer != nil {
		g.Go(func() error {
			return pipe.syncer.Run(gctx)
		})
	}

	a.Logger.Info().Msg("pricing service started")
	err = g.Wait()
	pipe.reval.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("pricing service stopped")
	return nil
}

// ResolveOptions configure the one-off resolve command.
type ResolveOptions struct {
	Keys     []string
	Priority string
}

// ReportOptions configure the staleness report.
type ReportOptions struct {
	Limit   int
	CSVPath string
	PNGPath string
}
