// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/artpar/meterd/adapters/http"
	"github.com/artpar/meterd/adapters/http/admin"
	"github.com/artpar/meterd/adapters/idgen"
	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/config"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 30 * time.Second

// App represents the running application.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Engine     *Engine
	Scheduler  *app.Scheduler
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry

	holder *config.Holder

	shutdownOnce sync.Once
}

// Options provides optional configuration for application initialization.
type Options struct {
	// Holder enables hot reload: reloadable fields are applied on change.
	Holder *config.Holder
	// Version is reported by /version and the doctor endpoint.
	Version string
	// EngineDeps overrides engine adapters (tests).
	EngineDeps EngineDeps
}

// New creates a fully wired application from configuration. Counters are
// restored from the event log before New returns.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		holder:   opts.Holder,
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewWithRegistry(a.Registry)

	stores, err := OpenStores(cfg.Database)
	if err != nil {
		return nil, err
	}

	deps := opts.EngineDeps
	if deps.Metrics == nil {
		deps.Metrics = a.Metrics
	}
	engine, err := NewEngine(cfg, stores, logger, deps)
	if err != nil {
		stores.Close()
		return nil, err
	}
	a.Engine = engine

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := engine.Restore(ctx); err != nil {
		a.Shutdown()
		return nil, fmt.Errorf("restore counters: %w", err)
	}

	a.Scheduler = app.NewScheduler(app.SchedulerConfig{
		JobTimeout:  cfg.Scheduler.JobTimeout,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}, logger.With().Str("component", "scheduler").Logger(), a.Metrics)
	for _, j := range engine.Jobs() {
		a.Scheduler.Add(j)
	}

	a.initHTTPServer(opts.Version)

	if a.holder != nil {
		a.holder.OnChange(a.applyConfig)
	}

	logger.Info().
		Str("driver", cfg.Database.Driver).
		Int("plans", len(cfg.Plans)).
		Strs("jobs", a.Scheduler.Jobs()).
		Msg("meterd initialized")
	return a, nil
}

func (a *App) initHTTPServer(version string) {
	e := a.Engine

	usage := apihttp.NewHandler(apihttp.Deps{
		Collector:  e.Collector,
		Evaluator:  e.Evaluator,
		Snapshots:  e.Snapshots,
		Forecaster: e.Forecaster,
		Alerts:     e.Alerts,
		Costs:      e.Costs,
		Records:    e.Stores.Records,
		Logger:     a.Logger.With().Str("component", "http").Logger(),
	})

	adminDeps := admin.Deps{
		Plans:       e.Plans,
		Adjustments: e.Stores.Adjustments,
		Scheduler:   a.Scheduler,
		Journal:     e.Journal,
		Alerts:      e.Alerts,
		IDs:         idgen.UUID{},
		Logger:      a.Logger.With().Str("component", "admin").Logger(),
		Version:     version,
	}
	if e.Stores.DB != nil {
		adminDeps.DB = e.Stores.DB
	}

	var checks []apihttp.HealthCheck
	if e.Stores.DB != nil {
		checks = append(checks, apihttp.HealthCheck{Name: "database", Check: e.Stores.DB.PingContext})
	}
	if e.Redis != nil {
		checks = append(checks, apihttp.HealthCheck{Name: "redis", Check: e.Redis.Ping})
	}

	cfg := a.Config
	routerCfg := apihttp.RouterConfig{
		Usage:          usage,
		Health:         apihttp.NewHealthHandler(checks...),
		AdminHandler:   admin.NewHandler(adminDeps).Router(),
		EnableOpenAPI:  cfg.OpenAPI.Enabled,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Version:        version,
	}
	if cfg.Metrics.Enabled {
		routerCfg.Metrics = a.Metrics
		routerCfg.MetricsPath = cfg.Metrics.Path
		routerCfg.MetricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
	}

	a.HTTPServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apihttp.NewRouter(a.Logger, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// applyConfig is the config holder listener.
func (a *App) applyConfig(cfg *config.Config) {
	err := a.Engine.ApplyConfig(cfg)
	a.Metrics.ConfigReloaded(err, time.Now())
	if err != nil {
		a.Logger.Error().Err(err).Msg("config change rejected")
		return
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	a.Logger.Info().Int("plans", len(cfg.Plans)).Msg("plan catalog and alert thresholds updated")
}

// Run starts the HTTP server and the scheduler, and blocks until ctx is
// cancelled, SIGINT/SIGTERM arrives, or a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	schedDone := make(chan struct{})
	g.Go(func() error {
		defer close(schedDone)
		return a.Scheduler.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		<-schedDone
		a.Logger.Info().Msg("shutting down")
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the application. Calls after the first are no-ops.
func (a *App) Shutdown() error {
	a.shutdownOnce.Do(a.shutdown)
	return nil
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.Engine != nil {
		if err := a.Engine.Close(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("engine close error")
		}
		if err := a.Engine.Stores.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
}

// SetupLogger builds the process logger from logging configuration.
func SetupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// ReplayResult summarizes an offline replay.
type ReplayResult struct {
	Restore app.RestoreResult
	Rollup  app.RollupResult
	Saved   int // counters checkpointed
}

// Replay rebuilds counters from the event log, writes records for every
// closed period that lacks one, and checkpoints what remains open. It
// does not serve traffic.
func Replay(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (ReplayResult, error) {
	var res ReplayResult

	stores, err := OpenStores(cfg.Database)
	if err != nil {
		return res, err
	}
	defer stores.Close()

	e, err := NewEngine(cfg, stores, logger, EngineDeps{})
	if err != nil {
		return res, err
	}
	defer e.Close(context.Background())

	if res.Restore, err = e.Restore(ctx); err != nil {
		return res, fmt.Errorf("restore counters: %w", err)
	}
	if res.Rollup, err = e.Aggregator.Rollup(ctx); err != nil {
		return res, err
	}
	if res.Saved, err = e.Aggregator.Checkpoint(ctx); err != nil {
		return res, err
	}
	return res, nil
}
