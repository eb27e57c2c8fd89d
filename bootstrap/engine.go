package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/archive"
	"github.com/artpar/meterd/adapters/clock"
	"github.com/artpar/meterd/adapters/idgen"
	"github.com/artpar/meterd/adapters/memory"
	"github.com/artpar/meterd/adapters/notify"
	"github.com/artpar/meterd/adapters/sqlite"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/config"
	"github.com/artpar/meterd/domain/trend"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// adjustmentStore reads and writes billing adjustments.
type adjustmentStore interface {
	ports.AdjustmentStore
	ports.AdjustmentWriter
}

// pruner is implemented by event logs that can drop old rows.
type pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Stores holds the persistence adapters selected by database.driver.
type Stores struct {
	DB            *sqlite.DB // nil for the memory driver
	Events        ports.EventLog
	Checkpoints   ports.CheckpointStore
	Records       ports.RecordStore
	Alerts        ports.AlertStore
	Subscriptions ports.SubscriptionStore
	Adjustments   adjustmentStore
}

// OpenStores opens the configured database and runs migrations.
func OpenStores(cfg config.DatabaseConfig) (*Stores, error) {
	if cfg.Driver == "memory" {
		return &Stores{
			Events:        memory.NewEventLog(),
			Checkpoints:   memory.NewCheckpointStore(),
			Records:       memory.NewRecordStore(),
			Alerts:        memory.NewAlertStore(),
			Subscriptions: memory.NewSubscriptionStore(),
			Adjustments:   memory.NewAdjustmentStore(),
		}, nil
	}

	db, err := sqlite.Open(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Stores{
		DB:            db,
		Events:        sqlite.NewEventLog(db),
		Checkpoints:   sqlite.NewCheckpointStore(db),
		Records:       sqlite.NewRecordStore(db),
		Alerts:        sqlite.NewAlertStore(db),
		Subscriptions: sqlite.NewSubscriptionStore(db),
		Adjustments:   sqlite.NewAdjustmentStore(db),
	}, nil
}

// Close closes the database, if any.
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Engine is the wired metering engine.
type Engine struct {
	Stores      *Stores
	Counters    *memory.CounterStore
	Idempotency *memory.IdempotencyStore
	Sequence    *idgen.Snowflake
	Redis       *notify.RedisSink // nil unless notify.redis is enabled

	Plans      *app.PlanResolver
	Journal    *app.Journal
	Collector  *app.Collector
	Evaluator  *app.Evaluator
	Costs      *app.CostService
	Aggregator *app.Aggregator
	Alerts     *app.AlertService
	Forecaster *app.Forecaster
	Snapshots  *app.SnapshotService

	clock  ports.Clock
	logger zerolog.Logger
	cfg    *config.Config
	closer []func() error
}

// EngineDeps contains optional overrides for NewEngine.
type EngineDeps struct {
	Clock   ports.Clock            // default: clock.Real
	Sink    ports.NotificationSink // default: built from cfg.Notify
	Archive ports.Archive          // default: built from cfg.Archive
	Metrics ports.Metrics
}

// NewEngine wires every service over stores. Nothing is restored or
// scheduled; see Restore and Jobs.
func NewEngine(cfg *config.Config, stores *Stores, logger zerolog.Logger, deps EngineDeps) (*Engine, error) {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("build plan catalog: %w", err)
	}

	seq, err := idgen.NewSnowflake(cfg.Server.NodeID)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Stores:   stores,
		Sequence: seq,
		Counters: memory.NewCounterStore(memory.CounterStoreConfig{
			NumShards: cfg.Counters.Shards,
			IdleTTL:   cfg.Counters.IdleTTL,
		}),
		Idempotency: memory.NewIdempotencyStore(memory.IdempotencyConfig{
			NumShards: cfg.Idempotency.Shards,
			Retention: cfg.Idempotency.Retention,
		}),
		clock:  clk,
		logger: logger,
		cfg:    cfg,
	}

	sink := deps.Sink
	if sink == nil {
		if sink, err = e.buildSink(cfg); err != nil {
			return nil, err
		}
	}
	arch := deps.Archive
	if arch == nil {
		if arch, err = buildArchive(cfg.Archive); err != nil {
			return nil, err
		}
	}

	ids := idgen.UUID{}

	e.Plans = app.NewPlanResolver(stores.Subscriptions, catalog, clk)
	e.Journal = app.NewJournal(stores.Events, app.JournalConfig{
		QueueSize:     cfg.Journal.QueueSize,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
		WriteTimeout:  cfg.Journal.WriteTimeout,
	}, logger.With().Str("component", "journal").Logger(), deps.Metrics)
	e.closer = append(e.closer, e.Journal.Close)

	e.Collector = app.NewCollector(app.CollectorDeps{
		Counters:    e.Counters,
		Idempotency: e.Idempotency,
		Journal:     e.Journal,
		Plans:       e.Plans,
		Sequence:    seq,
		Clock:       clk,
		Logger:      logger.With().Str("component", "collector").Logger(),
		Metrics:     deps.Metrics,
	}, app.CollectorConfig{MaxEventAge: cfg.Journal.MaxEventAge})

	e.Evaluator = app.NewEvaluator(app.EvaluatorDeps{
		Counters: e.Counters,
		Plans:    e.Plans,
		Clock:    clk,
		Logger:   logger.With().Str("component", "evaluator").Logger(),
		Metrics:  deps.Metrics,
	})

	e.Costs = app.NewCostService(stores.Records, e.Counters, stores.Adjustments, e.Plans, clk)

	e.Aggregator = app.NewAggregator(app.AggregatorDeps{
		Counters:    e.Counters,
		Records:     stores.Records,
		Checkpoints: stores.Checkpoints,
		Plans:       e.Plans,
		Cost:        e.Costs.Estimate,
		Archive:     arch,
		IDs:         ids,
		Clock:       clk,
		Logger:      logger.With().Str("component", "aggregator").Logger(),
		Metrics:     deps.Metrics,
	}, app.AggregatorConfig{})

	e.Alerts = app.NewAlertService(app.AlertDeps{
		Alerts:    stores.Alerts,
		Counters:  e.Counters,
		Records:   stores.Records,
		Evaluator: e.Evaluator,
		Costs:     e.Costs,
		Sink:      sink,
		IDs:       ids,
		Clock:     clk,
		Logger:    logger.With().Str("component", "alerts").Logger(),
		Metrics:   deps.Metrics,
	}, app.AlertConfig{
		Ladder:         cfg.Alerts.Ladder(),
		HistoryRecords: cfg.Alerts.HistoryRecords,
	})

	e.Forecaster = app.NewForecaster(stores.Records,
		memory.NewTTLCache[app.TrendKey, trend.Trend](clk), clk,
		logger.With().Str("component", "forecaster").Logger(),
		app.ForecasterConfig{Trend: cfg.Forecast.Trend(), CacheTTL: cfg.Forecast.CacheTTL})

	e.Snapshots = app.NewSnapshotService(app.SnapshotDeps{
		Counters:   e.Counters,
		Records:    stores.Records,
		Forecaster: e.Forecaster,
		Plans:      e.Plans,
		Cache:      memory.NewTTLCache[string, usage.Snapshot](clk),
		Clock:      clk,
		Logger:     logger.With().Str("component", "snapshots").Logger(),
	}, cfg.Forecast.SnapshotTTL)

	return e, nil
}

func (e *Engine) buildSink(cfg *config.Config) (ports.NotificationSink, error) {
	var sinks notify.Multi
	if cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink(e.logger.With().Str("component", "notify").Logger()))
	}
	if cfg.Notify.Webhook.URL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Secret, cfg.Notify.Webhook.Timeout))
	}
	if cfg.Notify.Redis {
		rs, err := notify.NewRedisSink(notify.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		sinks = append(sinks, rs)
		e.Redis = rs
		e.closer = append(e.closer, rs.Close)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func buildArchive(cfg config.ArchiveConfig) (ports.Archive, error) {
	if !cfg.Enabled {
		return archive.Noop{}, nil
	}
	a, err := archive.NewS3Archive(archive.Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Prefix:          cfg.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return a, nil
}

// Restore loads plan assignments and rebuilds counters from checkpoints
// and the event log.
func (e *Engine) Restore(ctx context.Context) (app.RestoreResult, error) {
	if err := e.Plans.Load(ctx); err != nil {
		return app.RestoreResult{}, err
	}
	return e.Aggregator.Restore(ctx, e.Stores.Events, e.Idempotency, e.Sequence)
}

// Jobs returns the background jobs for the configured intervals.
func (e *Engine) Jobs() []app.Job {
	sc := e.cfg.Scheduler
	jobs := []app.Job{
		{Name: "rollup", Interval: sc.RollupInterval, Run: func(ctx context.Context) error {
			res, err := e.Aggregator.Rollup(ctx)
			if res.Written+res.Repriced > 0 {
				e.logger.Debug().Int("closed", res.Closed).Int("written", res.Written).
					Int("repriced", res.Repriced).Msg("rollup complete")
			}
			return err
		}},
		{Name: "checkpoint", Interval: sc.CheckpointInterval, Run: func(ctx context.Context) error {
			_, err := e.Aggregator.Checkpoint(ctx)
			return err
		}},
		{Name: "alerts", Interval: sc.AlertInterval, Run: func(ctx context.Context) error {
			_, err := e.Alerts.Run(ctx)
			return err
		}},
		{Name: "evict", Interval: sc.EvictInterval, Run: func(ctx context.Context) error {
			e.Aggregator.Evict(ctx)
			if n := e.Idempotency.Cleanup(e.clock.Now()); n > 0 {
				e.logger.Debug().Int("expired", n).Msg("idempotency keys expired")
			}
			return nil
		}},
	}

	if p, ok := e.Stores.Events.(pruner); ok && e.cfg.Journal.Retention > 0 {
		retention := e.cfg.Journal.Retention
		jobs = append(jobs, app.Job{Name: "prune", Interval: sc.PruneInterval, Run: func(ctx context.Context) error {
			n, err := p.Prune(ctx, e.clock.Now().Add(-retention))
			if err != nil {
				return fmt.Errorf("prune event log: %w", err)
			}
			if n > 0 {
				e.logger.Info().Int64("rows", n).Dur("retention", retention).Msg("event log pruned")
			}
			return nil
		}})
	}
	return jobs
}

// ApplyConfig applies the reloadable parts of cfg: the plan catalog and
// alert thresholds.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	e.Plans.UpdateCatalog(catalog)
	e.Alerts.SetLadder(cfg.Alerts.Ladder())
	return nil
}

// Close flushes the journal, checkpoints counters and releases sinks.
// The stores stay open.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	if err := e.Journal.Flush(ctx); err != nil {
		e.logger.Error().Err(err).Msg("final journal flush failed")
		firstErr = err
	}
	if _, err := e.Aggregator.Checkpoint(ctx); err != nil {
		e.logger.Error().Err(err).Msg("final checkpoint failed")
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range e.closer {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
