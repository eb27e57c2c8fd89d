package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/clock"
	"github.com/artpar/meterd/adapters/idgen"
	"github.com/artpar/meterd/adapters/memory"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/domain/meter"
	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/trend"
	"github.com/artpar/meterd/domain/usage"
)

// baseTime is mid-month and mid-day so neither period boundary is near.
var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func testPlans() []plan.Plan {
	return []plan.Plan{
		{
			ID:                "free",
			Name:              "Free",
			BillingCycle:      usage.CycleMonthly,
			APICallsPerMinute: 100000,
			APICallsPerDay:    1000,
			StorageGB:         1,
			Limits:            map[usage.Metric]int64{usage.MetricChatbotMessages: 100},
			TeamMembers:       3,
			Projects:          1,
		},
		{
			ID:                "pro",
			Name:              "Pro",
			BillingCycle:      usage.CycleDaily,
			APICallsPerMinute: 100000,
			APICallsPerDay:    1000,
			AllowOverage:      true,
			OverageRateCents:  1,
			Limits:            map[usage.Metric]int64{usage.MetricChatbotMessages: 100},
		},
		{
			ID:                "burst",
			Name:              "Burst",
			BillingCycle:      usage.CycleMonthly,
			APICallsPerMinute: 10,
			APICallsPerDay:    100000,
		},
	}
}

type recordingSink struct {
	mu    sync.Mutex
	fail  error
	calls int
	got   []alert.Alert
}

func (s *recordingSink) Notify(ctx context.Context, alerts []alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, alerts...)
	return nil
}

func (s *recordingSink) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *recordingSink) delivered() []alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Alert(nil), s.got...)
}

type engine struct {
	clock       *clock.Fake
	seq         *idgen.Counter
	counters    *memory.CounterStore
	idem        *memory.IdempotencyStore
	log         *memory.EventLog
	checkpoints *memory.CheckpointStore
	records     *memory.RecordStore
	alerts      *memory.AlertStore
	subs        *memory.SubscriptionStore
	adjustments *memory.AdjustmentStore
	sink        *recordingSink

	plans      *app.PlanResolver
	journal    *app.Journal
	collector  *app.Collector
	evaluator  *app.Evaluator
	costs      *app.CostService
	aggregator *app.Aggregator
	alertSvc   *app.AlertService
	forecaster *app.Forecaster
	snapshots  *app.SnapshotService
}

type engineOption func(*engineConfig)

type engineConfig struct {
	journal app.JournalConfig
	cost    app.CostFunc
}

func withJournal(cfg app.JournalConfig) engineOption {
	return func(c *engineConfig) { c.journal = cfg }
}

func withCostFunc(fn app.CostFunc) engineOption {
	return func(c *engineConfig) { c.cost = fn }
}

func newEngine(t *testing.T, opts ...engineOption) *engine {
	t.Helper()
	var cfg engineConfig
	for _, o := range opts {
		o(&cfg)
	}

	catalog, err := plan.NewCatalog(testPlans(), "free")
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	e := &engine{
		clock:       clock.NewFake(baseTime),
		seq:         &idgen.Counter{},
		counters:    memory.NewCounterStore(memory.CounterStoreConfig{NumShards: 8}),
		idem:        memory.NewIdempotencyStore(memory.IdempotencyConfig{}),
		log:         memory.NewEventLog(),
		checkpoints: memory.NewCheckpointStore(),
		records:     memory.NewRecordStore(),
		alerts:      memory.NewAlertStore(),
		subs:        memory.NewSubscriptionStore(),
		adjustments: memory.NewAdjustmentStore(),
		sink:        &recordingSink{},
	}
	logger := zerolog.Nop()
	ids := idgen.NewSequential("id")

	e.plans = app.NewPlanResolver(e.subs, catalog, e.clock)
	e.journal = app.NewJournal(e.log, cfg.journal, logger, nil)
	t.Cleanup(func() { _ = e.journal.Close() })

	e.collector = app.NewCollector(app.CollectorDeps{
		Counters:    e.counters,
		Idempotency: e.idem,
		Journal:     e.journal,
		Plans:       e.plans,
		Sequence:    e.seq,
		Clock:       e.clock,
		Logger:      logger,
	}, app.CollectorConfig{})

	e.evaluator = app.NewEvaluator(app.EvaluatorDeps{
		Counters: e.counters,
		Plans:    e.plans,
		Clock:    e.clock,
		Logger:   logger,
	})

	e.costs = app.NewCostService(e.records, e.counters, e.adjustments, e.plans, e.clock)
	costFn := cfg.cost
	if costFn == nil {
		costFn = e.costs.Estimate
	}

	e.aggregator = app.NewAggregator(app.AggregatorDeps{
		Counters:    e.counters,
		Records:     e.records,
		Checkpoints: e.checkpoints,
		Plans:       e.plans,
		Cost:        costFn,
		IDs:         ids,
		Clock:       e.clock,
		Logger:      logger,
	}, app.AggregatorConfig{})

	e.alertSvc = app.NewAlertService(app.AlertDeps{
		Alerts:    e.alerts,
		Counters:  e.counters,
		Records:   e.records,
		Evaluator: e.evaluator,
		Costs:     e.costs,
		Sink:      e.sink,
		IDs:       ids,
		Clock:     e.clock,
		Logger:    logger,
	}, app.AlertConfig{})

	e.forecaster = app.NewForecaster(e.records, memory.NewTTLCache[app.TrendKey, trend.Trend](e.clock), e.clock, logger, app.ForecasterConfig{})
	e.snapshots = app.NewSnapshotService(app.SnapshotDeps{
		Counters:   e.counters,
		Records:    e.records,
		Forecaster: e.forecaster,
		Plans:      e.plans,
		Cache:      memory.NewTTLCache[string, usage.Snapshot](e.clock),
		Clock:      e.clock,
		Logger:     logger,
	}, 0)
	return e
}

func (e *engine) assign(t *testing.T, org, planID string) {
	t.Helper()
	if _, err := e.plans.Assign(context.Background(), org, planID); err != nil {
		t.Fatalf("Assign(%s, %s): %v", org, planID, err)
	}
}

func (e *engine) record(t *testing.T, org string, m usage.Metric, qty int64, key string) app.Receipt {
	t.Helper()
	r, err := e.collector.RecordUsage(context.Background(), usage.Event{
		OrganizationID: org,
		Metric:         m,
		Quantity:       qty,
		IdempotencyKey: key,
		Timestamp:      e.clock.Now(),
	})
	if err != nil {
		t.Fatalf("RecordUsage(%s, %s, %d): %v", org, m, qty, err)
	}
	return r
}

func (e *engine) recorded(org string, m usage.Metric) int64 {
	var n int64
	e.counters.View(meter.Key{OrganizationID: org, Metric: m}, e.clock.Now(), func(c *meter.Counter) { n = c.Recorded })
	return n
}

var errSinkDown = errors.New("sink down")
