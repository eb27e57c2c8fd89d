package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/domain/meter"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// maxOutbox bounds undelivered notifications kept for retry.
const maxOutbox = 10000

// AlertDeps contains dependencies for AlertService.
type AlertDeps struct {
	Alerts    ports.AlertStore
	Counters  ports.CounterStore
	Records   ports.RecordStore
	Evaluator *Evaluator
	Costs     *CostService
	Sink      ports.NotificationSink // optional
	IDs       ports.IDGenerator
	Clock     ports.Clock
	Logger    zerolog.Logger
	Metrics   ports.Metrics
}

// AlertConfig contains configuration for AlertService.
type AlertConfig struct {
	Ladder         alert.Ladder
	HistoryRecords int // closed records averaged for unusual activity (default: 30)
}

// AlertService detects threshold breaches and drives the alert state machine.
type AlertService struct {
	alerts    ports.AlertStore
	counters  ports.CounterStore
	records   ports.RecordStore
	evaluator *Evaluator
	costs     *CostService
	sink      ports.NotificationSink
	ids       ports.IDGenerator
	clock     ports.Clock
	logger    zerolog.Logger
	metrics   ports.Metrics
	history   int

	ladder atomic.Pointer[alert.Ladder]

	outboxMu sync.Mutex
	outbox   []alert.Alert

	// clean runs since the last denial, per rate_limit key still held
	quietMu sync.Mutex
	quiet   map[alert.Key]int
}

// NewAlertService creates a new alert service.
func NewAlertService(deps AlertDeps, cfg AlertConfig) *AlertService {
	if cfg.Ladder == (alert.Ladder{}) {
		cfg.Ladder = alert.DefaultLadder()
	}
	if cfg.HistoryRecords <= 0 {
		cfg.HistoryRecords = 30
	}
	s := &AlertService{
		alerts:    deps.Alerts,
		counters:  deps.Counters,
		records:   deps.Records,
		evaluator: deps.Evaluator,
		costs:     deps.Costs,
		sink:      deps.Sink,
		ids:       deps.IDs,
		clock:     deps.Clock,
		logger:    deps.Logger,
		metrics:   orNop(deps.Metrics),
		history:   cfg.HistoryRecords,
		quiet:     make(map[alert.Key]int),
	}
	s.SetLadder(cfg.Ladder)
	return s
}

// SetLadder replaces the thresholds used by later runs.
func (s *AlertService) SetLadder(l alert.Ladder) {
	s.ladder.Store(&l)
}

// Ladder returns the current thresholds.
func (s *AlertService) Ladder() alert.Ladder {
	return *s.ladder.Load()
}

// AlertRunResult summarizes one evaluation run.
type AlertRunResult struct {
	Organizations int
	Created       int
	Resolved      int
	Delivered     int
}

// Run evaluates every known organization, creating and resolving alerts,
// then delivers the transitions. A delivery failure keeps the
// transitions queued for the next run and is reported as
// ErrAlertDelivery; alert state is never rolled back.
func (s *AlertService) Run(ctx context.Context) (AlertRunResult, error) {
	now := s.clock.Now()
	l := s.Ladder()

	orgs, err := s.organizations(ctx)
	if err != nil {
		return AlertRunResult{}, err
	}
	res := AlertRunResult{Organizations: len(orgs)}

	var transitions []alert.Alert
	var errs []error
	for _, org := range orgs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		created, resolved, err := s.evaluateOrg(ctx, org, l, now)
		if err != nil {
			s.logger.Error().Err(err).Str("org_id", org).Msg("alert evaluation failed")
			errs = append(errs, err)
		}
		res.Created += len(created)
		res.Resolved += len(resolved)
		transitions = append(transitions, created...)
		transitions = append(transitions, resolved...)
	}

	n, err := s.deliver(ctx, transitions)
	res.Delivered = n
	if err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// organizations lists organizations with live counters or open alerts,
// ignored ones included. The latter keep being evaluated so their alerts
// can resolve.
func (s *AlertService) organizations(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, org := range s.counters.Organizations() {
		seen[org] = true
	}
	for _, st := range alert.OpenStatuses {
		open, err := s.alerts.List(ctx, ports.AlertFilter{Status: st})
		if err != nil {
			return nil, fmt.Errorf("list open alerts: %w", err)
		}
		for _, a := range open {
			seen[a.OrganizationID] = true
		}
	}
	orgs := make([]string, 0, len(seen))
	for org := range seen {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	return orgs, nil
}

func (s *AlertService) evaluateOrg(ctx context.Context, org string, l alert.Ladder, now time.Time) (created, resolved []alert.Alert, err error) {
	signals, err := s.signals(ctx, org, l, now)
	if err != nil {
		return nil, nil, err
	}
	open, err := s.alerts.ListOpen(ctx, org)
	if err != nil {
		return nil, nil, fmt.Errorf("list open alerts: %w", err)
	}

	toCreate, toResolve := alert.Reconcile(open, signals)
	for _, sig := range toCreate {
		a, ok, err := s.alerts.CreateIfAbsent(ctx, alert.New(s.ids.New(), sig, now))
		if err != nil {
			return created, resolved, fmt.Errorf("create alert: %w", err)
		}
		if !ok {
			continue
		}
		s.metrics.AlertsTransitioned(string(a.Type), string(a.Status))
		s.logger.Info().
			Str("org_id", org).
			Str("alert_id", a.ID).
			Str("metric", a.Metric).
			Str("type", string(a.Type)).
			Float64("value", a.CurrentValue).
			Msg("alert raised")
		created = append(created, a)
	}
	for _, open := range toResolve {
		a, err := s.alerts.Transition(ctx, open.ID, open.Status, alert.StatusResolved, "system", now)
		if errors.Is(err, ports.ErrConflict) {
			continue
		}
		if err != nil {
			return created, resolved, fmt.Errorf("resolve alert %s: %w", open.ID, err)
		}
		s.metrics.AlertsTransitioned(string(a.Type), string(a.Status))
		s.logger.Info().Str("org_id", org).Str("alert_id", a.ID).Str("type", string(a.Type)).Msg("alert resolved")
		resolved = append(resolved, a)
	}
	return created, resolved, nil
}

func (s *AlertService) signals(ctx context.Context, org string, l alert.Ladder, now time.Time) ([]alert.Signal, error) {
	var signals []alert.Signal

	qs, err := s.evaluator.QuotaStatus(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("quota status: %w", err)
	}
	for _, ms := range qs.Metrics {
		signals = append(signals, alert.QuotaSignals(org, ms, qs.AllowOverage, l)...)
	}

	history, err := s.records.List(ctx, org, s.history)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	averages := dailyAverages(history)

	for _, m := range usage.Metrics {
		var denials, today int64
		s.counters.View(meter.Key{OrganizationID: org, Metric: m}, now, func(c *meter.Counter) {
			denials = c.TakeDenials()
			today = c.DayUsage(now)
		})
		rk := alert.Key{OrganizationID: org, Metric: string(m), Type: alert.TypeRateLimit}
		signals = append(signals,
			alert.RateLimitSignal(org, m, denials, s.cleanRuns(rk, denials, l), l),
			alert.UnusualSignal(org, m, float64(today), averages[m], l),
		)
	}

	if s.costs != nil {
		if sig, ok := s.costSignal(ctx, org, history, l, now); ok {
			signals = append(signals, sig)
		}
	}
	return signals, nil
}

// cleanRuns counts consecutive runs without denials for a rate_limit key.
// A key that was never denied, or has been quiet for the full clear
// window, reports the window so its signal is clear.
func (s *AlertService) cleanRuns(k alert.Key, denials int64, l alert.Ladder) int {
	s.quietMu.Lock()
	defer s.quietMu.Unlock()
	if denials > 0 {
		s.quiet[k] = 0
		return 0
	}
	n, ok := s.quiet[k]
	if !ok {
		return l.RateLimitClear
	}
	n++
	if n >= l.RateLimitClear {
		delete(s.quiet, k)
	} else {
		s.quiet[k] = n
	}
	return n
}

func (s *AlertService) costSignal(ctx context.Context, org string, history []usage.Record, l alert.Ladder, now time.Time) (alert.Signal, bool) {
	var previous int64
	for _, r := range history {
		if r.EstimatedCost.Status == usage.CostComputed && !r.PeriodEnd.After(now) {
			previous = r.EstimatedCost.Cents
			break
		}
	}
	projected, err := s.costs.Projected(ctx, org, now)
	if err != nil {
		s.logger.Debug().Err(err).Str("org_id", org).Msg("projected cost unavailable")
		return alert.Signal{}, false
	}
	return alert.CostSpikeSignal(org, projected, previous, l), true
}

// dailyAverages divides each metric's total over records by the days they cover.
func dailyAverages(records []usage.Record) map[usage.Metric]float64 {
	var days int64
	totals := make(usage.Counts)
	for _, r := range records {
		days += r.Days()
		for m, v := range r.Counts {
			totals[m] += v
		}
	}
	out := make(map[usage.Metric]float64, len(totals))
	if days == 0 {
		return out
	}
	for m, v := range totals {
		out[m] = float64(v) / float64(days)
	}
	return out
}

// deliver sends queued and new transitions to the sink.
func (s *AlertService) deliver(ctx context.Context, transitions []alert.Alert) (int, error) {
	if s.sink == nil {
		return 0, nil
	}
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()

	pending := append(s.outbox, transitions...)
	if len(pending) == 0 {
		return 0, nil
	}
	if err := s.sink.Notify(ctx, pending); err != nil {
		if len(pending) > maxOutbox {
			dropped := len(pending) - maxOutbox
			s.logger.Error().Int("dropped", dropped).Msg("alert outbox full, dropping oldest notifications")
			pending = pending[dropped:]
		}
		s.outbox = pending
		return 0, fmt.Errorf("%w: %d notifications queued: %w", ErrAlertDelivery, len(pending), err)
	}
	s.outbox = nil
	return len(pending), nil
}

// Pending returns the number of notifications waiting for redelivery.
func (s *AlertService) Pending() int {
	s.outboxMu.Lock()
	defer s.outboxMu.Unlock()
	return len(s.outbox)
}

// Acknowledge moves an active alert to acknowledged.
func (s *AlertService) Acknowledge(ctx context.Context, id, actor string) (alert.Alert, error) {
	return s.operatorTransition(ctx, id, alert.StatusAcknowledged, actor)
}

// Ignore moves an active alert to ignored.
func (s *AlertService) Ignore(ctx context.Context, id, actor string) (alert.Alert, error) {
	return s.operatorTransition(ctx, id, alert.StatusIgnored, actor)
}

func (s *AlertService) operatorTransition(ctx context.Context, id string, to alert.Status, actor string) (alert.Alert, error) {
	cur, err := s.alerts.Get(ctx, id)
	if err != nil {
		return alert.Alert{}, fmt.Errorf("alert %s: %w", id, err)
	}
	if !alert.CanTransition(cur.Status, to) {
		return cur, fmt.Errorf("%w: alert %s is %s", ports.ErrConflict, id, cur.Status)
	}
	a, err := s.alerts.Transition(ctx, id, cur.Status, to, actor, s.clock.Now())
	if err != nil {
		return a, fmt.Errorf("alert %s: %w", id, err)
	}
	s.metrics.AlertsTransitioned(string(a.Type), string(a.Status))
	s.logger.Info().Str("alert_id", id).Str("status", string(to)).Str("actor", actor).Msg("alert transitioned")

	if _, err := s.deliver(ctx, []alert.Alert{a}); err != nil {
		s.logger.Warn().Err(err).Str("alert_id", id).Msg("notification queued for retry")
	}
	return a, nil
}

// List returns alerts matching the filter, newest first.
func (s *AlertService) List(ctx context.Context, f ports.AlertFilter) ([]alert.Alert, error) {
	if f.OrganizationID == "" {
		return nil, invalid("org", usage.ReasonMissingOrganization)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return s.alerts.List(ctx, f)
}
