package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/meterd/domain/meter"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// replayPage is how many events Replay reads per query.
const replayPage = 1000

// EventLog implements ports.EventLog using SQLite.
type EventLog struct {
	db *DB
}

// NewEventLog creates a new SQLite event log.
func NewEventLog(db *DB) *EventLog {
	return &EventLog{db: db}
}

// Append stores a batch of events in one transaction. Sequences already
// stored are skipped.
func (s *EventLog) Append(ctx context.Context, events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO usage_events (
			seq, organization_id, metric, quantity, idempotency_key, ts, received_at, server_stamped
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		_, err := stmt.ExecContext(ctx,
			e.Seq, e.OrganizationID, string(e.Metric), e.Quantity, e.IdempotencyKey,
			toNanos(e.Timestamp), toNanos(e.ReceivedAt), e.ServerStamped,
		)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", e.Seq, err)
		}
	}

	return tx.Commit()
}

// Replay calls fn for every event with Timestamp >= since, in sequence
// order. Events are read a page at a time and no rows are held open while
// fn runs.
func (s *EventLog) Replay(ctx context.Context, since time.Time, fn func(usage.Event) error) error {
	after := int64(-1)
	for {
		page, err := s.page(ctx, since, after)
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
			after = e.Seq
		}
		if len(page) < replayPage {
			return nil
		}
	}
}

func (s *EventLog) page(ctx context.Context, since time.Time, after int64) ([]usage.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, organization_id, metric, quantity, idempotency_key, ts, received_at, server_stamped
		FROM usage_events
		WHERE ts >= ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`, toNanos(since), after, replayPage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []usage.Event
	for rows.Next() {
		var e usage.Event
		var metric string
		var ts, received int64
		if err := rows.Scan(&e.Seq, &e.OrganizationID, &metric, &e.Quantity, &e.IdempotencyKey, &ts, &received, &e.ServerStamped); err != nil {
			return nil, err
		}
		e.Metric = usage.Metric(metric)
		e.Timestamp = fromNanos(ts)
		e.ReceivedAt = fromNanos(received)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (s *EventLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_events WHERE ts < ?`, toNanos(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CheckpointStore implements ports.CheckpointStore using SQLite.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore creates a new SQLite checkpoint store.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save upserts checkpoints, never moving one back to an older sequence.
func (s *CheckpointStore) Save(ctx context.Context, cps []meter.Slice) error {
	if len(cps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO counter_checkpoints (
			organization_id, metric, period_start, period_end, recorded, live, last_seq, generation
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, metric, period_start) DO UPDATE SET
			period_end = excluded.period_end,
			recorded = excluded.recorded,
			live = excluded.live,
			last_seq = excluded.last_seq,
			generation = excluded.generation
		WHERE excluded.last_seq >= counter_checkpoints.last_seq
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, cp := range cps {
		_, err := stmt.ExecContext(ctx,
			cp.OrganizationID, string(cp.Metric), toNanos(cp.PeriodStart), toNanos(cp.PeriodEnd),
			cp.Recorded, cp.Live, cp.LastSeq, int64(cp.Generation),
		)
		if err != nil {
			return fmt.Errorf("upsert checkpoint %s/%s: %w", cp.OrganizationID, cp.Metric, err)
		}
	}
	return tx.Commit()
}

// Load returns every stored checkpoint.
func (s *CheckpointStore) Load(ctx context.Context) ([]meter.Slice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, metric, period_start, period_end, recorded, live, last_seq, generation
		FROM counter_checkpoints
		ORDER BY organization_id, metric, period_start
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []meter.Slice
	for rows.Next() {
		var cp meter.Slice
		var metric string
		var start, end, gen int64
		if err := rows.Scan(&cp.OrganizationID, &metric, &start, &end, &cp.Recorded, &cp.Live, &cp.LastSeq, &gen); err != nil {
			return nil, err
		}
		cp.Metric = usage.Metric(metric)
		cp.PeriodStart = fromNanos(start)
		cp.PeriodEnd = fromNanos(end)
		cp.Generation = uint64(gen)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeletePeriod removes every checkpoint of (org, period).
func (s *CheckpointStore) DeletePeriod(ctx context.Context, key usage.PeriodKey) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM counter_checkpoints
		WHERE organization_id = ? AND period_start = ? AND period_end = ?
	`, key.OrganizationID, toNanos(key.PeriodStart), toNanos(key.PeriodEnd))
	return err
}

// Ensure interface compliance.
var (
	_ ports.EventLog        = (*EventLog)(nil)
	_ ports.CheckpointStore = (*CheckpointStore)(nil)
)
