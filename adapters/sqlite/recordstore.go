package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// RecordStore implements ports.RecordStore using SQLite.
// Revisions are append-only; superseded_by marks the ones replaced.
type RecordStore struct {
	db *DB
}

// NewRecordStore creates a new SQLite record store.
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

const recordColumns = `id, organization_id, plan_id, period_start, period_end, counts,
	cost_status, cost_cents, revision, supersedes, last_seq, created_at`

// Save writes r. When r supersedes a revision, that revision is retired in
// the same transaction, and only if it is still current.
func (s *RecordStore) Save(ctx context.Context, r usage.Record) error {
	counts, err := json.Marshal(r.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if r.Supersedes != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE usage_records SET superseded_by = ?
			WHERE id = ? AND superseded_by IS NULL
		`, r.ID, r.Supersedes)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ports.ErrConflict
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.OrganizationID, r.PlanID, toNanos(r.PeriodStart), toNanos(r.PeriodEnd), string(counts),
		string(r.EstimatedCost.Status), r.EstimatedCost.Cents, r.Revision, nullString(r.Supersedes),
		r.LastSeq, toNanos(r.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return ports.ErrConflict
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Current returns the current revision for (org, period).
func (s *RecordStore) Current(ctx context.Context, key usage.PeriodKey) (usage.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM usage_records
		WHERE organization_id = ? AND period_start = ? AND period_end = ? AND superseded_by IS NULL
	`, key.OrganizationID, toNanos(key.PeriodStart), toNanos(key.PeriodEnd))

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return usage.Record{}, ports.ErrNotFound
	}
	return r, err
}

// List returns current revisions for org, newest period first.
func (s *RecordStore) List(ctx context.Context, orgID string, limit int) ([]usage.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM usage_records
		WHERE organization_id = ? AND superseded_by IS NULL
		ORDER BY period_start DESC
		LIMIT ?
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListUnpriced returns current revisions whose cost is unavailable, oldest
// period first.
func (s *RecordStore) ListUnpriced(ctx context.Context, limit int) ([]usage.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM usage_records
		WHERE cost_status != ? AND superseded_by IS NULL
		ORDER BY period_start, organization_id
		LIMIT ?
	`, string(usage.CostComputed), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Revisions returns every stored revision for (org, period), oldest first.
func (s *RecordStore) Revisions(ctx context.Context, key usage.PeriodKey) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM usage_records
		WHERE organization_id = ? AND period_start = ? AND period_end = ?
		ORDER BY revision
	`, key.OrganizationID, toNanos(key.PeriodStart), toNanos(key.PeriodEnd))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (usage.Record, error) {
	var r usage.Record
	var start, end, created int64
	var counts, status string
	var supersedes sql.NullString

	err := row.Scan(
		&r.ID, &r.OrganizationID, &r.PlanID, &start, &end, &counts,
		&status, &r.EstimatedCost.Cents, &r.Revision, &supersedes, &r.LastSeq, &created,
	)
	if err != nil {
		return usage.Record{}, err
	}
	if err := json.Unmarshal([]byte(counts), &r.Counts); err != nil {
		return usage.Record{}, fmt.Errorf("unmarshal counts of %s: %w", r.ID, err)
	}
	r.PeriodStart = fromNanos(start)
	r.PeriodEnd = fromNanos(end)
	r.CreatedAt = fromNanos(created)
	r.EstimatedCost.Status = usage.CostStatus(status)
	r.Supersedes = supersedes.String
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]usage.Record, error) {
	var out []usage.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var _ ports.RecordStore = (*RecordStore)(nil)
