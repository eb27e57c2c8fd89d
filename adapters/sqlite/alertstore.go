package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/ports"
)

// AlertStore implements ports.AlertStore using SQLite. A partial unique
// index on open alerts makes CreateIfAbsent a compare-and-swap.
type AlertStore struct {
	db *DB
}

// NewAlertStore creates a new SQLite alert store.
func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

const alertColumns = `id, organization_id, metric, type, status, threshold, current_value, message,
	created_at, updated_at, acknowledged_at, acknowledged_by, resolved_at`

// CreateIfAbsent inserts a unless its key already has an open alert, in
// which case the open alert is returned.
func (s *AlertStore) CreateIfAbsent(ctx context.Context, a alert.Alert) (alert.Alert, bool, error) {
	// An open alert seen by the failed insert may resolve before it is
	// read back; the insert is retried then.
	for attempt := 0; attempt < 3; attempt++ {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO usage_alerts (`+alertColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			a.ID, a.OrganizationID, a.Metric, string(a.Type), string(a.Status), a.Threshold, a.CurrentValue, a.Message,
			toNanos(a.CreatedAt), toNanos(a.UpdatedAt), nullNanos(a.AcknowledgedAt), nullString(a.AcknowledgedBy), nullNanos(a.ResolvedAt),
		)
		if err == nil {
			return a, true, nil
		}
		if !isUniqueConstraintError(err) {
			return alert.Alert{}, false, err
		}

		row := s.db.QueryRowContext(ctx, `
			SELECT `+alertColumns+`
			FROM usage_alerts
			WHERE organization_id = ? AND metric = ? AND type = ? AND status IN (?, ?, ?)
		`, a.OrganizationID, a.Metric, string(a.Type), string(alert.StatusActive), string(alert.StatusAcknowledged), string(alert.StatusIgnored))
		existing, err := scanAlert(row)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return alert.Alert{}, false, err
		}
	}
	return alert.Alert{}, false, ports.ErrConflict
}

// Transition moves alert id from status from to status to.
func (s *AlertStore) Transition(ctx context.Context, id string, from, to alert.Status, actor string, at time.Time) (alert.Alert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return alert.Alert{}, err
	}
	defer tx.Rollback()

	a, err := scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM usage_alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Alert{}, ports.ErrNotFound
	}
	if err != nil {
		return alert.Alert{}, err
	}
	if a.Status != from || !alert.CanTransition(from, to) {
		return a, ports.ErrConflict
	}

	a = alert.Apply(a, to, actor, at)
	res, err := tx.ExecContext(ctx, `
		UPDATE usage_alerts
		SET status = ?, updated_at = ?, acknowledged_at = ?, acknowledged_by = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(a.Status), toNanos(a.UpdatedAt), nullNanos(a.AcknowledgedAt), nullString(a.AcknowledgedBy), nullNanos(a.ResolvedAt),
		id, string(from))
	if err != nil {
		return alert.Alert{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return alert.Alert{}, err
	} else if n == 0 {
		return alert.Alert{}, ports.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return alert.Alert{}, err
	}
	return a, nil
}

// Get retrieves an alert by ID.
func (s *AlertStore) Get(ctx context.Context, id string) (alert.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM usage_alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return alert.Alert{}, ports.ErrNotFound
	}
	return a, err
}

// ListOpen returns the alerts holding a key for an organization: active,
// acknowledged and ignored.
func (s *AlertStore) ListOpen(ctx context.Context, orgID string) ([]alert.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM usage_alerts
		WHERE organization_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC, id
	`, orgID, string(alert.StatusActive), string(alert.StatusAcknowledged), string(alert.StatusIgnored))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// List returns alerts matching the filter, newest first.
func (s *AlertStore) List(ctx context.Context, f ports.AlertFilter) ([]alert.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM usage_alerts WHERE 1 = 1`
	var args []any
	if f.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, f.OrganizationID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func scanAlert(row scanner) (alert.Alert, error) {
	var a alert.Alert
	var typ, status string
	var created, updated int64
	var ackAt, resolvedAt sql.NullInt64
	var ackBy sql.NullString

	err := row.Scan(
		&a.ID, &a.OrganizationID, &a.Metric, &typ, &status, &a.Threshold, &a.CurrentValue, &a.Message,
		&created, &updated, &ackAt, &ackBy, &resolvedAt,
	)
	if err != nil {
		return alert.Alert{}, err
	}
	a.Type = alert.Type(typ)
	a.Status = alert.Status(status)
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	a.AcknowledgedAt = fromNullNanos(ackAt)
	a.AcknowledgedBy = ackBy.String
	a.ResolvedAt = fromNullNanos(resolvedAt)
	return a, nil
}

func scanAlerts(rows *sql.Rows) ([]alert.Alert, error) {
	var out []alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var _ ports.AlertStore = (*AlertStore)(nil)
