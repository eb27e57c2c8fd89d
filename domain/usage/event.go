package usage

import (
	"fmt"
	"time"
)

// MaxFutureSkew is how far ahead of the server clock an event timestamp may be.
const MaxFutureSkew = time.Minute

// Event is a single discrete usage event (immutable value type).
type Event struct {
	Seq            int64 // journal sequence, assigned at ingestion
	OrganizationID string
	Metric         Metric
	Quantity       int64
	IdempotencyKey string
	Timestamp      time.Time
	ReceivedAt     time.Time
	ServerStamped  bool // Timestamp was assigned at ingestion, not sent by the caller
}

// Fingerprint identifies the payload the caller sent, independent of
// sequence and arrival time. Two submissions with the same idempotency key
// are duplicates only when their fingerprints match. A server-assigned
// timestamp is not part of the payload, so retries without a timestamp
// fingerprint identically.
// This is a PURE function.
func (e Event) Fingerprint() string {
	if e.ServerStamped || e.Timestamp.IsZero() {
		return fmt.Sprintf("%s|%s|%d|-", e.OrganizationID, e.Metric, e.Quantity)
	}
	return fmt.Sprintf("%s|%s|%d|%d", e.OrganizationID, e.Metric, e.Quantity, e.Timestamp.UTC().UnixNano())
}

// Validation failure reasons.
const (
	ReasonMissingOrganization = "missing_organization"
	ReasonUnknownMetric       = "unknown_metric"
	ReasonInvalidQuantity     = "invalid_quantity"
	ReasonMissingKey          = "missing_idempotency_key"
	ReasonFutureTimestamp     = "future_timestamp"
	ReasonTooOld              = "timestamp_too_old"
)

// ValidationResult is the outcome of validating an event.
type ValidationResult struct {
	Valid  bool
	Field  string
	Reason string
}

// Validate checks an event against the ingestion rules.
// maxAge bounds how late an event may arrive; zero disables the check.
// This is a PURE function.
func Validate(e Event, now time.Time, maxAge time.Duration) ValidationResult {
	switch {
	case e.OrganizationID == "":
		return ValidationResult{Field: "organizationId", Reason: ReasonMissingOrganization}
	case !e.Metric.Valid():
		return ValidationResult{Field: "metric", Reason: ReasonUnknownMetric}
	case e.Quantity < 0:
		return ValidationResult{Field: "quantity", Reason: ReasonInvalidQuantity}
	case e.IdempotencyKey == "":
		return ValidationResult{Field: "idempotencyKey", Reason: ReasonMissingKey}
	case e.Timestamp.After(now.Add(MaxFutureSkew)):
		return ValidationResult{Field: "timestamp", Reason: ReasonFutureTimestamp}
	case maxAge > 0 && e.Timestamp.Before(now.Add(-maxAge)):
		return ValidationResult{Field: "timestamp", Reason: ReasonTooOld}
	}
	return ValidationResult{Valid: true}
}

// Aggregate folds events into per-metric counts for the period [start, end).
// Events outside the period are ignored.
// This is a PURE function.
func Aggregate(events []Event, start, end time.Time) Counts {
	counts := make(Counts)
	for _, e := range events {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		counts[e.Metric] += e.Quantity
	}
	return counts
}
