// Package notify delivers alert transitions to operators and downstream
// services.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/ports"
	"github.com/rs/zerolog"
)

// Payload is the body sent to webhooks and published to Redis.
type Payload struct {
	Event  string        `json:"event"`
	SentAt time.Time     `json:"sentAt"`
	Alerts []alert.Alert `json:"alerts"`
}

// EventAlertTransition names every payload this package sends.
const EventAlertTransition = "usage.alert.transition"

// LogSink writes alert transitions to the log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that only logs.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs each alert.
func (s *LogSink) Notify(ctx context.Context, alerts []alert.Alert) error {
	for _, a := range alerts {
		s.logger.Info().
			Str("alert_id", a.ID).
			Str("org_id", a.OrganizationID).
			Str("metric", a.Metric).
			Str("type", string(a.Type)).
			Str("status", string(a.Status)).
			Float64("value", a.CurrentValue).
			Float64("threshold", a.Threshold).
			Msg(a.Message)
	}
	return nil
}

// WebhookSink POSTs alert transitions to a URL, signed with HMAC-SHA256.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhookSink creates a webhook sink. A zero timeout defaults to 10s.
func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Notify sends one request carrying every alert. Non-2xx responses fail.
func (s *WebhookSink) Notify(ctx context.Context, alerts []alert.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	body, err := json.Marshal(Payload{Event: EventAlertTransition, SentAt: s.now().UTC(), Alerts: alerts})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "meterd-alerts/1.0")
	req.Header.Set("X-Meterd-Event", EventAlertTransition)
	if s.secret != "" {
		req.Header.Set("X-Meterd-Signature", Sign(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans out to every sink and joins their errors. A failing sink does
// not stop delivery to the others.
type Multi []ports.NotificationSink

// Notify delivers to each sink in order.
func (m Multi) Notify(ctx context.Context, alerts []alert.Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, alerts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ensure interface compliance.
var (
	_ ports.NotificationSink = (*LogSink)(nil)
	_ ports.NotificationSink = (*WebhookSink)(nil)
	_ ports.NotificationSink = Multi(nil)
)
