package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate   AlertType = "classification_failure_rate"
	AlertDrift         AlertType = "category_drift"
	AlertCursorFailure AlertType = "cursor_failure"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Thresholds configures when the alerter fires.
type Thresholds struct {
	// FailureRate is the failed/finished ratio above which classification
	// health is considered degraded. Only checked once at least 5 raw
	// records reached a terminal status.
	FailureRate float64
	// Drift is the number of drifted curated articles tolerated before
	// alerting.
	Drift int
	// WebhookURL receives alert JSON; empty means log-only.
	WebhookURL string
}

// Alerter evaluates a MetricsSnapshot against thresholds and sends alerts
// via webhook when they are breached.
type Alerter struct {
	thresholds Thresholds
	client     *http.Client
}

// NewAlerter creates a new Alerter.
func NewAlerter(thresholds Thresholds) *Alerter {
	return &Alerter{
		thresholds: thresholds,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RawCompleted + snap.RawFailed
	if finished >= 5 && a.thresholds.FailureRate > 0 && snap.FailRate > a.thresholds.FailureRate {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Classification failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.FailRate*100, a.thresholds.FailureRate*100, snap.RawFailed, finished,
			),
			Details: map[string]any{
				"fail_rate": snap.FailRate,
				"threshold": a.thresholds.FailureRate,
				"failed":    snap.RawFailed,
				"finished":  finished,
			},
			Timestamp: now,
		})
	}

	if a.thresholds.Drift > 0 && snap.Drifted > a.thresholds.Drift {
		alerts = append(alerts, Alert{
			Type:     AlertDrift,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d curated articles drifted outside the taxonomy (threshold %d), run recategorize",
				snap.Drifted, a.thresholds.Drift,
			),
			Details: map[string]any{
				"drifted":   snap.Drifted,
				"threshold": a.thresholds.Drift,
			},
			Timestamp: now,
		})
	}

	if snap.CursorFailures > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertCursorFailure,
			Severity: "medium",
			Message:  fmt.Sprintf("%d feed cursor(s) recorded a failed fetch", snap.CursorFailures),
			Details: map[string]any{
				"cursor_failures": snap.CursorFailures,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL. Returns the
// number of alerts successfully sent; without a webhook they are only logged.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, alert := range alerts {
		zap.L().Warn("pipeline alert",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message),
		)
		if a.thresholds.WebhookURL == "" {
			continue
		}
		if err := a.post(ctx, alert); err != nil {
			zap.L().Error("failed to send alert", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.thresholds.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alert")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
