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

	"github.com/zemo2003/nutrition-autopilot/internal/config"
	"github.com/zemo2003/nutrition-autopilot/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTaskBacklog AlertType = "task_backlog"
	AlertStaleRun    AlertType = "stale_run"
	AlertRunErrors   AlertType = "run_errors"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Check verification queue depth.
	if a.cfg.OpenTaskThreshold > 0 && snap.OpenTasks > a.cfg.OpenTaskThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertTaskBacklog,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d open verification tasks exceed threshold %d",
				snap.OpenTasks, a.cfg.OpenTaskThreshold,
			),
			Details: map[string]any{
				"open_tasks":        snap.OpenTasks,
				"threshold":         a.cfg.OpenTaskThreshold,
				"unverified_values": snap.UnverifiedValues,
			},
			Timestamp: now,
		})
	}

	// Check run cadence. Only enrich and verify run on a schedule; the
	// other kinds are ad hoc.
	if a.cfg.StaleRunHours > 0 {
		threshold := time.Duration(a.cfg.StaleRunHours) * time.Hour
		for _, rs := range snap.Runs {
			if rs.Kind != model.RunEnrich && rs.Kind != model.RunVerify {
				continue
			}
			age := now.Sub(rs.FinishedAt)
			if age <= threshold {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertStaleRun,
				Severity: "high",
				Message: fmt.Sprintf(
					"Latest %s run finished %.0fh ago (threshold %dh)",
					rs.Kind, age.Hours(), a.cfg.StaleRunHours,
				),
				Details: map[string]any{
					"kind":        string(rs.Kind),
					"run_id":      rs.RunID,
					"finished_at": rs.FinishedAt,
				},
				Timestamp: now,
			})
		}
	}

	// Check item errors on the latest run of each kind.
	for _, rs := range snap.Runs {
		if rs.Errors == 0 {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     AlertRunErrors,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Latest %s run recorded %d item error(s)",
				rs.Kind, rs.Errors,
			),
			Details: map[string]any{
				"kind":   string(rs.Kind),
				"run_id": rs.RunID,
				"errors": rs.Errors,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
