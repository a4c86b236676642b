// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DeadLetterAlert describes an event that exhausted its retries.
type DeadLetterAlert struct {
	EventID        string        `json:"event_id"`
	RetryCount     int           `json:"retry_count"`
	LastError      string        `json:"last_error,omitempty"`
	FirstQueuedAt  time.Time     `json:"first_queued_at"`
	DeadLetteredAt time.Time     `json:"dead_lettered_at"`
	TotalDuration  time.Duration `json:"total_duration"`
}

// AlertHandler is notified when an event is dead-lettered.
type AlertHandler interface {
	Send(ctx context.Context, alert *DeadLetterAlert) error
}

// HTTPAlertHandler posts alerts as JSON to a webhook.
type HTTPAlertHandler struct {
	url    string
	client *http.Client
}

// NewHTTPAlertHandler creates an alert handler for the given webhook URL.
func NewHTTPAlertHandler(url string, timeout time.Duration) *HTTPAlertHandler {
	return &HTTPAlertHandler{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the alert to the webhook.
func (h *HTTPAlertHandler) Send(ctx context.Context, alert *DeadLetterAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("alert webhook returned error status: %d", resp.StatusCode)
	}

	return nil
}

// NoOpAlertHandler discards alerts.
type NoOpAlertHandler struct{}

// Send does nothing.
func (NoOpAlertHandler) Send(context.Context, *DeadLetterAlert) error {
	return nil
}

// alertQueueSize bounds alerts waiting for the dispatcher.
const alertQueueSize = 64

// enqueueAlert hands an alert to the dispatcher without blocking.
func (m *Manager) enqueueAlert(alert *DeadLetterAlert) {
	if m.alerts == nil {
		return
	}
	select {
	case m.alertCh <- alert:
	default:
		m.logger.Warn("dead letter alert queue full, alert dropped",
			slog.String("event_id", alert.EventID))
	}
}

// runAlerts sends queued alerts until shutdown, then drains what is left.
func (m *Manager) runAlerts() {
	defer m.wg.Done()

	for {
		select {
		case alert := <-m.alertCh:
			m.sendAlert(alert)
		case <-m.stopCh:
			for {
				select {
				case alert := <-m.alertCh:
					m.sendAlert(alert)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) sendAlert(alert *DeadLetterAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()

	if err := m.alerts.Send(ctx, alert); err != nil {
		m.logger.Error("failed to send dead letter alert",
			slog.String("event_id", alert.EventID),
			slog.String("error", err.Error()))
	}
}
