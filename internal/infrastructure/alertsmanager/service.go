package alertsmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openfees/feesd/internal/core/ports"
)

const (
	serviceName = "feesd"
	severity    = "info"

	maxRetries = 5
)

type Alert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
}

type service struct {
	baseUrl    string
	httpClient *http.Client
}

func NewService(alertManagerURL string) ports.Alerts {
	return &service{
		baseUrl: alertManagerURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *service) Publish(ctx context.Context, topic ports.Topic, message any) error {
	labels := map[string]string{
		"alertname": string(topic),
		"service":   serviceName,
		"severity":  severity,
	}

	desc := ""
	annotations := map[string]string{}
	switch topic {
	case ports.FeesUpdated:
		annotations["firing_title"] = "⛽ Fees Updated"
		m, ok := message.(ports.FeesUpdatedAlert)
		if !ok {
			return fmt.Errorf("invalid message type: %T", message)
		}
		desc = formatFeesUpdatedAlert(m)
		labels["provider"] = m.Provider
	case ports.FeeFloorHit:
		annotations["firing_title"] = "⚠️ Fee Floor Hit"
		m, ok := message.(ports.FeeFloorHitAlert)
		if !ok {
			return fmt.Errorf("invalid message type: %T", message)
		}
		labels["severity"] = "warning"
		labels["provider"] = m.Provider
		desc = formatFeeFloorHitAlert(m)
	default:
		annotations["firing_title"] = fmt.Sprintf("🔔 %s", topic)
		desc = formatGenericAlert(map[string]any{"event": message})
	}

	annotations["description"] = desc
	alert := Alert{
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    time.Now(),
	}

	if err := s.sendAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to send alert to AlertManager: %w", err)
	}

	return nil
}

func (s *service) sendAlert(ctx context.Context, alerts Alert) error {
	payload, err := json.Marshal([]Alert{alerts})
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	baseDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, "POST", s.baseUrl, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			// Network error - retry with backoff
			if attempt < maxRetries-1 {
				// exponential: 100ms, 200ms, 400ms, 800ms, 1600ms
				delay := baseDelay * time.Duration(1<<uint(attempt))

				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return fmt.Errorf("failed to send alert after %d attempts: %w", maxRetries, err)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			return nil
		}

		_ = resp.Body.Close()

		// Retry on 5xx (server errors), but not on 4xx (client errors)
		if resp.StatusCode >= 500 {
			if attempt < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<uint(attempt))

				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		// 4xx error or final 5xx error
		return fmt.Errorf(
			"failed to send alert to AlertManager with status %d after %d attempts",
			resp.StatusCode, attempt+1,
		)
	}

	return fmt.Errorf("failed to send alert after %d attempts", maxRetries)
}

func formatFeesUpdatedAlert(data ports.FeesUpdatedAlert) string {
	lines := make([]string, 0)
	lines = append(lines, fmt.Sprintf("*Tx fee:* %d sat/byte", data.TxFeePerByte))
	lines = append(lines, fmt.Sprintf(
		"• Source time: %s", time.Unix(data.SourceTimestamp, 0).UTC().Format(time.RFC3339),
	))
	lines = append(lines, fmt.Sprintf("• Update: #%d", data.Version))
	lines = append(lines, fmt.Sprintf("• Provider: %s", data.Provider))
	return strings.Join(lines, "\n")
}

func formatFeeFloorHitAlert(data ports.FeeFloorHitAlert) string {
	lines := make([]string, 0)
	lines = append(lines, fmt.Sprintf(
		"Provider delivered %d sat/byte, below the configured minimum of %d sat/byte.",
		data.ReportedFeePerByte, data.MinFeePerByte,
	))
	lines = append(lines, fmt.Sprintf("• Provider: %s", data.Provider))
	return strings.Join(lines, "\n")
}

func formatGenericAlert(data map[string]any) string {
	lines := make([]string, 0)
	for key, value := range data {
		lines = append(lines, fmt.Sprintf("• %s: %v", key, value))
	}
	return strings.Join(lines, "\n")
}
