// Package notify implements the notification dispatcher and four channel
// variants (spec §4.14): webhook, email, chat, pager. The webhook
// HMAC-signing and timeout-client idiom is adapted directly from the
// teacher's internal/pulse/webhook_notifier.go; the dispatcher's
// per-channel exponential-backoff retry loop is adapted from
// internal/pulse/notification_dispatcher.go.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

// Result is the outcome of one channel send attempt.
type Result struct {
	Success   bool
	Retryable bool
	Error     string
}

// SendInput bundles an alert, the channel's config, and the attempt number
// a channel implementation needs to produce a Result.
type SendInput struct {
	Alert         alerting.State
	Trigger       *alerting.Trigger
	ChannelConfig ChannelConfig
	Attempt       int
}

// Channel delivers an alert notification through a specific transport.
type Channel interface {
	Send(ctx context.Context, in SendInput) Result
	Type() alerting.ChannelType
}

// ChannelConfig is the configured delivery target plus per-channel policy.
type ChannelConfig struct {
	Destination string
	Enabled     bool
	Timeout     time.Duration
	Retries     int
	Secret      string            // webhook/pager HMAC or routing key
	Headers     map[string]string // webhook custom headers
}

func (c ChannelConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 10 * time.Second
}

func (c ChannelConfig) retries() int {
	if c.Retries > 0 {
		return c.Retries
	}
	return 3
}

// --- Webhook channel ---

type webhookPayload struct {
	EventType   string         `json:"event_type"`
	AlertID     string         `json:"alert_id"`
	RuleID      string         `json:"rule_id"`
	TenantID    string         `json:"tenant_id"`
	Severity    alerting.Severity `json:"severity"`
	Status      alerting.AlertStatus `json:"status"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	TriggeredAt time.Time      `json:"triggered_at"`
	Metric      alerting.MetricContext `json:"metric"`
	Trigger     *alerting.Trigger      `json:"trigger,omitempty"`
}

// WebhookChannel posts a JSON payload to an arbitrary HTTP endpoint,
// optionally HMAC-SHA256 signed.
type WebhookChannel struct {
	client *http.Client
}

// NewWebhookChannel creates a WebhookChannel sharing one http.Client across
// sends; per-send timeout comes from ChannelConfig.
func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{client: &http.Client{}}
}

func (w *WebhookChannel) Type() alerting.ChannelType { return alerting.ChannelWebhook }

func (w *WebhookChannel) Send(ctx context.Context, in SendInput) Result {
	payload := webhookPayload{
		EventType:   "alert",
		AlertID:     in.Alert.AlertID,
		RuleID:      in.Alert.RuleID,
		TenantID:    in.Alert.TenantID,
		Severity:    in.Alert.Severity,
		Status:      in.Alert.Status,
		Title:       in.Alert.Title,
		Description: in.Alert.Description,
		TriggeredAt: in.Alert.TriggeredAt,
		Metric:      in.Alert.MetricContext,
		Trigger:     in.Trigger,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Success: false, Retryable: false, Error: fmt.Sprintf("marshal webhook payload: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, in.ChannelConfig.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.ChannelConfig.Destination, bytes.NewReader(body))
	if err != nil {
		return Result{Success: false, Retryable: false, Error: fmt.Sprintf("create webhook request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SentryPulse-Webhook/1.0")

	if in.ChannelConfig.Secret != "" {
		mac := hmac.New(sha256.New, []byte(in.ChannelConfig.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	}
	for k, v := range in.ChannelConfig.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{Success: false, Retryable: true, Error: fmt.Sprintf("webhook POST %s: %v", in.ChannelConfig.Destination, err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return Result{Success: false, Retryable: true, Error: fmt.Sprintf("webhook POST %s: status %d", in.ChannelConfig.Destination, resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Success: false, Retryable: false, Error: fmt.Sprintf("webhook POST %s: status %d", in.ChannelConfig.Destination, resp.StatusCode)}
	}
	return Result{Success: true}
}

// --- Chat channel (Slack-compatible) ---

var chatSeverityColor = map[alerting.Severity]string{
	alerting.SeverityInfo:     "#2196F3",
	alerting.SeverityWarning:  "#FF9800",
	alerting.SeverityError:    "#F44336",
	alerting.SeverityCritical: "#9C27B0",
}

const chatDefaultColor = "#757575"

func colorFor(s alerting.Severity) string {
	if c, ok := chatSeverityColor[s]; ok {
		return c
	}
	return chatDefaultColor
}
