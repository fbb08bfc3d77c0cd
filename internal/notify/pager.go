package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

const pagerEventsEndpoint = "https://events.pagerduty.com/v2/enqueue"

// pagerPayload is the PagerDuty Events v2 request body (spec §6).
type pagerPayload struct {
	RoutingKey  string            `json:"routing_key"`
	EventAction string            `json:"event_action"`
	DedupKey    string            `json:"dedup_key"`
	Payload     pagerEventPayload `json:"payload"`
}

type pagerEventPayload struct {
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	Timestamp     time.Time         `json:"timestamp"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
}

var pagerSeverityMap = map[alerting.Severity]string{
	alerting.SeverityInfo:     "info",
	alerting.SeverityWarning:  "warning",
	alerting.SeverityError:    "error",
	alerting.SeverityCritical: "critical",
}

// PagerChannel delivers trigger/resolve events to PagerDuty's Events v2 API.
type PagerChannel struct {
	client   *http.Client
	endpoint string
}

// NewPagerChannel creates a PagerChannel posting to the PagerDuty Events v2
// endpoint; endpoint may be overridden for tests.
func NewPagerChannel(endpoint string) *PagerChannel {
	if endpoint == "" {
		endpoint = pagerEventsEndpoint
	}
	return &PagerChannel{client: &http.Client{}, endpoint: endpoint}
}

func (p *PagerChannel) Type() alerting.ChannelType { return alerting.ChannelPager }

func (p *PagerChannel) Send(ctx context.Context, in SendInput) Result {
	action := "trigger"
	if in.Alert.Status == alerting.StatusResolved {
		action = "resolve"
	}

	sev, ok := pagerSeverityMap[in.Alert.Severity]
	if !ok {
		sev = "info"
	}

	payload := pagerPayload{
		RoutingKey:  in.ChannelConfig.Secret,
		EventAction: action,
		DedupKey:    in.Alert.AlertID,
		Payload: pagerEventPayload{
			Summary:   in.Alert.Title,
			Source:    "sentrypulse",
			Severity:  sev,
			Timestamp: in.Alert.TriggeredAt,
			CustomDetails: map[string]string{
				"tenant_id":  in.Alert.TenantID,
				"metric_key": in.Alert.MetricContext.MetricKey,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Success: false, Retryable: false, Error: fmt.Sprintf("marshal pager payload: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, in.ChannelConfig.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Success: false, Retryable: false, Error: fmt.Sprintf("create pager request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Success: false, Retryable: true, Error: fmt.Sprintf("pager POST: %v", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return Result{Success: false, Retryable: true, Error: fmt.Sprintf("pager POST: status %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Success: false, Retryable: false, Error: fmt.Sprintf("pager POST: status %d", resp.StatusCode)}
	}
	return Result{Success: true}
}
