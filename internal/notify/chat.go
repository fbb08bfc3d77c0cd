package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

// ChatChannel delivers a colored attachment to a Slack-compatible incoming
// webhook (spec §6: "colored attachment with severity-mapped color").
type ChatChannel struct{}

// NewChatChannel creates a ChatChannel.
func NewChatChannel() *ChatChannel { return &ChatChannel{} }

func (c *ChatChannel) Type() alerting.ChannelType { return alerting.ChannelChat }

func (c *ChatChannel) Send(ctx context.Context, in SendInput) Result {
	var observedValue float64
	if in.Trigger != nil {
		observedValue = in.Trigger.TriggerDetails.ObservedValue
	}

	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{
			{
				Color:      colorFor(in.Alert.Severity),
				Title:      in.Alert.Title,
				Text:       in.Alert.Description,
				Fallback:   fmt.Sprintf("[%s] %s", in.Alert.Severity, in.Alert.Title),
				Fields: []slack.AttachmentField{
					{Title: "Metric", Value: in.Alert.MetricContext.MetricKey, Short: true},
					{Title: "Value", Value: fmt.Sprintf("%v", observedValue), Short: true},
					{Title: "Status", Value: string(in.Alert.Status), Short: true},
				},
			},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, in.ChannelConfig.timeout())
	defer cancel()

	if err := slack.PostWebhookContext(ctx, in.ChannelConfig.Destination, msg); err != nil {
		return Result{Success: false, Retryable: true, Error: fmt.Sprintf("slack webhook post: %v", err)}
	}
	return Result{Success: true}
}
