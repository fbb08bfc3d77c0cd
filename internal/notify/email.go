package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

// EmailConfig configures SMTP delivery (fields mirror the teacher's
// EmailConfig stub, but this channel actually dials SMTP rather than
// stubbing it out, since SPEC_FULL.md names email as a first-class
// channel variant).
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
}

// EmailChannel delivers plaintext alert notifications over SMTP with
// PLAIN auth.
type EmailChannel struct {
	cfg EmailConfig
}

// NewEmailChannel creates an EmailChannel using cfg for every send; the
// per-alert recipient is taken from ChannelConfig.Destination.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (e *EmailChannel) Type() alerting.ChannelType { return alerting.ChannelEmail }

func (e *EmailChannel) Send(ctx context.Context, in SendInput) Result {
	to := in.ChannelConfig.Destination
	if to == "" {
		return Result{Success: false, Retryable: false, Error: "email channel has no destination address"}
	}

	subject := fmt.Sprintf("[%s] %s", in.Alert.Severity, in.Alert.Title)
	body := fmt.Sprintf("Alert %s\nTenant: %s\nMetric: %s\nStatus: %s\nTriggered: %s\n\n%s",
		in.Alert.AlertID, in.Alert.TenantID, in.Alert.MetricContext.MetricKey,
		in.Alert.Status, in.Alert.TriggeredAt, in.Alert.Description)

	msg := strings.Join([]string{
		"From: " + e.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, e.cfg.From, []string{to}, []byte(msg)); err != nil {
		return Result{Success: false, Retryable: true, Error: fmt.Sprintf("smtp send to %s: %v", to, err)}
	}
	return Result{Success: true}
}
