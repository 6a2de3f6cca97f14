package mailgun

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"

	"github.com/shineum/smtp-mailgun-relay/internal/email"
)

const providerName = "mailgun"

// Control headers understood on relayed messages. They mirror the headers
// Mailgun's own SMTP service accepts and are never forwarded as-is.
const (
	headerTag         = "X-Mailgun-Tag"
	headerVariables   = "X-Mailgun-Variables"
	headerDeliverBy   = "X-Mailgun-Deliver-By"
	headerTrackOpens  = "X-Mailgun-Track-Opens"
	headerTrackClicks = "X-Mailgun-Track-Clicks"
	headerDropMessage = "X-Mailgun-Drop-Message"
	headerBatch       = "X-Mailgun-Batch"
)

// RejectedError reports a send that Mailgun did not accept.
type RejectedError struct {
	StatusCode int
	Outcome    Outcome
	Message    string
}

func (e *RejectedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("mailgun %s: %s", e.Outcome, e.Message)
	}
	return fmt.Sprintf("mailgun %s (HTTP %d): %s", e.Outcome, e.StatusCode, e.Message)
}

// Permanent reports whether the message should be bounced rather than
// retried by the SMTP client.
func (e *RejectedError) Permanent() bool {
	return e.Outcome.Permanent()
}

// Provider adapts a Client to the relay's provider.Provider interface.
// @MX:ANCHOR: [AUTO] External system integration point for Mailgun
// @MX:REASON: All email delivery flows through this provider when Mailgun is configured
type Provider struct {
	client *Client
}

// NewProvider wraps client as a relay provider.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// Client returns the underlying Mailgun client.
func (p *Provider) Client() *Client {
	return p.client
}

// Send delivers msg through Mailgun after applying its X-Mailgun-* control
// headers. A send that Mailgun does not accept returns a *RejectedError.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	m := p.client.NewMessage(msg)
	p.applyControlHeaders(m, msg)

	res := p.client.send(ctx, m)
	if res.Accepted > 0 {
		return nil
	}
	return &RejectedError{
		StatusCode: res.StatusCode,
		Outcome:    res.Outcome,
		Message:    res.Message,
	}
}

func (p *Provider) applyControlHeaders(m *Message, msg *email.Email) {
	logger := p.client.logger

	for _, value := range msg.HeaderValues(headerTag) {
		for _, tag := range strings.Split(value, ",") {
			m.AddTag(tag)
		}
	}

	if raw := msg.Header(headerVariables); raw != "" {
		var vars map[string]any
		if err := json.Unmarshal([]byte(raw), &vars); err != nil {
			logger.Warn("ignoring malformed X-Mailgun-Variables header", "error", err)
		}
		for key, value := range vars {
			m.SetCustomData(key, stringify(value))
		}
	}

	if raw := msg.Header(headerDeliverBy); raw != "" {
		if at, err := mail.ParseDate(raw); err == nil {
			m.SetDeliveryTime(at)
		} else {
			logger.Warn("ignoring malformed X-Mailgun-Deliver-By header", "value", raw, "error", err)
		}
	}

	if v, ok := parseYesNo(msg.Header(headerTrackOpens)); ok {
		m.SetTrackOpens(v)
	}
	if v, ok := parseYesNo(msg.Header(headerTrackClicks)); ok {
		m.SetTrackClicks(v)
	}
	if v, ok := parseYesNo(msg.Header(headerDropMessage)); ok {
		m.SetTestMode(v)
	}
	if v, ok := parseYesNo(msg.Header(headerBatch)); ok {
		m.SetBatchMode(v)
	}
}

func parseYesNo(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "true", "1", "on":
		return true, true
	case "no", "false", "0", "off":
		return false, true
	default:
		return false, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(encoded)
	}
}
