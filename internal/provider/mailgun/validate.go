package mailgun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/shineum/smtp-mailgun-relay/internal/metrics"
)

// ValidateEmail asks the Mailgun validation API about address and returns
// the decoded JSON response as-is. It reports false, after logging why,
// when the public API key is missing, the address is syntactically invalid,
// or the call does not produce a 200 with a JSON object.
func (c *Client) ValidateEmail(ctx context.Context, address string) (map[string]any, bool) {
	if c.cfg.PublicAPIKey == "" {
		c.logger.Error("mailgun address validation requires a public API key")
		metrics.AddressValidations.WithLabelValues("missing_key").Inc()
		return nil, false
	}

	address = strings.TrimSpace(address)
	if !govalidator.IsEmail(address) {
		c.logger.Error("mailgun address validation skipped, invalid email syntax", "address", address)
		metrics.AddressValidations.WithLabelValues("invalid_syntax").Inc()
		return nil, false
	}

	endpoint := c.baseURL + "/address/validate?address=" + url.QueryEscape(address)
	body, status, err := c.request(ctx, http.MethodGet, endpoint, nil, c.cfg.PublicAPIKey)
	if err != nil {
		metrics.AddressValidations.WithLabelValues("error").Inc()
		return nil, false
	}

	if status != http.StatusOK {
		rule := ruleFor(status)
		var parsed apiResponse
		_ = json.Unmarshal(body, &parsed)
		c.logger.Error(rule.summary,
			"status", status,
			"message", parsed.Message,
		)
		metrics.AddressValidations.WithLabelValues("error").Inc()
		return nil, false
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		c.logger.Error("failed to decode mailgun validation response", "error", err)
		metrics.AddressValidations.WithLabelValues("error").Inc()
		return nil, false
	}

	metrics.AddressValidations.WithLabelValues("ok").Inc()
	return out, true
}
