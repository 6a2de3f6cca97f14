package mailgun

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Outcome classifies the result of one messages call.
type Outcome string

const (
	OutcomeAccepted        Outcome = "accepted"
	OutcomeBadRequest      Outcome = "bad_request"
	OutcomeUnauthorized    Outcome = "unauthorized"
	OutcomeRequestFailed   Outcome = "request_failed"
	OutcomeNotFound        Outcome = "not_found"
	OutcomePayloadTooLarge Outcome = "payload_too_large"
	OutcomeServerError     Outcome = "server_error"
	OutcomeTransportError  Outcome = "transport_error"
)

// Permanent reports whether resending the same request cannot succeed.
func (o Outcome) Permanent() bool {
	switch o {
	case OutcomeBadRequest, OutcomeUnauthorized, OutcomeRequestFailed, OutcomeNotFound, OutcomePayloadTooLarge:
		return true
	default:
		return false
	}
}

type statusRule struct {
	outcome Outcome
	summary string
}

// statusRules maps the documented Mailgun status codes to outcomes. Any
// status missing from the table is a server error.
var statusRules = map[int]statusRule{
	http.StatusOK:                    {OutcomeAccepted, "Mailgun accepted the message"},
	http.StatusBadRequest:            {OutcomeBadRequest, "Mailgun returned 400 Bad Request"},
	http.StatusUnauthorized:          {OutcomeUnauthorized, "Mailgun returned 401 Unauthorized, check the API key"},
	http.StatusPaymentRequired:       {OutcomeRequestFailed, "Mailgun returned 402, parameters were valid but the request failed"},
	http.StatusNotFound:              {OutcomeNotFound, "Mailgun returned 404 Not Found, check the sending domain"},
	http.StatusRequestEntityTooLarge: {OutcomePayloadTooLarge, "Mailgun returned 413, attachments exceed the size limit"},
}

var serverErrorRule = statusRule{OutcomeServerError, "Mailgun returned a server error"}

func ruleFor(status int) statusRule {
	if rule, ok := statusRules[status]; ok {
		return rule
	}
	return serverErrorRule
}

// apiResponse is the JSON body Mailgun returns for messages calls.
type apiResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// interpret turns a status code into an accepted count. Every non-200
// status logs exactly one line and yields 0.
func (c *Client) interpret(status int, body []byte, recipients int) result {
	var parsed apiResponse
	_ = json.Unmarshal(body, &parsed)

	rule := ruleFor(status)
	res := result{Outcome: rule.outcome, StatusCode: status, Message: parsed.Message}

	switch rule.outcome {
	case OutcomeAccepted:
		res.Accepted = recipients
		c.logger.Debug(rule.summary,
			"id", parsed.ID,
			"recipients", recipients,
		)
	case OutcomeUnauthorized:
		c.logger.Error(rule.summary,
			"status", status,
			"api_key", maskKey(c.cfg.APIKey),
			"message", parsed.Message,
		)
	default:
		c.logger.Error(rule.summary,
			"status", status,
			"message", parsed.Message,
		)
	}
	return res
}

// maskKey keeps only the last four characters of an API key.
func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
