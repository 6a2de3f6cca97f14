// Package mailgun maps relayed messages onto the Mailgun messages API.
//
// A send is strictly linear: Build turns a per-send Message into an ordered
// list of form fields, the transport POSTs them once, and the interpreter
// turns the status code into an accepted-recipient count. Nothing is
// retried; failures are logged and reported as 0.
package mailgun

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/shineum/smtp-mailgun-relay/internal/email"
	"github.com/shineum/smtp-mailgun-relay/internal/metrics"
	relaytls "github.com/shineum/smtp-mailgun-relay/internal/tls"
)

// defaultTimeout bounds a single API round trip when Config.Timeout is unset.
const defaultTimeout = 30 * time.Second

// Config holds account-level Mailgun settings. Every send starts from these
// values; a Message may override most of them before Send.
type Config struct {
	APIKey string

	// PublicAPIKey is only used for address validation.
	PublicAPIKey string

	// Region selects the API host: "us" (or empty) is api.mailgun.net,
	// anything else is api.{region}.mailgun.net.
	Region string

	Domain string

	// DynamicDomain derives the sending domain from the sender address
	// instead of Domain.
	DynamicDomain bool

	From email.Address

	TrackOpens  bool
	TrackClicks bool
	TestMode    bool
	BatchMode   bool

	// SkipTLSVerify disables certificate verification on API calls.
	SkipTLSVerify bool

	Timeout time.Duration
}

// Client sends messages through one Mailgun account. It holds no per-send
// state and is safe for concurrent use.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	textPolicy *bluemonday.Policy
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used for failure reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client. The TLS toggle and timeout from
// Config are not applied to a client supplied this way.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the region-derived API base, e.g. for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// New creates a Client for the given account configuration.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = relaytls.ClientConfig(!cfg.SkipTLSVerify)

	c := &Client{
		cfg:        cfg,
		baseURL:    BaseURL(cfg.Region),
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		logger:     slog.Default(),
		textPolicy: bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the v3 API root for region.
func BaseURL(region string) string {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" || region == "us" {
		return "https://api.mailgun.net/v3"
	}
	return fmt.Sprintf("https://api.%s.mailgun.net/v3", region)
}

// Config returns the client's account configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Send builds the request for m, posts it, and returns the number of emails
// Mailgun accepted: the number of To recipients in batch mode, 1 otherwise.
// Any failure is logged and yields 0.
func (c *Client) Send(ctx context.Context, m *Message) int {
	return c.send(ctx, m).Accepted
}

// result is the full outcome of one send, kept internal so that the public
// contract stays "count or 0".
type result struct {
	Accepted   int
	Outcome    Outcome
	StatusCode int
	Message    string
}

func (c *Client) send(ctx context.Context, m *Message) result {
	req := c.Build(m)

	body, status, err := c.request(ctx, http.MethodPost, req.URL, req.Fields, c.cfg.APIKey)
	if err != nil {
		metrics.ProviderSends.WithLabelValues(providerName, string(OutcomeTransportError)).Inc()
		return result{Outcome: OutcomeTransportError, Message: err.Error()}
	}

	res := c.interpret(status, body, req.Recipients)
	metrics.ProviderSends.WithLabelValues(providerName, string(res.Outcome)).Inc()
	if res.Accepted > 0 {
		metrics.RecipientsAccepted.WithLabelValues(providerName).Add(float64(res.Accepted))
	}
	return res
}
