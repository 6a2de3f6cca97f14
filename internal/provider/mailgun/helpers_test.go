package mailgun

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shineum/smtp-mailgun-relay/internal/email"
)

// logBuffer is a concurrency-safe sink for a text slog handler.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Lines returns the non-empty log lines written so far.
func (b *logBuffer) Lines() []string {
	var out []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func newLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})), buf
}

func testConfig() Config {
	return Config{
		APIKey:       "key-0123456789abcdef",
		PublicAPIKey: "pubkey-0123456789",
		Domain:       "mg.example.com",
		From:         email.Address{Email: "noreply@example.com", Name: "Example"},
		TrackOpens:   true,
		TrackClicks:  false,
	}
}

// newTestClient returns a client pointed at handler and the buffer its
// logger writes to.
func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) (*Client, *logBuffer) {
	t.Helper()

	logger, logs := newLogger()
	opts := []Option{WithLogger(logger)}
	if handler != nil {
		server := httptest.NewServer(handler)
		t.Cleanup(server.Close)
		opts = append(opts, WithBaseURL(server.URL), WithHTTPClient(server.Client()))
	}
	return New(cfg, opts...), logs
}

func basicEmail() *email.Email {
	return &email.Email{
		From:     email.Address{Email: "sender@example.com", Name: "Sender"},
		To:       email.NewAddressList(email.Address{Email: "alice@example.com", Name: "Alice"}),
		Subject:  "Hello",
		TextBody: "Hello, World!",
	}
}

func fieldNames(fields Fields) []string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	return names
}
