// Package stdout implements a Provider that prints relayed emails instead of
// delivering them. It is the fallback when no delivery backend is configured.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/shineum/smtp-mailgun-relay/internal/email"
	"github.com/shineum/smtp-mailgun-relay/internal/metrics"
)

const (
	providerName = "stdout"
	separator    = "========================================\n"
)

// Provider prints email messages in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the email message. It fails only when the writer does.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To.Strings(), ", "))
	if msg.Cc.Len() > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc.Strings(), ", "))
	}
	if msg.Bcc.Len() > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(msg.Bcc.Strings(), ", "))
	}
	if !msg.ReplyTo.IsZero() {
		fmt.Fprintf(&b, "Reply-To: %s\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)

	if len(msg.Headers) > 0 {
		keys := make([]string, 0, len(msg.Headers))
		for k := range msg.Headers {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, msg.Headers[k])
		}
	}

	b.WriteString("Body:\n")
	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			label := fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content)))
			if att.Inline {
				label += " [inline]"
			}
			attachments = append(attachments, label)
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		metrics.ProviderSends.WithLabelValues(providerName, "write_error").Inc()
		return fmt.Errorf("failed to write message: %w", err)
	}

	metrics.ProviderSends.WithLabelValues(providerName, "accepted").Inc()
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
