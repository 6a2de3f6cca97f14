// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/smtp-mailgun-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider handles the actual sending of parsed email messages
// to the target service (e.g., stdout, Mailgun, SES).
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// permanent is implemented by errors that retrying the same message
// cannot fix.
type permanent interface {
	Permanent() bool
}

// IsPermanent reports whether err, or any error it wraps, marks the
// delivery failure as permanent.
func IsPermanent(err error) bool {
	var p permanent
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}
