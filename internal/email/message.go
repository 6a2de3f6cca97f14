// Package email defines the core email data model used throughout the relay.
package email

import "strings"

// Email represents a parsed email message with all its components.
// Providers treat it as read-only.
type Email struct {
	From        Address
	To          AddressList
	Cc          AddressList
	Bcc         AddressList
	ReplyTo     Address
	Subject     string
	TextBody    string
	HTMLBody    string
	Headers     map[string]string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
}

// Attachment represents a file attached to an email message.
// Either Content or Path is set; a Path-only attachment is read lazily by
// the provider that needs its bytes.
type Attachment struct {
	Filename    string
	Path        string
	ContentType string
	Content     []byte

	// Inline marks a part that is referenced from the HTML body (cid:)
	// rather than offered as a download.
	Inline bool
}

// Header returns the first value of a raw header, matched case-insensitively.
func (e *Email) Header(name string) string {
	values := e.HeaderValues(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// HeaderValues returns every value of a raw header, matched case-insensitively.
func (e *Email) HeaderValues(name string) []string {
	if values, ok := e.RawHeaders[name]; ok {
		return values
	}
	for key, values := range e.RawHeaders {
		if strings.EqualFold(key, name) {
			return values
		}
	}
	return nil
}
