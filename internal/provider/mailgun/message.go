package mailgun

import (
	"log/slog"
	"maps"
	"strings"
	"time"
	"unicode"

	"github.com/shineum/smtp-mailgun-relay/internal/email"
)

const (
	// maxTags is the number of o:tag fields accepted per message.
	maxTags = 3

	// maxTagLength is the longest tag kept; longer tags are truncated.
	maxTagLength = 128
)

// Message is the per-send accumulator: the relayed email plus the
// Mailgun-specific options set for this one send. A Message must not be
// shared between concurrent sends.
type Message struct {
	email       email.Email
	cc          email.AddressList
	bcc         email.AddressList
	attachments []email.Attachment
	inline      []email.Attachment
	tags        []string
	customData  map[string]string

	from        *email.Address
	domain      string
	batchMode   bool
	trackOpens  *bool
	trackClicks *bool
	testMode    *bool
	deliverAt   time.Time

	logger *slog.Logger
}

// NewMessage starts a send of msg. The message is copied, so later changes
// to msg do not affect the send and setters on the Message do not touch msg.
func (c *Client) NewMessage(msg *email.Email) *Message {
	m := &Message{
		batchMode:  c.cfg.BatchMode,
		customData: make(map[string]string),
		logger:     c.logger,
	}
	if msg == nil {
		return m
	}

	m.email = *msg
	m.email.To = msg.To.Clone()
	m.email.Headers = maps.Clone(msg.Headers)
	m.cc = msg.Cc.Clone()
	m.bcc = msg.Bcc.Clone()

	for _, att := range msg.Attachments {
		if att.Inline {
			m.inline = append(m.inline, att)
		} else {
			m.attachments = append(m.attachments, att)
		}
	}
	return m
}

// SetFrom overrides the sender for this send.
func (m *Message) SetFrom(addr email.Address) {
	m.from = &addr
}

// SetDomain overrides the sending domain for this send.
func (m *Message) SetDomain(domain string) {
	m.domain = strings.TrimSpace(domain)
}

// SetBatchMode toggles batch sending. In batch mode every To recipient gets
// an individual copy and Cc/Bcc are not transmitted.
func (m *Message) SetBatchMode(on bool) {
	m.batchMode = on
}

// SetTrackOpens overrides the configured open-tracking default.
func (m *Message) SetTrackOpens(on bool) {
	m.trackOpens = &on
}

// SetTrackClicks overrides the configured click-tracking default.
func (m *Message) SetTrackClicks(on bool) {
	m.trackClicks = &on
}

// SetTestMode overrides the configured test-mode default.
func (m *Message) SetTestMode(on bool) {
	m.testMode = &on
}

// SetDeliveryTime schedules delivery. A zero time clears the schedule.
func (m *Message) SetDeliveryTime(t time.Time) {
	m.deliverAt = t
}

// AddTag appends a tag. Non-ASCII characters are dropped and the tag is cut
// to 128 bytes. Once three tags are held further tags are rejected with a
// warning; AddTag reports whether the tag was stored.
func (m *Message) AddTag(tag string) bool {
	tag = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || unicode.IsControl(r) {
			return -1
		}
		return r
	}, tag))
	if tag == "" {
		return false
	}

	if len(m.tags) >= maxTags {
		m.logger.Warn("mailgun tag limit reached, tag dropped",
			"tag", tag,
			"limit", maxTags,
		)
		return false
	}

	if len(tag) > maxTagLength {
		tag = tag[:maxTagLength]
	}
	m.tags = append(m.tags, tag)
	return true
}

// Tags returns the stored tags in insertion order.
func (m *Message) Tags() []string {
	out := make([]string, len(m.tags))
	copy(out, m.tags)
	return out
}

// SetCustomData attaches an opaque key/value pair sent as a v: field.
// The key keeps only letters, digits, '-' and '_'; an empty key is ignored.
func (m *Message) SetCustomData(key, value string) {
	key = strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == '_':
			return r
		case r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		default:
			return -1
		}
	}, key)
	if key == "" {
		return
	}
	m.customData[key] = strings.TrimSpace(value)
}

// AddInlineImage adds a file referenced from the HTML body by filename
// (cid:filename). A second image with the same filename replaces the first.
func (m *Message) AddInlineImage(filename, path string) {
	m.inline = upsertAttachment(m.inline, email.Attachment{Filename: filename, Path: path, Inline: true})
}

// AddAttachment adds a file attachment read from path.
func (m *Message) AddAttachment(filename, path string) {
	m.attachments = upsertAttachment(m.attachments, email.Attachment{Filename: filename, Path: path})
}

// AddCc appends a Cc recipient; duplicates are ignored.
func (m *Message) AddCc(addr email.Address) {
	m.cc.Add(addr)
}

// ClearCc drops every Cc recipient accumulated so far.
func (m *Message) ClearCc() {
	m.cc.Clear()
}

// AddBcc appends a Bcc recipient; duplicates are ignored.
func (m *Message) AddBcc(addr email.Address) {
	m.bcc.Add(addr)
}

// ClearBcc drops every Bcc recipient accumulated so far.
func (m *Message) ClearBcc() {
	m.bcc.Clear()
}

func upsertAttachment(list []email.Attachment, att email.Attachment) []email.Attachment {
	for i := range list {
		if att.Filename != "" && list[i].Filename == att.Filename {
			list[i] = att
			return list
		}
	}
	return append(list, att)
}
