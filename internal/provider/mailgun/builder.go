package mailgun

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/shineum/smtp-mailgun-relay/internal/email"
)

// Request is a fully built messages call.
type Request struct {
	URL    string
	Fields Fields

	// Recipients is the count reported on success.
	Recipients int
}

// recipientVariable is one entry of the recipient-variables field.
type recipientVariable struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Build maps m onto the Mailgun form fields. It never fails: attachments
// that cannot be read or typed are skipped. Given the same Message and
// Config, Build always produces the same fields in the same order.
func (c *Client) Build(m *Message) Request {
	var f Fields

	sender := c.resolveSender(m)
	f.add("from", sender.String())
	f.add("h:Sender", sender.String())

	to := m.email.To
	recipients := 1
	f.add("to", strings.Join(to.Strings(), ","))
	if m.batchMode {
		f.add("recipient-variables", recipientVariables(to))
		recipients = to.Len()
	} else {
		if m.cc.Len() > 0 {
			f.add("cc", strings.Join(m.cc.Strings(), ","))
		}
		if m.bcc.Len() > 0 {
			f.add("bcc", strings.Join(m.bcc.Strings(), ","))
		}
	}

	if replyTo := m.email.ReplyTo; !replyTo.IsZero() {
		if replyTo.Name == "" {
			replyTo.Name = sender.Name
		}
		f.add("h:Reply-To", replyTo.String())
	}

	f.add("subject", m.email.Subject)

	text := m.email.TextBody
	if text == "" && m.email.HTMLBody != "" {
		text = c.htmlToText(m.email.HTMLBody)
	}
	f.add("text", text)

	if m.email.HTMLBody != "" {
		f.add("html", m.email.HTMLBody)
		f.add("o:tracking-opens", yesNo(boolOr(m.trackOpens, c.cfg.TrackOpens)))
		f.add("o:tracking-clicks", yesNo(boolOr(m.trackClicks, c.cfg.TrackClicks)))
	}

	if !m.deliverAt.IsZero() {
		f.add("o:deliverytime", m.deliverAt.UTC().Format(http.TimeFormat))
	}

	f.add("o:testmode", yesNo(boolOr(m.testMode, c.cfg.TestMode)))

	c.addFiles(&f, "attachment", m.attachments)
	c.addFiles(&f, "inline", m.inline)

	for _, name := range sortedKeys(m.email.Headers) {
		f.add("h:"+name, m.email.Headers[name])
	}

	for i, tag := range m.tags {
		f.add(fmt.Sprintf("o:tag[%d]", i), tag)
	}

	for _, key := range sortedKeys(m.customData) {
		f.add("v:"+key, m.customData[key])
	}

	return Request{
		URL:        fmt.Sprintf("%s/%s/messages", c.baseURL, c.resolveDomain(m, sender)),
		Fields:     f,
		Recipients: recipients,
	}
}

// resolveSender picks the per-send override, then the message's own From,
// then the configured default. The configured name fills in a missing
// display name only when the configured address is the one used.
func (c *Client) resolveSender(m *Message) email.Address {
	var addr email.Address
	switch {
	case m.from != nil && !m.from.IsZero():
		addr = *m.from
	case !m.email.From.IsZero():
		addr = m.email.From
	default:
		addr = c.cfg.From
	}
	if addr.Name == "" && strings.EqualFold(addr.Email, c.cfg.From.Email) {
		addr.Name = c.cfg.From.Name
	}
	return addr
}

func (c *Client) resolveDomain(m *Message, sender email.Address) string {
	if m.domain != "" {
		return m.domain
	}
	if c.cfg.DynamicDomain {
		if d := sender.Domain(); d != "" {
			return d
		}
	}
	return c.cfg.Domain
}

func recipientVariables(to email.AddressList) string {
	vars := make(map[string]recipientVariable, to.Len())
	for i, addr := range to.All() {
		vars[addr.Email] = recipientVariable{ID: i + 1, Name: addr.Name}
	}
	// Marshal sorts map keys, which keeps Build deterministic.
	encoded, err := json.Marshal(vars)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// addFiles appends one indexed field per resolvable file. Indexes count only
// the files that were kept.
func (c *Client) addFiles(f *Fields, prefix string, atts []email.Attachment) {
	i := 0
	for _, att := range atts {
		file, ok := c.resolveFile(att)
		if !ok {
			continue
		}
		f.addFile(fmt.Sprintf("%s[%d]", prefix, i), file)
		i++
	}
}

// resolveFile loads an attachment's bytes and MIME type. It reports false
// when the file cannot be read or typed.
func (c *Client) resolveFile(att email.Attachment) (File, bool) {
	filename := att.Filename
	if filename == "" && att.Path != "" {
		filename = filepath.Base(att.Path)
	}

	content := att.Content
	contentType := att.ContentType

	if content == nil {
		if att.Path == "" {
			c.logger.Debug("skipping attachment without content", "filename", filename)
			return File{}, false
		}
		if contentType == "" {
			mt, err := mimetype.DetectFile(att.Path)
			if err != nil {
				c.logger.Debug("skipping attachment with undetectable MIME type",
					"filename", filename,
					"error", err,
				)
				return File{}, false
			}
			contentType = mt.String()
		}
		data, err := os.ReadFile(att.Path)
		if err != nil {
			c.logger.Debug("skipping unreadable attachment",
				"filename", filename,
				"error", err,
			)
			return File{}, false
		}
		content = data
	}

	if contentType == "" {
		contentType = mimetype.Detect(content).String()
	}

	return File{Filename: filename, ContentType: contentType, Content: content}, true
}

var (
	blockBreak = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|h[1-6]|li|tr|table|blockquote|pre)\s*>`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// htmlToText derives the plain-text alternative from an HTML body: block
// ends become line breaks, every tag is stripped, entities are decoded.
func (c *Client) htmlToText(body string) string {
	withBreaks := blockBreak.ReplaceAllString(body, "\n")
	stripped := html.UnescapeString(c.textPolicy.Sanitize(withBreaks))

	lines := strings.Split(stripped, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func boolOr(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
