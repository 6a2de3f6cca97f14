// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/shineum/smtp-mailgun-relay/internal/email"
)

// controlHeaderPrefix marks provider control headers; they stay in
// RawHeaders but are not forwarded as custom headers.
const controlHeaderPrefix = "X-Mailgun-"

var wordDecoder = &mime.WordDecoder{}

// Parse parses a raw RFC 5322 email message into an Email struct.
// It handles plain text messages, multipart messages with text/html bodies,
// attachments and inline parts. Unrecognized MIME parts are logged as warnings.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		RawHeaders: make(map[string][]string),
		Headers:    make(map[string]string),
	}

	for key, values := range msg.Header {
		result.RawHeaders[key] = values
		if isCustomHeader(key) && len(values) > 0 {
			result.Headers[key] = decodeHeader(values[0])
		}
	}

	if from := msg.Header.Get("From"); from != "" {
		addr, err := email.ParseAddress(from)
		if err != nil {
			slog.Warn("failed to parse From header", "value", from, "error", err)
		} else {
			result.From = addr
		}
	}
	if replyTo := msg.Header.Get("Reply-To"); replyTo != "" {
		// Only the first Reply-To mailbox is carried.
		if list := email.ParseAddressList(replyTo); list.Len() > 0 {
			result.ReplyTo = list.All()[0]
		}
	}
	result.Subject = decodeHeader(msg.Header.Get("Subject"))
	result.MessageID = msg.Header.Get("Message-Id")
	result.To = email.ParseAddressList(msg.Header.Get("To"))
	result.Cc = email.ParseAddressList(msg.Header.Get("Cc"))
	result.Bcc = email.ParseAddressList(msg.Header.Get("Bcc"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// If content type is unparseable, treat as plain text
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/plain":
		result.TextBody = string(body)
	case "text/html":
		result.HTMLBody = string(body)
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		result.TextBody = string(body)
	}

	return result, nil
}

// parseMultipart processes a multipart MIME message body, extracting text/plain,
// text/html parts, attachments and inline parts.
func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		// Check for nested multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition := dispositionOf(part)
		contentID := strings.Trim(part.Header.Get("Content-Id"), "<> ")
		isText := mediaType == "text/plain" || mediaType == "text/html"

		switch {
		case disposition == "attachment":
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    extractFilename(part, params),
				ContentType: mediaType,
				Content:     content,
			})

		case !isText && (disposition == "inline" || contentID != ""):
			// The HTML body references inline parts by Content-ID, which is
			// what the provider expects as the inline filename.
			filename := contentID
			if filename == "" {
				filename = extractFilename(part, params)
			}
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
				Inline:      true,
			})

		case mediaType == "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}

		case mediaType == "text/html":
			if result.HTMLBody == "" {
				result.HTMLBody = string(content)
			}

		default:
			// Check if it has a filename even without attachment disposition
			if filename := explicitFilename(part, params); filename != "" {
				result.Attachments = append(result.Attachments, email.Attachment{
					Filename:    filename,
					ContentType: mediaType,
					Content:     content,
				})
			} else {
				slog.Warn("unrecognized MIME part, skipping",
					"content_type", mediaType,
					"disposition", disposition,
				)
			}
		}
	}

	return nil
}

// decodeBody reads r fully, handling Content-Transfer-Encoding base64.
// Quoted-printable parts are already decoded by the multipart reader.
func decodeBody(r io.Reader, transferEncoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(strings.TrimSpace(transferEncoding)) != "base64" {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// Try with RawStdEncoding for unpadded base64
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// dispositionOf returns the lower-cased Content-Disposition type of part.
func dispositionOf(part *multipart.Part) string {
	raw := part.Header.Get("Content-Disposition")
	if raw == "" {
		return ""
	}
	disposition, _, err := mime.ParseMediaType(raw)
	if err != nil {
		// Fall back to the leading token
		disposition, _, _ = strings.Cut(raw, ";")
	}
	return strings.ToLower(strings.TrimSpace(disposition))
}

// explicitFilename returns the filename named by Content-Disposition or the
// Content-Type "name" parameter, or "".
func explicitFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		return decodeHeader(name)
	}
	return ""
}

// extractFilename is explicitFilename with a fallback derived from the media
// type, so every attachment carries a name.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := explicitFilename(part, params); fn != "" {
		return fn
	}
	if mediaType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type")); err == nil {
		if _, subtype, ok := strings.Cut(mediaType, "/"); ok {
			return "attachment." + subtype
		}
	}
	return "attachment"
}

// isCustomHeader reports whether key is an X- header to forward to the
// provider.
func isCustomHeader(key string) bool {
	key = textproto.CanonicalMIMEHeaderKey(key)
	return strings.HasPrefix(key, "X-") && !strings.HasPrefix(key, controlHeaderPrefix)
}

// decodeHeader decodes RFC 2047 encoded-words, returning raw unchanged when
// it cannot be decoded.
func decodeHeader(raw string) string {
	decoded, err := wordDecoder.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}
