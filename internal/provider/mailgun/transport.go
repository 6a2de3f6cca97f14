package mailgun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// apiUser is the basic-auth username Mailgun expects for key auth.
const apiUser = "api"

// request performs one authenticated call and returns the raw body and
// status code whatever the status. A non-nil error means the request never
// produced a response (connection, TLS, timeout); it has already been
// logged and is not retried.
func (c *Client) request(ctx context.Context, method, url string, fields Fields, secret string) ([]byte, int, error) {
	var (
		body        io.Reader
		contentType string
	)

	switch {
	case fields.HasFiles():
		buf, ct, err := encodeMultipart(fields)
		if err != nil {
			c.logger.Error("failed to encode mailgun multipart body", "error", err)
			return nil, 0, err
		}
		body, contentType = buf, ct
	case len(fields) > 0:
		body = strings.NewReader(fields.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		c.logger.Error("failed to create mailgun request", "error", err)
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(apiUser, secret)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("mailgun request failed",
			"method", method,
			"url", url,
			"error", err,
		)
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("failed to read mailgun response",
			"status", resp.StatusCode,
			"error", err,
		)
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	return respBody, resp.StatusCode, nil
}

// encodeMultipart writes fields as multipart/form-data in order.
func encodeMultipart(fields Fields) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for _, field := range fields {
		if field.File == nil {
			if err := writer.WriteField(field.Name, field.Value); err != nil {
				return nil, "", fmt.Errorf("failed to write field %s: %w", field.Name, err)
			}
			continue
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(field.Name), escapeQuotes(field.File.Filename)))
		header.Set("Content-Type", field.File.ContentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create part %s: %w", field.Name, err)
		}
		if _, err := part.Write(field.File.Content); err != nil {
			return nil, "", fmt.Errorf("failed to write part %s: %w", field.Name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
