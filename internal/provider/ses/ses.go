// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-mailgun-relay/internal/email"
	"github.com/shineum/smtp-mailgun-relay/internal/metrics"
)

const providerName = "ses"

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// defaultRetryDelay is the initial delay for exponential backoff.
const defaultRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender is the verified SES identity used as the From address.
	Sender string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SendError wraps a failed SendEmail call.
type SendError struct {
	Err       error
	permanent bool
}

func (e *SendError) Error() string {
	return "ses send failed: " + e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Permanent reports whether SES refused the message itself, as opposed to
// a throttling or transport failure.
func (e *SendError) Permanent() bool {
	return e.permanent
}

// Provider sends emails via the AWS SES v2 API.
// @MX:ANCHOR: [AUTO] External system integration point for AWS SES
// @MX:REASON: All email delivery flows through this provider when SES is configured
type Provider struct {
	sender     string
	client     SendEmailAPI
	retryDelay time.Duration
}

// Option customizes a Provider.
type Option func(*Provider)

// WithRetryDelay sets the initial backoff delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Provider) {
		p.retryDelay = d
	}
}

// New creates a Provider backed by the default AWS credential chain, or by
// static credentials when both keys are set.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg), opts...), nil
}

// NewWithClient creates a Provider around an existing SES client.
func NewWithClient(sender string, client SendEmailAPI, opts ...Option) *Provider {
	p := &Provider{
		sender:     sender,
		client:     client,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send delivers an email message via AWS SES v2. Messages with attachments,
// inline parts or custom headers are sent as raw MIME; the rest use the
// simple content format. Transient failures are retried with exponential
// backoff; SES rejections are returned immediately as permanent.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	input, err := p.buildInput(msg)
	if err != nil {
		metrics.ProviderSends.WithLabelValues(providerName, "build_error").Inc()
		return &SendError{Err: err, permanent: true}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, p.backoffDelay(attempt-1)); err != nil {
				metrics.ProviderSends.WithLabelValues(providerName, "cancelled").Inc()
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := p.client.SendEmail(ctx, input)
		if err == nil {
			slog.Debug("SES accepted message", "message_id", aws.ToString(out.MessageId))
			metrics.ProviderSends.WithLabelValues(providerName, "accepted").Inc()
			metrics.RecipientsAccepted.WithLabelValues(providerName).Add(float64(recipientCount(msg)))
			return nil
		}

		if isRejection(err) {
			slog.Error("SES rejected message", "error", err)
			metrics.ProviderSends.WithLabelValues(providerName, "rejected").Inc()
			return &SendError{Err: err, permanent: true}
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	metrics.ProviderSends.WithLabelValues(providerName, "retries_exhausted").Inc()
	return &SendError{Err: fmt.Errorf("request failed after %d retries: %w", maxRetries, lastErr)}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) buildInput(msg *email.Email) (*sesv2.SendEmailInput, error) {
	from := email.Address{Email: p.sender, Name: msg.From.Name}

	if needsRaw(msg) {
		raw, err := buildRawMessage(from, msg)
		if err != nil {
			return nil, fmt.Errorf("failed to build raw message: %w", err)
		}
		return &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(from.String()),
			Destination:      destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}, nil
	}
	return buildSimpleInput(from, msg), nil
}

func needsRaw(msg *email.Email) bool {
	return len(msg.Attachments) > 0 || len(msg.Headers) > 0
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To.Strings(),
		CcAddresses:  msg.Cc.Strings(),
		BccAddresses: msg.Bcc.Strings(),
	}
}

func recipientCount(msg *email.Email) int {
	return msg.To.Len() + msg.Cc.Len() + msg.Bcc.Len()
}

// buildSimpleInput creates a SES SendEmailInput using the simple format.
func buildSimpleInput(from email.Address, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from.String()),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
	if !msg.ReplyTo.IsZero() {
		input.ReplyToAddresses = []string{msg.ReplyTo.String()}
	}
	return input
}

// buildRawMessage constructs a multipart/mixed MIME message. Bcc recipients
// travel only in the destination, never in the headers.
func buildRawMessage(from email.Address, msg *email.Email) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", from.String())
	if msg.To.Len() > 0 {
		writeHeader(&buf, "To", strings.Join(msg.To.Strings(), ", "))
	}
	if msg.Cc.Len() > 0 {
		writeHeader(&buf, "Cc", strings.Join(msg.Cc.Strings(), ", "))
	}
	if !msg.ReplyTo.IsZero() {
		writeHeader(&buf, "Reply-To", msg.ReplyTo.String())
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("UTF-8", msg.Subject))
	if msg.MessageID != "" {
		writeHeader(&buf, "Message-ID", msg.MessageID)
	}
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		writeHeader(&buf, k, msg.Headers[k])
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	writer := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", writer.Boundary()))
	buf.WriteString("\r\n")

	if err := writeBody(writer, msg); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", contentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		disposition := "attachment"
		if att.Inline {
			disposition = "inline"
			attHeader.Set("Content-ID", "<"+att.Filename+">")
		}
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("%s; filename=%q", disposition, mime.QEncoding.Encode("UTF-8", att.Filename)))

		content := att.Content
		if content == nil && att.Path != "" {
			data, err := os.ReadFile(att.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to read attachment %s: %w", att.Path, err)
			}
			content = data
		}

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(content))); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBody writes the text and HTML bodies, as multipart/alternative when
// both are present.
func writeBody(writer *multipart.Writer, msg *email.Email) error {
	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		var alt bytes.Buffer
		altWriter := multipart.NewWriter(&alt)
		if err := writeTextPart(altWriter, "text/plain", msg.TextBody); err != nil {
			return err
		}
		if err := writeTextPart(altWriter, "text/html", msg.HTMLBody); err != nil {
			return err
		}
		if err := altWriter.Close(); err != nil {
			return fmt.Errorf("failed to close alternative part: %w", err)
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", altWriter.Boundary()))
		part, err := writer.CreatePart(header)
		if err != nil {
			return fmt.Errorf("failed to create body part: %w", err)
		}
		_, err = part.Write(alt.Bytes())
		return err
	case msg.HTMLBody != "":
		return writeTextPart(writer, "text/html", msg.HTMLBody)
	case msg.TextBody != "":
		return writeTextPart(writer, "text/plain", msg.TextBody)
	default:
		return nil
	}
}

func writeTextPart(writer *multipart.Writer, mediaType, body string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", mediaType+"; charset=UTF-8")
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", mediaType, err)
	}
	_, err = part.Write([]byte(body))
	return err
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", key, value)
}

// isRejection reports whether err is an SES error that a retry cannot fix.
func isRejection(err error) bool {
	var (
		rejected    *types.MessageRejected
		notVerified *types.MailFromDomainNotVerifiedException
		badRequest  *types.BadRequestException
		suspended   *types.AccountSuspendedException
		notFound    *types.NotFoundException
	)
	return errors.As(err, &rejected) ||
		errors.As(err, &notVerified) ||
		errors.As(err, &badRequest) ||
		errors.As(err, &suspended) ||
		errors.As(err, &notFound)
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	return p.retryDelay << attempt
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
