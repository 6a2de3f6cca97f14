package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-mailgun-relay/internal/email"
	"github.com/shineum/smtp-mailgun-relay/internal/metrics"
	"github.com/shineum/smtp-mailgun-relay/internal/parser"
	"github.com/shineum/smtp-mailgun-relay/internal/provider"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// defaultMaxMessageSize applies when SessionConfig.MaxMessageSize is unset (10 MB).
const defaultMaxMessageSize = 10 * 1024 * 1024

// SMTP transaction results recorded in metrics.SMTPMessages.
const (
	resultDelivered  = "delivered"
	resultRejected   = "rejected"
	resultDeferred   = "deferred"
	resultParseError = "parse_error"
	resultTooLarge   = "too_large"
)

// SessionConfig holds the per-connection settings shared by all sessions of
// a server.
type SessionConfig struct {
	// Hostname is used in the greeting and EHLO responses.
	Hostname string

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// MaxMessageSize is the largest DATA payload accepted, in bytes.
	MaxMessageSize int64
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	auth     *Authenticator
	provider provider.Provider
	config   SessionConfig
	logger   *slog.Logger

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection. Every log
// line of the session carries a generated session_id.
func NewSession(conn net.Conn, auth *Authenticator, prov provider.Provider, cfg SessionConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		state:    stateConnected,
		auth:     auth,
		provider: prov,
		config:   cfg,
		logger: slog.With(
			"session_id", uuid.NewString(),
			"remote_addr", conn.RemoteAddr().String(),
		),
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.logger.Debug("session started")
	s.writeLine("220 %s ESMTP smtp-mailgun-relay", s.config.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.logger.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.config.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.config.Hostname, arg)
	if s.config.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.config.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *Session) handleSTARTTLS() {
	if s.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	// The client must greet again after the upgrade.
	s.state = stateConnected
	s.resetTransaction()
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		s.handleAuthPlain(initial)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

// handleAuthPlain processes AUTH PLAIN authentication.
func (s *Session) handleAuthPlain(encoded string) {
	if encoded == "" {
		// Challenge-response: send 334 and wait for credentials
		s.writeLine("334")
		line, err := s.readAuthLine()
		if err != nil {
			s.logger.Error("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = line
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyPlain(encoded); err != nil {
		s.logger.Warn("SMTP authentication failed", "mechanism", "PLAIN", "error", err)
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// handleAuthLogin processes AUTH LOGIN authentication via challenge-response.
func (s *Session) handleAuthLogin() {
	// base64("Username:")
	s.writeLine("334 VXNlcm5hbWU6")
	encodedUser, err := s.readAuthLine()
	if err != nil {
		s.logger.Error("failed to read AUTH LOGIN username", "error", err)
		return
	}
	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	// base64("Password:")
	s.writeLine("334 UGFzc3dvcmQ6")
	encodedPass, err := s.readAuthLine()
	if err != nil {
		s.logger.Error("failed to read AUTH LOGIN password", "error", err)
		return
	}
	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyLogin(encodedUser, encodedPass); err != nil {
		s.logger.Warn("SMTP authentication failed", "mechanism", "LOGIN", "error", err)
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

func (s *Session) readAuthLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// handleMAIL processes the MAIL FROM command, including the SIZE parameter.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := splitPath(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if size, ok := sizeParam(params); ok && size > s.config.MaxMessageSize {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := splitPath(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message up to the terminating dot, parses it and
// hands it to the provider. Oversized messages are read to the end and then
// refused with 552 without being parsed.
// @MX:WARN: [AUTO] DATA payload is buffered in memory up to MaxMessageSize
// @MX:REASON: The provider needs the complete parsed message before sending
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooLarge, err := s.readData()
	if err != nil {
		s.logger.Error("error reading DATA", "error", err)
		return
	}

	if tooLarge {
		s.logger.Warn("message exceeds maximum size",
			"max_message_size", s.config.MaxMessageSize,
		)
		metrics.SMTPMessages.WithLabelValues(resultTooLarge).Inc()
		s.writeLine("552 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		s.logger.Error("failed to parse message", "error", err)
		metrics.SMTPMessages.WithLabelValues(resultParseError).Inc()
		s.writeLine("550 Failed to process message")
		s.resetTransaction()
		return
	}

	s.applyEnvelope(msg)

	if err := s.provider.Send(ctx, msg); err != nil {
		if provider.IsPermanent(err) {
			s.logger.Error("provider rejected message",
				"provider", s.provider.Name(),
				"error", err,
			)
			metrics.SMTPMessages.WithLabelValues(resultRejected).Inc()
			s.writeLine("554 Transaction failed: message rejected by provider")
		} else {
			s.logger.Error("provider send failed",
				"provider", s.provider.Name(),
				"error", err,
			)
			metrics.SMTPMessages.WithLabelValues(resultDeferred).Inc()
			s.writeLine("451 Temporary failure, please try again later")
		}
		s.resetTransaction()
		return
	}

	s.logger.Info("message relayed",
		"provider", s.provider.Name(),
		"from", msg.From.Email,
		"recipients", msg.To.Len()+msg.Cc.Len()+msg.Bcc.Len(),
		"message_id", msg.MessageID,
	)
	metrics.SMTPMessages.WithLabelValues(resultDelivered).Inc()
	s.writeLine("250 OK message queued")
	s.resetTransaction()
}

// readData reads dot-stuffed DATA lines until the terminator. Once the
// payload passes MaxMessageSize the rest is discarded and tooLarge is set.
func (s *Session) readData() (data []byte, tooLarge bool, err error) {
	var buf bytes.Buffer
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(line)) > s.config.MaxMessageSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}
	return buf.Bytes(), tooLarge, nil
}

// applyEnvelope fills in what the headers lack from the SMTP envelope.
// Envelope recipients absent from every header list are delivered as Bcc.
func (s *Session) applyEnvelope(msg *email.Email) {
	if msg.From.IsZero() {
		msg.From = email.Address{Email: s.mailFrom}
	}

	if msg.To.Len() == 0 {
		for _, rcpt := range s.rcptTo {
			msg.To.Add(email.Address{Email: rcpt})
		}
		return
	}

	for _, rcpt := range s.rcptTo {
		if !msg.To.Contains(rcpt) && !msg.Cc.Contains(rcpt) && !msg.Bcc.Contains(rcpt) {
			msg.Bcc.Add(email.Address{Email: rcpt})
		}
	}
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	// Reset state to post-auth or post-greet
	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.logger.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	addr, _ := splitPath(s)
	return addr
}

// splitPath separates the address of a MAIL/RCPT argument from its ESMTP
// parameters.
func splitPath(s string) (string, []string) {
	s = strings.TrimSpace(s)

	// Handle angle-bracket format: <user@example.com> SIZE=123
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil
		}
		return strings.TrimSpace(s[1:end]), strings.Fields(s[end+1:])
	}

	// Bare address format
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// sizeParam returns the value of a SIZE= ESMTP parameter.
func sizeParam(params []string) (int64, bool) {
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(key, "SIZE") {
			continue
		}
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return size, true
	}
	return 0, false
}
