package email

import (
	"context"
	"log/slog"
	"time"

	"gopkg.in/gomail.v2"
)

// SMTPProvider sends emails through an SMTP relay.
type SMTPProvider struct {
	dialer *gomail.Dialer
	logger *slog.Logger
}

// NewSMTPProvider creates a new SMTP email provider.
func NewSMTPProvider(host string, port int, username, password string, logger *slog.Logger) *SMTPProvider {
	return &SMTPProvider{
		dialer: gomail.NewDialer(host, port, username, password),
		logger: logger,
	}
}

// Send sends an email over a fresh SMTP connection.
// The dialer has no context support; cancellation is checked before dialing.
func (p *SMTPProvider) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	startTime := time.Now()
	if err := p.dialer.DialAndSend(mimeMessage(msg)); err != nil {
		return &ProviderError{Provider: "smtp", Err: err}
	}

	p.logger.Info("SMTP send completed",
		"host", p.dialer.Host,
		"to", msg.To.Email,
		"duration_ms", time.Since(startTime).Milliseconds(),
		"status", "success")
	return nil
}

// mimeMessage builds a multipart/alternative message with sanitized headers.
func mimeMessage(msg *Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", sanitizeHeader(msg.From.Email), sanitizeHeader(msg.From.Name))
	m.SetAddressHeader("To", sanitizeHeader(msg.To.Email), sanitizeHeader(msg.To.Name))
	m.SetHeader("Subject", sanitizeHeader(msg.Subject))
	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	} else {
		m.SetBody("text/html", msg.HTML)
	}
	return m
}
