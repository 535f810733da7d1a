package email

import (
	"context"
	"log/slog"
	"time"

	"github.com/resend/resend-go/v2"
)

// ResendProvider sends emails via the Resend API.
type ResendProvider struct {
	client *resend.Client
	logger *slog.Logger
}

// NewResendProvider creates a new Resend email provider.
func NewResendProvider(apiKey string, logger *slog.Logger) *ResendProvider {
	return &ResendProvider{
		client: resend.NewClient(apiKey),
		logger: logger,
	}
}

// Send sends an email via Resend.
func (p *ResendProvider) Send(ctx context.Context, msg *Message) error {
	params := &resend.SendEmailRequest{
		From:    msg.From.String(),
		To:      []string{msg.To.String()},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}

	startTime := time.Now()
	sent, err := p.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return &ProviderError{Provider: "resend", Err: err}
	}

	p.logger.Info("Resend API request completed",
		"to", msg.To.Email,
		"message_id", sent.Id,
		"duration_ms", time.Since(startTime).Milliseconds(),
		"status", "success")
	return nil
}
