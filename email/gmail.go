package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// rawMessage renders msg as base64url-encoded RFC 5322 text for the Gmail API.
func rawMessage(msg *Message) (string, error) {
	var buf bytes.Buffer
	if _, err := mimeMessage(msg).WriteTo(&buf); err != nil {
		return "", fmt.Errorf("render MIME message: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// Send sends an email via Gmail API.
// Gmail may rewrite the From address to the authenticated account.
func (g *GmailProvider) Send(ctx context.Context, msg *Message) error {
	encoded, err := rawMessage(msg)
	if err != nil {
		return err
	}

	g.logger.Info("Gmail API request starting",
		"method", "POST",
		"endpoint", "users.messages.send",
		"to", msg.To.Email,
		"subject", msg.Subject)

	startTime := time.Now()
	sent, err := g.service.Users.Messages.Send("me", &gmail.Message{
		Raw: encoded,
	}).Context(ctx).Do()
	duration := time.Since(startTime)

	if err != nil {
		perr := &ProviderError{Provider: "gmail", Err: err}
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			perr.StatusCode = gerr.Code
			perr.Detail = gerr.Message
		}
		return perr
	}

	g.logger.Info("Gmail API request completed",
		"endpoint", "users.messages.send",
		"to", msg.To.Email,
		"message_id", sent.Id,
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}
