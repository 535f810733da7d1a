package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const sendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// SendGridProvider sends emails via the SendGrid v3 mail API.
type SendGridProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewSendGridProvider creates a new SendGrid email provider.
func NewSendGridProvider(apiKey string, logger *slog.Logger) *SendGridProvider {
	return &SendGridProvider{
		apiKey:   apiKey,
		endpoint: sendGridEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type sendGridRequest struct {
	From             sendGridContact           `json:"from"`
	Personalizations []sendGridPersonalization `json:"personalizations"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

type sendGridPersonalization struct {
	To []sendGridContact `json:"to"`
}

type sendGridContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Send sends an email via SendGrid.
func (g *SendGridProvider) Send(ctx context.Context, msg *Message) error {
	reqBody := sendGridRequest{
		From: sendGridContact{Email: msg.From.Email, Name: msg.From.Name},
		Personalizations: []sendGridPersonalization{
			{To: []sendGridContact{{Email: msg.To.Email, Name: msg.To.Name}}},
		},
		Subject: msg.Subject,
	}
	// SendGrid requires text/plain to precede text/html.
	if msg.Text != "" {
		reqBody.Content = append(reqBody.Content, sendGridContent{Type: "text/plain", Value: msg.Text})
	}
	reqBody.Content = append(reqBody.Content, sendGridContent{Type: "text/html", Value: msg.HTML})

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	g.logger.Info("SendGrid API request starting",
		"method", "POST",
		"endpoint", "mail/send",
		"to", msg.To.Email,
		"subject", msg.Subject)

	startTime := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		return &ProviderError{Provider: "sendgrid", Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			g.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ProviderError{
			Provider:   "sendgrid",
			StatusCode: resp.StatusCode,
			Detail:     readDetail(resp.Body),
		}
	}

	g.logger.Info("SendGrid API request completed",
		"endpoint", "mail/send",
		"to", msg.To.Email,
		"duration_ms", duration.Milliseconds(),
		"message_id", resp.Header.Get("X-Message-Id"),
		"status", "success")
	return nil
}
