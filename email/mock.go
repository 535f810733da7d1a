package email

import (
	"context"
	"log/slog"
)

// MockProvider logs messages instead of delivering them. Used for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send logs the envelope; the rendered text body is logged at debug level.
func (m *MockProvider) Send(ctx context.Context, msg *Message) error {
	m.logger.Info("MOCK EMAIL",
		"to", msg.To.String(),
		"from", msg.From.String(),
		"subject", msg.Subject,
		"html_length", len(msg.HTML),
		"text_length", len(msg.Text))
	m.logger.DebugContext(ctx, "Mock email body", "to", msg.To.Email, "text", msg.Text)
	return nil
}
