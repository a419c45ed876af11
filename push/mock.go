package push

import (
	"context"
	"log/slog"

	"bloodbank-notifier/pkg/relay"
)

// MockProvider logs pushes instead of sending them, for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock push provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Push logs the message and always succeeds.
func (m *MockProvider) Push(_ context.Context, sub relay.Subscription, payload []byte) error {
	m.logger.Info("MOCK PUSH",
		"endpoint", sub.Endpoint,
		"attribute", sub.Attribute,
		"payload", string(payload))
	return nil
}
