package delivery

import (
	"context"
	"log/slog"
	"sync"
)

// Mock is a Provider for tests and local development. It records every
// send and can be told to fail for specific endpoints.
type Mock struct {
	mu       sync.Mutex
	sent     []Message
	FailWith map[string]error // endpoint → error to return
	logger   *slog.Logger
}

// NewMock creates a mock provider.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{FailWith: map[string]error{}, logger: logger}
}

// Send records the message, or fails if the endpoint is marked to fail.
func (m *Mock) Send(_ context.Context, sub Subscription, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailWith[sub.Endpoint]; ok {
		return err
	}
	m.sent = append(m.sent, msg)
	if m.logger != nil {
		m.logger.Info("Mock push delivered", "tag", msg.Tag, "body", msg.Body)
	}
	return nil
}

// Sent returns a copy of every recorded message.
func (m *Mock) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
