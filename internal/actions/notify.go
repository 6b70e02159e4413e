package actions

import (
	"context"
	"log/slog"
	"sync"
)

// Notification is a resolved outbound message from a notification step.
type Notification struct {
	Channel    string         `json:"channel"`
	Recipients []string       `json:"recipients,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notifier delivers notifications to an external channel. Delivery
// failures are logged by the executor and never fail the workflow.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the
// default when no real channel integration is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Send(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification sent",
		slog.String("channel", n.Channel),
		slog.Int("recipients", len(n.Recipients)),
		slog.String("subject", n.Subject),
	)
	return nil
}

// MemoryNotifier records notifications for test assertions.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (m *MemoryNotifier) Send(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (m *MemoryNotifier) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*MemoryNotifier)(nil)
)
