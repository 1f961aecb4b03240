package notification

import (
	"context"
	"log/slog"
)

const (
	// KindTransactionApproved is sent once a transaction settles against its wallet.
	KindTransactionApproved = "transaction_approved"
	// KindTransactionDeadLettered is sent when a transaction exhausts its retries.
	KindTransactionDeadLettered = "transaction_dead_lettered"
)

// Message describes a notification payload.
type Message struct {
	Kind          string
	Destination   string
	TransactionID string
	Body          string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"destination", message.Destination,
		"transaction_id", message.TransactionID,
		"body", message.Body,
	)
	return nil
}

// Recorder keeps every message in memory. Tests use it to assert on side effects.
type Recorder struct {
	Messages []Message
}

// Send appends the message.
func (r *Recorder) Send(_ context.Context, message Message) error {
	r.Messages = append(r.Messages, message)
	return nil
}

// Count returns how many messages of kind were sent.
func (r *Recorder) Count(kind string) int {
	n := 0
	for _, m := range r.Messages {
		if m.Kind == kind {
			n++
		}
	}
	return n
}
