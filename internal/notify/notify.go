// Package notify delivers the congratulation email sent after a visitor
// finishes a journey. Delivery is best-effort: callers log failures and
// move on.
package notify

import (
	"context"
	"log/slog"
)

type CompletionEmail struct {
	Recipient   string `json:"recipient"`
	Name        string `json:"name"`
	Language    string `json:"language"`
	JourneyName string `json:"journeyName"`
	Points      int    `json:"points"`
	Rating      int    `json:"rating"`
}

type Notifier interface {
	SendCompletionEmail(ctx context.Context, e CompletionEmail) error
}

// Log only records the email. It stands in when neither SMTP nor a queue
// is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) SendCompletionEmail(_ context.Context, e CompletionEmail) error {
	l.logger.Info("completion email",
		"recipient", e.Recipient,
		"journey", e.JourneyName,
		"points", e.Points,
		"rating", e.Rating,
	)
	return nil
}
