package delivery

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogDelivery writes messages to the log instead of sending them. It is the
// development backend; production deployments wire their own transport.
type LogDelivery struct {
	logger *slog.Logger
}

// NewLogDelivery creates a log-backed delivery.
func NewLogDelivery(logger *slog.Logger) *LogDelivery {
	return &LogDelivery{logger: logger.With("module", "log_delivery")}
}

func (d *LogDelivery) Send(ctx context.Context, recipient, subject, body string) (*Result, error) {
	id := uuid.New().String()

	d.logger.InfoContext(ctx, "Email delivered to log",
		"delivery_id", id,
		"recipient", recipient,
		"subject", subject,
		"body_bytes", len(body))

	return &Result{ID: id}, nil
}
