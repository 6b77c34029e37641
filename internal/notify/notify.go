// Package notify delivers run failure notices. Delivery is best effort: a
// notice that cannot be published is logged and dropped.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"evercent/internal/amqp"
	"evercent/internal/core"
	"evercent/internal/log"
)

const publishTimeout = 5 * time.Second

// Publisher is the broker side of the notifier.
type Publisher interface {
	PublishRunFailed(ctx context.Context, msg *amqp.RunFailedMessage) error
}

type AMQPNotifier struct {
	pub    Publisher
	logger *log.Logger
	now    func() time.Time
}

func NewAMQPNotifier(pub Publisher) *AMQPNotifier {
	return &AMQPNotifier{
		pub: pub,
		logger: log.New(log.Config{
			Component: log.ComponentNotify,
			Handler:   slog.Default().Handler(),
		}),
		now: time.Now,
	}
}

// NotifyRunFailed publishes a failure notice for the user's mailer.
func (n *AMQPNotifier) NotifyRunFailed(ctx context.Context, f core.RunFailure) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := &amqp.RunFailedMessage{
		RunID:     f.RunID,
		UserID:    f.UserID,
		UserEmail: f.UserEmail,
		BudgetID:  f.BudgetID,
		RunTime:   f.RunTime,
		Posted:    f.Posted,
		Reason:    f.Reason,
		Timestamp: n.now(),
	}
	if err := n.pub.PublishRunFailed(ctx, msg); err != nil {
		n.logger.ErrorContext(ctx, "Dropped run failure notice",
			log.FieldRunID, f.RunID,
			log.FieldUserID, f.UserID,
			"reason", f.Reason,
			log.FieldError, err)
		return fmt.Errorf("publish run failure: %w", err)
	}
	return nil
}
