// Package notify delivers best-effort outbound messages: credit notices to
// the user-facing side and operator alerts. Failures here never affect the
// outcome of the operation that triggered them.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CreditNotice tells downstream consumers that a user's balance grew.
type CreditNotice struct {
	UserID     string    `json:"user_id"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	NewBalance int64     `json:"new_balance"`
	Reference  string    `json:"reference"`
	CreditedAt time.Time `json:"credited_at"`
}

type Notifier interface {
	NotifyCredit(ctx context.Context, n CreditNotice) error
}

// LogNotifier writes notices and alerts to the log. It is used when no
// broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) NotifyCredit(_ context.Context, n CreditNotice) error {
	l.logger.Info("balance credited",
		zap.String("user_id", n.UserID),
		zap.String("reference", n.Reference),
		zap.Int64("amount", n.Amount),
		zap.Int64("new_balance", n.NewBalance),
	)
	return nil
}

func (l *LogNotifier) PublishAlert(_ context.Context, a Alert) error {
	l.logger.Warn("operator alert",
		zap.String("alert_kind", a.Kind),
		zap.String("reference", a.Reference),
		zap.String("task_key", a.TaskKey),
		zap.String("reason", a.Reason),
		zap.String("detail", a.Detail),
	)
	return nil
}

// Async wraps a Notifier so NotifyCredit returns immediately. Delivery runs
// in its own goroutine with a timeout; errors are logged and dropped.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *zap.Logger
}

func NewAsync(next Notifier, timeout time.Duration, logger *zap.Logger) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

func (a *Async) NotifyCredit(ctx context.Context, n CreditNotice) error {
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.NotifyCredit(sendCtx, n); err != nil {
			a.logger.Warn("credit notification failed",
				zap.String("user_id", n.UserID),
				zap.String("reference", n.Reference),
				zap.Error(err),
			)
		}
	}()
	return nil
}
