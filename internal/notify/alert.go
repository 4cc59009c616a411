package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
)

const (
	AlertDeadLetter     = "dead_letter"
	AlertReconciliation = "reconciliation"
)

type Alert struct {
	Kind      string    `json:"kind"`
	Reference string    `json:"reference,omitempty"`
	TaskKey   string    `json:"task_key,omitempty"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

type AlertSink interface {
	PublishAlert(ctx context.Context, a Alert) error
}

// Alerter turns dead letters and reconciliation items into operator alerts.
// Publishing happens off the caller's goroutine, bounded by timeout, so a
// slow sink never delays a webhook response.
type Alerter struct {
	sink    AlertSink
	timeout time.Duration
	logger  *zap.Logger
}

func NewAlerter(sink AlertSink, timeout time.Duration, logger *zap.Logger) *Alerter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Alerter{sink: sink, timeout: timeout, logger: logger}
}

func (a *Alerter) DeadLettered(ctx context.Context, dl domain.DeadLetter) {
	reason := "retries exhausted"
	detail := ""
	if n := len(dl.Failures); n > 0 {
		detail = dl.Failures[n-1].Error
	}
	a.send(ctx, Alert{
		Kind:    AlertDeadLetter,
		TaskKey: dl.TaskKey,
		Reason:  reason,
		Detail:  fmt.Sprintf("%s after %d attempts: %s", dl.Kind, dl.Attempts, detail),
		At:      dl.CreatedAt,
	})
}

func (a *Alerter) Reconciliation(ctx context.Context, item domain.ReconciliationItem) {
	a.send(ctx, Alert{
		Kind:      AlertReconciliation,
		Reference: item.Reference,
		Reason:    item.Reason,
		Detail: fmt.Sprintf("stored %d %s, claimed %d %s",
			item.StoredAmount, item.StoredCurrency, item.ClaimedAmount, item.ClaimedCurrency),
		At: item.CreatedAt,
	})
}

func (a *Alerter) send(ctx context.Context, alert Alert) {
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.sink.PublishAlert(sendCtx, alert); err != nil {
			a.logger.Error("failed to publish alert",
				zap.String("alert_kind", alert.Kind),
				zap.String("reason", alert.Reason),
				zap.Error(err),
			)
		}
	}()
}
