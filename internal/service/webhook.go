package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/retry"
	"github.com/punchamoorthee/smscredit/internal/webhook"
)

// TaskKindCredit is the dispatcher kind for retried notification work.
const TaskKindCredit = "webhook.credit"

var (
	ErrUnauthorized = errors.New("invalid webhook signature")
	ErrUnavailable  = errors.New("service temporarily unavailable")
)

var (
	webhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_outcomes_total",
		Help: "Webhook deliveries by response outcome",
	}, []string{"outcome"})

	signatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_signature_failures_total",
		Help: "Webhook deliveries rejected for an invalid signature",
	})
)

type SignatureVerifier interface {
	Verify(rawBody []byte, header string) bool
}

type EventStore interface {
	RecordEvent(ctx context.Context, ev domain.WebhookEvent) error
	UpdateEvent(ctx context.Context, id uuid.UUID, status domain.EventStatus, attempts int, detail string) error
}

// Dispatcher is the part of the retry dispatcher the services use.
type Dispatcher interface {
	Schedule(task retry.Task, attempt int) error
	Register(kind string, h retry.Handler)
	OnDeadLetter(l retry.DeadLetterListener)
	Pending(key string) bool
	DeadLetter(ctx context.Context, task retry.Task, err error) domain.DeadLetter
}

// creditTask is the dispatcher payload for a notification being retried.
// EventID is zero for work started by the sweeper or an operator replay.
type creditTask struct {
	EventID      uuid.UUID            `json:"event_id"`
	Notification webhook.Notification `json:"notification"`
}

func newCreditTask(eventID uuid.UUID, n webhook.Notification) (retry.Task, error) {
	payload, err := json.Marshal(creditTask{EventID: eventID, Notification: n})
	if err != nil {
		return retry.Task{}, err
	}
	return retry.Task{Key: n.Reference, Kind: TaskKindCredit, Payload: payload}, nil
}

type WebhookResult struct {
	EventID   uuid.UUID `json:"event_id"`
	Outcome   Outcome   `json:"outcome"`
	Reference string    `json:"reference,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

type WebhookService struct {
	verifier   SignatureVerifier
	events     EventStore
	processor  *Processor
	dispatcher Dispatcher
	timeout    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewWebhookService registers the credit retry handler and dead-letter
// listener on dispatcher.
func NewWebhookService(verifier SignatureVerifier, events EventStore, processor *Processor, dispatcher Dispatcher, timeout time.Duration, logger *zap.Logger) *WebhookService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &WebhookService{
		verifier:   verifier,
		events:     events,
		processor:  processor,
		dispatcher: dispatcher,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
	dispatcher.Register(TaskKindCredit, s.runCreditTask)
	dispatcher.OnDeadLetter(s)
	return s
}

// Handle authenticates and processes one webhook delivery. The first
// attempt runs on a context detached from ctx, so a client disconnect never
// cancels a credit half way.
func (s *WebhookService) Handle(ctx context.Context, rawBody []byte, signatureHeader string) (WebhookResult, error) {
	ev := domain.WebhookEvent{
		EventID:          uuid.New(),
		ReceivedAt:       s.now().UTC(),
		ProcessingStatus: domain.EventReceived,
		AttemptCount:     0,
	}
	res := WebhookResult{EventID: ev.EventID}

	if !s.verifier.Verify(rawBody, signatureHeader) {
		signatureFailures.Inc()
		webhookOutcomes.WithLabelValues("unauthorized").Inc()
		s.logger.Warn("webhook signature rejected",
			zap.String("security", "signature_invalid"),
			zap.String("event_id", ev.EventID.String()),
			zap.Int("body_bytes", len(rawBody)),
		)
		ev.ProcessingStatus = domain.EventRejected
		ev.Detail = "signature_invalid"
		s.record(ctx, ev)
		return res, ErrUnauthorized
	}
	ev.SignatureValid = true

	n, err := webhook.Parse(rawBody)
	if err != nil {
		ev.ProcessingStatus = domain.EventRejected
		ev.Detail = err.Error()
		s.record(ctx, ev)
		s.logger.Warn("webhook payload rejected",
			zap.String("event_id", ev.EventID.String()),
			zap.Error(err),
		)
		res.Outcome = OutcomeRejected
		res.Detail = err.Error()
		webhookOutcomes.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}
	res.Reference = n.Reference
	ev.Reference = n.Reference
	ev.ProcessingStatus = domain.EventProcessing
	ev.AttemptCount = 1
	if err := s.events.RecordEvent(ctx, ev); err != nil {
		s.logger.Error("failed to record webhook event",
			zap.String("event_id", ev.EventID.String()),
			zap.String("reference", n.Reference),
			zap.Error(err),
		)
		webhookOutcomes.WithLabelValues("unavailable").Inc()
		return res, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	out, err := s.processor.Process(pctx, n, false)
	cancel()

	if err != nil && retry.IsPermanent(err) {
		task, terr := newCreditTask(ev.EventID, n)
		if terr == nil {
			task.Attempt = 1
			s.dispatcher.DeadLetter(context.WithoutCancel(ctx), task, err)
			s.logger.Error("payment processing failed permanently",
				zap.String("event_id", ev.EventID.String()),
				zap.String("reference", n.Reference),
				zap.Error(err),
			)
			res.Outcome = OutcomeDeadLettered
			res.Detail = err.Error()
			webhookOutcomes.WithLabelValues(string(res.Outcome)).Inc()
			return res, nil
		}
	}

	if err != nil {
		task, terr := newCreditTask(ev.EventID, n)
		if terr == nil {
			terr = s.dispatcher.Schedule(task, 2)
		}
		if terr != nil && !errors.Is(terr, retry.ErrAlreadyScheduled) {
			s.logger.Error("failed to schedule retry",
				zap.String("event_id", ev.EventID.String()),
				zap.String("reference", n.Reference),
				zap.NamedError("cause", err),
				zap.Error(terr),
			)
			s.update(ctx, ev.EventID, domain.EventProcessing, 1, err.Error())
			webhookOutcomes.WithLabelValues("unavailable").Inc()
			return res, fmt.Errorf("%w: %v", ErrUnavailable, terr)
		}

		s.logger.Warn("payment processing deferred to retry",
			zap.String("event_id", ev.EventID.String()),
			zap.String("reference", n.Reference),
			zap.Error(err),
		)
		s.update(ctx, ev.EventID, domain.EventProcessing, 1, err.Error())
		res.Outcome = OutcomeDeferred
		res.Detail = err.Error()
		webhookOutcomes.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}

	s.update(ctx, ev.EventID, eventStatus(out.Outcome), 1, out.Detail)
	res.Outcome = out.Outcome
	res.Detail = out.Detail
	webhookOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (s *WebhookService) runCreditTask(ctx context.Context, task retry.Task) error {
	var ct creditTask
	if err := json.Unmarshal(task.Payload, &ct); err != nil {
		return retry.Permanent(fmt.Errorf("decode credit task: %w", err))
	}

	out, err := s.processor.Process(ctx, ct.Notification, true)
	if err != nil {
		s.update(ctx, ct.EventID, domain.EventProcessing, task.Attempt, err.Error())
		return err
	}
	s.update(ctx, ct.EventID, eventStatus(out.Outcome), task.Attempt, out.Detail)
	s.logger.Info("retried payment processed",
		zap.String("reference", ct.Notification.Reference),
		zap.String("outcome", string(out.Outcome)),
		zap.Int("attempt", task.Attempt),
	)
	return nil
}

// DeadLettered marks the originating webhook event once its credit task
// has given up.
func (s *WebhookService) DeadLettered(ctx context.Context, dl domain.DeadLetter) {
	if dl.Kind != TaskKindCredit {
		return
	}
	var ct creditTask
	if err := json.Unmarshal(dl.Payload, &ct); err != nil {
		return
	}
	detail := ""
	if n := len(dl.Failures); n > 0 {
		detail = dl.Failures[n-1].Error
	}
	s.update(ctx, ct.EventID, domain.EventDeadLettered, dl.Attempts, detail)
}

func (s *WebhookService) record(ctx context.Context, ev domain.WebhookEvent) {
	if err := s.events.RecordEvent(ctx, ev); err != nil {
		s.logger.Error("failed to record webhook event",
			zap.String("event_id", ev.EventID.String()),
			zap.Error(err),
		)
	}
}

func (s *WebhookService) update(ctx context.Context, id uuid.UUID, status domain.EventStatus, attempts int, detail string) {
	if id == uuid.Nil {
		return
	}
	if err := s.events.UpdateEvent(context.WithoutCancel(ctx), id, status, attempts, detail); err != nil {
		s.logger.Error("failed to update webhook event",
			zap.String("event_id", id.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func eventStatus(o Outcome) domain.EventStatus {
	switch o {
	case OutcomeApplied, OutcomeFailed, OutcomeIgnored:
		return domain.EventApplied
	case OutcomeDuplicate:
		return domain.EventDuplicate
	case OutcomeDeadLettered:
		return domain.EventDeadLettered
	default:
		return domain.EventRejected
	}
}
