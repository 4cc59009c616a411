// Package retry runs recoverable work as scheduled tasks with exponential
// backoff on a bounded worker pool. Tasks that exhaust their attempts, or fail
// permanently, are moved to a dead-letter store and never retried
// automatically.
package retry

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
)

var ErrAlreadyScheduled = errors.New("task already scheduled")

var (
	taskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_tasks_total",
		Help: "Dispatcher task attempts by kind and result",
	}, []string{"kind", "result"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "retry_queue_depth",
		Help: "Tasks scheduled or running in the dispatcher",
	})
)

// Task is a unit of retryable work. Attempt is the 1-based number of the
// attempt about to run; Failures is the history of earlier attempts.
type Task struct {
	ID       uuid.UUID        `json:"id"`
	Key      string           `json:"key"`
	Kind     string           `json:"kind"`
	Payload  json.RawMessage  `json:"payload"`
	Attempt  int              `json:"attempt"`
	NextAt   time.Time        `json:"next_at"`
	Failures []domain.Failure `json:"failures,omitempty"`
}

type Handler func(ctx context.Context, task Task) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Policy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = 5 * time.Minute
		if p.MaxDelay < p.BaseDelay {
			p.MaxDelay = p.BaseDelay
		}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 30 * time.Second
	}
	return p
}

// Delay is the wait after failed attempt n: min(base * 2^(n-1), max).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type DeadLetterStore interface {
	PutDeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

// DeadLetterListener is told about every task moved to the dead-letter store.
type DeadLetterListener interface {
	DeadLettered(ctx context.Context, dl domain.DeadLetter)
}

type Dispatcher struct {
	policy  Policy
	workers int
	dead    DeadLetterStore
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	queue     taskHeap
	keys      map[string]struct{}
	handlers  map[string]Handler
	listeners []DeadLetterListener
	wake      chan struct{}
}

func NewDispatcher(policy Policy, workers int, dead DeadLetterStore, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		policy:   policy.withDefaults(),
		workers:  workers,
		dead:     dead,
		logger:   logger,
		now:      time.Now,
		keys:     make(map[string]struct{}),
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

func (d *Dispatcher) Policy() Policy { return d.policy }

func (d *Dispatcher) Register(kind string, h Handler) {
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
}

func (d *Dispatcher) OnDeadLetter(l DeadLetterListener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

// Schedule queues task to run as attempt number attempt. Attempts after the
// first wait Delay(attempt-1) unless task.NextAt is set. At most one task per
// Key is scheduled or running at a time.
func (d *Dispatcher) Schedule(task Task, attempt int) error {
	if task.Key == "" || task.Kind == "" {
		return fmt.Errorf("schedule: task key and kind are required")
	}
	if attempt < 1 {
		attempt = 1
	}
	task.Attempt = attempt
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.NextAt.IsZero() {
		task.NextAt = d.now()
		if attempt > 1 {
			task.NextAt = task.NextAt.Add(d.policy.Delay(attempt - 1))
		}
	}

	d.mu.Lock()
	if _, ok := d.keys[task.Key]; ok {
		d.mu.Unlock()
		return ErrAlreadyScheduled
	}
	d.keys[task.Key] = struct{}{}
	heap.Push(&d.queue, &task)
	queueDepth.Set(float64(len(d.keys)))
	d.mu.Unlock()

	d.signal()
	return nil
}

// Pending reports whether a task with key is scheduled or running.
func (d *Dispatcher) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.keys[key]
	return ok
}

func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run executes due tasks on at most workers goroutines until ctx is done,
// then waits for in-flight attempts to finish. Tasks still queued at
// shutdown are dropped; the stuck-payment sweeper picks their payments up
// again after restart.
func (d *Dispatcher) Run(ctx context.Context) error {
	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	d.logger.Info("retry dispatcher started",
		zap.Int("workers", d.workers),
		zap.Int("max_attempts", d.policy.MaxAttempts),
		zap.Duration("base_delay", d.policy.BaseDelay),
		zap.Duration("max_delay", d.policy.MaxDelay),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sem <- struct{}{}:
		}

		task, wait := d.next()
		if task == nil {
			<-sem
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-d.wake:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}

		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer func() { <-sem }()
			d.execute(ctx, t)
		}(*task)
	}
}

// next pops the earliest due task, or reports how long until one is due.
func (d *Dispatcher) next() (*Task, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, time.Minute
	}
	if wait := d.queue[0].NextAt.Sub(d.now()); wait > 0 {
		return nil, wait
	}
	return heap.Pop(&d.queue).(*Task), 0
}

func (d *Dispatcher) execute(ctx context.Context, task Task) {
	d.mu.Lock()
	h := d.handlers[task.Kind]
	d.mu.Unlock()

	base := context.WithoutCancel(ctx)

	if h == nil {
		d.deadLetter(base, task, fmt.Errorf("no handler registered for kind %q", task.Kind))
		d.forget(task.Key)
		return
	}
	if task.Attempt > d.policy.MaxAttempts {
		d.deadLetter(base, task, fmt.Errorf("attempt %d exceeds limit of %d", task.Attempt, d.policy.MaxAttempts))
		d.forget(task.Key)
		return
	}

	actx, cancel := context.WithTimeout(base, d.policy.AttemptTimeout)
	err := h(actx, task)
	cancel()

	if err == nil {
		taskResults.WithLabelValues(task.Kind, "succeeded").Inc()
		d.forget(task.Key)
		return
	}

	task.Failures = append(task.Failures, domain.Failure{Attempt: task.Attempt, Error: err.Error(), At: d.now().UTC()})
	if IsPermanent(err) || task.Attempt >= d.policy.MaxAttempts {
		d.deadLetter(base, task, nil)
		d.forget(task.Key)
		return
	}

	delay := d.policy.Delay(task.Attempt)
	d.logger.Warn("task attempt failed, retry scheduled",
		zap.String("task_key", task.Key),
		zap.String("kind", task.Kind),
		zap.Int("attempt", task.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	taskResults.WithLabelValues(task.Kind, "retried").Inc()

	task.Attempt++
	task.NextAt = d.now().Add(delay)
	d.mu.Lock()
	heap.Push(&d.queue, &task)
	d.mu.Unlock()
	d.signal()
}

// DeadLetter moves a task whose attempt ran outside the dispatcher straight
// to the dead-letter store, recording err as that attempt's failure. It does
// not touch tasks queued under the same key.
func (d *Dispatcher) DeadLetter(ctx context.Context, task Task, err error) domain.DeadLetter {
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.Failures = append(task.Failures, domain.Failure{Attempt: task.Attempt, Error: err.Error(), At: d.now().UTC()})
	return d.deadLetter(ctx, task, nil)
}

// deadLetter persists task with its failure history. reason, when set, is
// recorded as a final failure for tasks that never reached a handler.
func (d *Dispatcher) deadLetter(ctx context.Context, task Task, reason error) domain.DeadLetter {
	attempts := task.Attempt
	if reason != nil {
		task.Failures = append(task.Failures, domain.Failure{Attempt: task.Attempt, Error: reason.Error(), At: d.now().UTC()})
		attempts = task.Attempt - 1
	}

	dl := domain.DeadLetter{
		ID:        uuid.New(),
		TaskKey:   task.Key,
		Kind:      task.Kind,
		Payload:   task.Payload,
		Attempts:  attempts,
		Failures:  task.Failures,
		CreatedAt: d.now().UTC(),
	}

	if d.dead != nil {
		if err := d.dead.PutDeadLetter(ctx, dl); err != nil {
			d.logger.Error("failed to persist dead letter",
				zap.String("task_key", task.Key),
				zap.String("kind", task.Kind),
				zap.Error(err),
			)
		}
	}
	taskResults.WithLabelValues(task.Kind, "dead_lettered").Inc()

	d.logger.Error("task moved to dead-letter store",
		zap.String("dead_letter_id", dl.ID.String()),
		zap.String("task_key", task.Key),
		zap.String("kind", task.Kind),
		zap.Int("attempts", dl.Attempts),
	)

	d.mu.Lock()
	listeners := append([]DeadLetterListener(nil), d.listeners...)
	d.mu.Unlock()
	for _, l := range listeners {
		l.DeadLettered(ctx, dl)
	}
	return dl
}

func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	delete(d.keys, key)
	queueDepth.Set(float64(len(d.keys)))
	d.mu.Unlock()
}

type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].NextAt.Before(h[j].NextAt) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
