// Package lock serializes balance mutations per user with leased,
// fenced locks over a swappable backend.
package lock

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	ErrBusy        = errors.New("lock busy")
	ErrHeld        = errors.New("lock held by another owner")
	ErrUnavailable = errors.New("lock backend unavailable")
	ErrLeaseLost   = errors.New("lock lease lost")
)

var (
	acquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_acquisitions_total",
		Help: "Lock acquisition results",
	}, []string{"result"})

	acquireWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lock_acquire_wait_seconds",
		Help:    "Time spent acquiring a lock, including contention backoff",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
	})
)

// Handle is a leased ownership token over a resource key. FencingToken
// strictly increases per key across acquisitions. Local handles carry no
// token; serialization comes from the database row lock instead.
type Handle struct {
	ResourceKey  string        `json:"resource_key"`
	FencingToken int64         `json:"fencing_token"`
	AcquiredAt   time.Time     `json:"acquired_at"`
	TTL          time.Duration `json:"ttl"`
	Local        bool          `json:"local"`
}

func (h Handle) ExpiresAt() time.Time {
	return h.AcquiredAt.Add(h.TTL)
}

// Locker is the contract every balance mutator depends on.
type Locker interface {
	Acquire(ctx context.Context, resourceKey string, ttl time.Duration) (Handle, error)
	Renew(ctx context.Context, h Handle) (Handle, error)
	Release(ctx context.Context, h Handle) error
}

// Backend is a single-attempt lock store. TryAcquire returns ErrHeld when
// another owner holds a live lease, and errors wrapping ErrUnavailable when
// the store cannot be reached.
type Backend interface {
	TryAcquire(ctx context.Context, resourceKey string, ttl time.Duration) (Handle, error)
	Renew(ctx context.Context, h Handle) (Handle, error)
	Release(ctx context.Context, h Handle) error
	Holds(ctx context.Context, h Handle) (bool, error)
}

type Options struct {
	Attempts        int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	RowLockFallback bool
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 20 * time.Millisecond
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = 10 * o.BaseDelay
	}
	return o
}

// Manager implements Locker on top of a Backend, adding bounded retry with
// jitter on contention. A nil backend behaves as permanently unavailable.
type Manager struct {
	backend Backend
	opts    Options
	logger  *zap.Logger
}

func NewManager(backend Backend, opts Options, logger *zap.Logger) *Manager {
	return &Manager{backend: backend, opts: opts.withDefaults(), logger: logger}
}

func (m *Manager) Acquire(ctx context.Context, resourceKey string, ttl time.Duration) (Handle, error) {
	if m.backend == nil {
		return Handle{}, ErrUnavailable
	}
	timer := prometheus.NewTimer(acquireWait)
	defer timer.ObserveDuration()

	delay := m.opts.BaseDelay
	for attempt := 1; ; attempt++ {
		h, err := m.backend.TryAcquire(ctx, resourceKey, ttl)
		if err == nil {
			acquisitions.WithLabelValues("acquired").Inc()
			return h, nil
		}
		if !errors.Is(err, ErrHeld) {
			acquisitions.WithLabelValues("error").Inc()
			return Handle{}, err
		}
		if attempt >= m.opts.Attempts {
			acquisitions.WithLabelValues("busy").Inc()
			return Handle{}, ErrBusy
		}

		// Sleep somewhere in [delay/2, delay] so contenders spread out.
		half := int64(delay / 2)
		wait := time.Duration(half + rand.Int63n(half+1))
		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > m.opts.MaxDelay {
			delay = m.opts.MaxDelay
		}
	}
}

func (m *Manager) Renew(ctx context.Context, h Handle) (Handle, error) {
	if h.Local {
		return h, nil
	}
	if m.backend == nil {
		return Handle{}, ErrUnavailable
	}
	return m.backend.Renew(ctx, h)
}

func (m *Manager) Release(ctx context.Context, h Handle) error {
	if h.Local || m.backend == nil {
		return nil
	}
	return m.backend.Release(ctx, h)
}

// Check returns ErrLeaseLost when h is no longer the live holder of its key.
func (m *Manager) Check(ctx context.Context, h Handle) error {
	if h.Local {
		return nil
	}
	if m.backend == nil {
		return ErrUnavailable
	}
	ok, err := m.backend.Holds(ctx, h)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Hold acquires resourceKey and keeps the lease renewed until Release.
// With RowLockFallback set, an unreachable backend yields a local lease.
func (m *Manager) Hold(ctx context.Context, resourceKey string, ttl time.Duration) (*Lease, error) {
	h, err := m.Acquire(ctx, resourceKey, ttl)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) || !m.opts.RowLockFallback {
			return nil, err
		}
		acquisitions.WithLabelValues("row_lock_fallback").Inc()
		if m.backend != nil {
			m.logger.Warn("lock backend unavailable, falling back to row lock",
				zap.String("resource_key", resourceKey),
				zap.Error(err),
			)
		}
		h = Handle{ResourceKey: resourceKey, AcquiredAt: time.Now(), TTL: ttl, Local: true}
	}

	l := &Lease{m: m, handle: h, stop: make(chan struct{}), done: make(chan struct{})}
	if h.Local {
		close(l.done)
		return l, nil
	}
	go l.renewLoop(ttl / 3)
	return l, nil
}

// Lease is a held lock that is renewed in the background.
type Lease struct {
	m      *Manager
	mu     sync.Mutex
	handle Handle
	err    error
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (l *Lease) Handle() Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}

// Err reports why renewal stopped early, if it did.
func (l *Lease) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = l.m.Release(ctx, l.Handle())
	})
	return err
}

func (l *Lease) renewLoop(interval time.Duration) {
	defer close(l.done)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			h, err := l.m.Renew(ctx, l.Handle())
			cancel()
			l.mu.Lock()
			if err != nil {
				l.err = err
				l.mu.Unlock()
				l.m.logger.Warn("lock renewal failed",
					zap.String("resource_key", l.handle.ResourceKey),
					zap.Int64("fencing_token", l.handle.FencingToken),
					zap.Error(err),
				)
				return
			}
			l.handle = h
			l.mu.Unlock()
		}
	}
}
