// Package shutdown runs named cleanup steps in reverse registration order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Manager struct {
	timeout time.Duration
	logger  *zap.Logger
	mu      sync.Mutex
	funcs   []shutdownFunc
}

type shutdownFunc struct {
	name string
	fn   func(context.Context) error
}

func New(timeout time.Duration, logger *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Manager{timeout: timeout, logger: logger}
}

// Add registers fn. Steps run last-registered first, so a dependency added
// early is closed after everything that uses it.
func (m *Manager) Add(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, shutdownFunc{name: name, fn: fn})
}

// Shutdown runs every step, each with its own timeout, and returns the
// joined errors. Registered steps are consumed.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	funcs := m.funcs
	m.funcs = nil
	m.mu.Unlock()

	m.logger.Info("starting graceful shutdown", zap.Int("steps", len(funcs)))

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		f := funcs[i]
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		start := time.Now()
		err := f.fn(ctx)
		cancel()

		if err != nil {
			m.logger.Error("shutdown step failed",
				zap.String("name", f.name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		m.logger.Info("shutdown step completed",
			zap.String("name", f.name),
			zap.Duration("duration", time.Since(start)),
		)
	}
	m.logger.Info("graceful shutdown completed")
	return errors.Join(errs...)
}

func ShutdownHTTPServer(srv interface {
	Shutdown(context.Context) error
}) func(context.Context) error {
	return func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}
}

func ClosePool(pool interface{ Close() }) func(context.Context) error {
	return func(context.Context) error {
		pool.Close()
		return nil
	}
}

func CloseWithError(c interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return c.Close()
	}
}
