package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/retry"
	"github.com/punchamoorthee/smscredit/internal/webhook"
)

type StuckFinder interface {
	Stuck(ctx context.Context, window time.Duration, limit int) ([]domain.PaymentRecord, error)
}

type OpenDeadLetters interface {
	HasOpenDeadLetter(ctx context.Context, key string) (bool, error)
}

// Sweeper re-drives payments left in verifying by a crash or a dropped
// retry. Records with a scheduled task or an open dead letter are skipped.
type Sweeper struct {
	stuck      StuckFinder
	dead       OpenDeadLetters
	dispatcher Dispatcher
	window     time.Duration
	interval   time.Duration
	batch      int
	logger     *zap.Logger
}

func NewSweeper(stuck StuckFinder, dead OpenDeadLetters, dispatcher Dispatcher, window, interval time.Duration, logger *zap.Logger) *Sweeper {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		stuck:      stuck,
		dead:       dead,
		dispatcher: dispatcher,
		window:     window,
		interval:   interval,
		batch:      100,
		logger:     logger,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("stuck payment sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce schedules one retry per eligible stuck payment and returns how
// many it scheduled.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	recs, err := s.stuck.Stuck(ctx, s.window, s.batch)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, rec := range recs {
		if s.dispatcher.Pending(rec.Reference) {
			continue
		}
		open, err := s.dead.HasOpenDeadLetter(ctx, rec.Reference)
		if err != nil {
			return scheduled, err
		}
		if open {
			continue
		}

		task, err := newCreditTask(uuid.Nil, webhook.Notification{
			EventType: "sweeper.retry",
			Reference: rec.Reference,
			Amount:    rec.Amount,
			Currency:  rec.Currency,
			RawStatus: "succeeded",
			Status:    webhook.StatusSucceeded,
			UserID:    rec.UserID,
		})
		if err != nil {
			return scheduled, err
		}
		task.NextAt = time.Now()
		err = s.dispatcher.Schedule(task, rec.AttemptCount+1)
		if errors.Is(err, retry.ErrAlreadyScheduled) {
			continue
		}
		if err != nil {
			return scheduled, err
		}
		scheduled++
		s.logger.Warn("stuck payment rescheduled",
			zap.String("reference", rec.Reference),
			zap.String("user_id", rec.UserID),
			zap.Int("attempt", rec.AttemptCount+1),
			zap.Time("updated_at", rec.UpdatedAt),
		)
	}
	return scheduled, nil
}
