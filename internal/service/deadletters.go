package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/smscredit/internal/domain"
	"github.com/punchamoorthee/smscredit/internal/retry"
)

var ErrAlreadyReplayed = errors.New("dead letter already replayed")

type DeadLetterStore interface {
	GetDeadLetter(ctx context.Context, id uuid.UUID) (domain.DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	MarkReplayed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

type DeadLetterService struct {
	store      DeadLetterStore
	dispatcher Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

func NewDeadLetterService(store DeadLetterStore, dispatcher Dispatcher, logger *zap.Logger) *DeadLetterService {
	return &DeadLetterService{store: store, dispatcher: dispatcher, logger: logger, now: time.Now}
}

func (s *DeadLetterService) List(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListDeadLetters(ctx, limit)
}

// Replay schedules the dead-lettered work again as a fresh first attempt.
// The task re-enters through the same handler, so a credit is still
// guarded against double application.
func (s *DeadLetterService) Replay(ctx context.Context, id uuid.UUID) (domain.DeadLetter, error) {
	dl, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return domain.DeadLetter{}, err
	}
	if dl.ReplayedAt != nil {
		return dl, ErrAlreadyReplayed
	}

	task := retry.Task{Key: dl.TaskKey, Kind: dl.Kind, Payload: dl.Payload}
	if err := s.dispatcher.Schedule(task, 1); err != nil {
		return dl, fmt.Errorf("schedule replay: %w", err)
	}

	at := s.now().UTC()
	ok, err := s.store.MarkReplayed(ctx, id, at)
	if err != nil {
		return dl, fmt.Errorf("mark replayed: %w", err)
	}
	if !ok {
		return dl, ErrAlreadyReplayed
	}
	dl.ReplayedAt = &at

	s.logger.Info("dead letter replayed",
		zap.String("dead_letter_id", id.String()),
		zap.String("task_key", dl.TaskKey),
		zap.String("kind", dl.Kind),
		zap.Int("attempts", dl.Attempts),
	)
	return dl, nil
}
