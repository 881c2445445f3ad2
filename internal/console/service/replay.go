package service

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/catalog-audit/internal/audit"
)

// Spool - очередь батчей, не записанных батчером (repository/spool).
type Spool interface {
	Pop(ctx context.Context) ([]audit.AuditEvent, error)
	Requeue(ctx context.Context, events []audit.AuditEvent) error
	Len(ctx context.Context) (int64, error)
}

type ReplayResult struct {
	Batches   int   `json:"batches"`
	Events    int   `json:"events"`
	Remaining int64 `json:"remaining"`
}

// ReplayService дописывает в хранилище батчи из dead-letter спула.
// Вставка идемпотентна по ID, поэтому повтор уже записанного батча безопасен.
type ReplayService struct {
	spool    Spool
	store    audit.Store
	logger   *zap.Logger
	attempts uint
	delay    time.Duration
}

func NewReplayService(spool Spool, store audit.Store, logger *zap.Logger) *ReplayService {
	return &ReplayService{
		spool:    spool,
		store:    store,
		logger:   logger.Named("replay"),
		attempts: 3,
		delay:    500 * time.Millisecond,
	}
}

// WithRetry меняет политику повторов (в тестах - без задержек).
func (s *ReplayService) WithRetry(attempts uint, delay time.Duration) *ReplayService {
	s.attempts = attempts
	s.delay = delay
	return s
}

// Run выгребает спул, пока он не опустеет или не наберется maxBatches (0 - без лимита).
// Батч, который так и не записался, возвращается в спул, и Run останавливается.
func (s *ReplayService) Run(ctx context.Context, maxBatches int) (ReplayResult, error) {
	var res ReplayResult

	for maxBatches <= 0 || res.Batches < maxBatches {
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, res), err
		}

		batch, err := s.spool.Pop(ctx)
		if err != nil {
			return s.finish(ctx, res), err
		}
		if batch == nil {
			break
		}

		if err := s.write(ctx, batch); err != nil {
			if qErr := s.spool.Requeue(context.WithoutCancel(ctx), batch); qErr != nil {
				s.logger.Error("failed to requeue batch, events lost",
					zap.Int("count", len(batch)), zap.Error(qErr))
			}
			return s.finish(ctx, res), fmt.Errorf("replay: write batch: %w", err)
		}

		res.Batches++
		res.Events += len(batch)
		s.logger.Info("batch replayed", zap.Int("count", len(batch)))
	}
	return s.finish(ctx, res), nil
}

func (s *ReplayService) write(ctx context.Context, batch []audit.AuditEvent) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.BackOffDelay),
		// Схемы нет - повторять бессмысленно
		retry.RetryIf(func(err error) bool {
			return audit.KindOf(err) != audit.KindSchemaMissing
		}),
	)
	return r.Do(func() error {
		return s.store.WriteBatch(ctx, batch)
	})
}

func (s *ReplayService) finish(ctx context.Context, res ReplayResult) ReplayResult {
	n, err := s.spool.Len(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Warn("failed to read spool length", zap.Error(err))
		return res
	}
	res.Remaining = n
	return res
}
