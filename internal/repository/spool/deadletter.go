package spool

/*
Файл deadletter.go - спул батчей, которые не удалось записать в Postgres.

- Best effort: список ограничен по длине (LTRIM), старые батчи вытесняются.
- Circuit Breaker: если Redis тоже лежит, writer батчера не ждет таймауты на каждом батче.
- Порядок: LPUSH в голову, RPOP с хвоста - replay идет от старых к новым.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/catalog-audit/internal/audit"
)

const DefaultMaxLen = 10000

type DeadLetterSpool struct {
	rdb    redis.UniversalClient
	key    string
	maxLen int64
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

func NewDeadLetterSpool(rdb redis.UniversalClient, key string, maxLen int64, logger *zap.Logger) *DeadLetterSpool {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	l := logger.With(zap.String("mod", "dead-letter"))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "audit-dead-letter",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second, // Через сколько пробуем снова писать в Redis
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &DeadLetterSpool{rdb: rdb, key: key, maxLen: maxLen, cb: cb, logger: l}
}

// Push кладет батч в голову списка. Реализует audit.DeadLetter.
func (s *DeadLetterSpool) Push(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("dead-letter: marshal batch: %w", err)
	}

	_, err = s.cb.Execute(func() (interface{}, error) {
		pipe := s.rdb.TxPipeline()
		pipe.LPush(ctx, s.key, data)
		pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("dead-letter: push: %w", err)
	}
	s.logger.Info("batch spooled", zap.Int("count", len(events)))
	return nil
}

// Requeue возвращает батч в хвост, чтобы он снова был следующим на replay.
func (s *DeadLetterSpool) Requeue(ctx context.Context, events []audit.AuditEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("dead-letter: marshal batch: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("dead-letter: requeue: %w", err)
	}
	return nil
}

// Pop достает самый старый батч. Пустой спул - (nil, nil).
func (s *DeadLetterSpool) Pop(ctx context.Context) ([]audit.AuditEvent, error) {
	data, err := s.rdb.RPop(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dead-letter: pop: %w", err)
	}

	// UseNumber: payload хранит числа как json.Number, иначе большие id округлятся
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var events []audit.AuditEvent
	if err := dec.Decode(&events); err != nil {
		// Битую запись не возвращаем: иначе replay зациклится на ней
		s.logger.Error("corrupted dead-letter entry dropped", zap.Error(err))
		return nil, fmt.Errorf("dead-letter: decode batch: %w", err)
	}
	return events, nil
}

func (s *DeadLetterSpool) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("dead-letter: len: %w", err)
	}
	return n, nil
}
