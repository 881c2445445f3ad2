package audit

/*
Файл batcher.go - накопитель событий аудита и планировщик сброса.

- Non-blocking: Log никогда не ждет БД. Под мьютексом только append и подмена буфера.
- Dual trigger: сброс сразу при BatchSize, иначе через FlushDelay после ПОСЛЕДНЕГО
  события (debounce: каждый Log перезапускает таймер). MaxDeferral ограничивает,
  сколько может ждать самое старое событие; 0 - чистый debounce.
- Ordering: снятые батчи уходят в канал единственного writer-а, поэтому порядок
  записи совпадает с порядком срабатывания триггеров, а запись идет параллельно
  с накоплением следующего батча.
- At-most-once: упавший батч не возвращается в буфер (опционально уходит в DeadLetter).
*/

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	DefaultBatchSize    = 10
	DefaultFlushDelay   = 5 * time.Second
	DefaultQueueSize    = 64
	triggerSize         = "size"
	triggerTimer        = "timer"
	triggerDrain        = "drain"
	dropReasonGate      = "gate_disabled"
	dropReasonClosed    = "closed"
	dropReasonQueueFull = "queue_full"
	dropReasonFailed    = "flush_failed"
)

// Store - хранилище журнала. Одна пакетная вставка, без ретраев внутри.
// Ошибки должны приходить как *PersistError, иначе считаются KindUnknown.
type Store interface {
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

// DeadLetter - необязательный приемник батчей, которые не удалось записать.
type DeadLetter interface {
	Push(ctx context.Context, events []AuditEvent) error
}

// Auditor - то, что нужно интерсептору от сервиса аудита.
type Auditor interface {
	Log(event AuditEvent)
	Enabled() bool
}

type Config struct {
	BatchSize    int
	FlushDelay   time.Duration
	MaxDeferral  time.Duration // 0 - без ограничения
	WriteTimeout time.Duration // 0 - без дедлайна на запись
	QueueSize    int           // сколько снятых батчей может ждать writer
}

type Option func(*Batcher)

// WithClock подменяет часы (в тестах - FakeClock).
func WithClock(c clock.WithDelayedExecution) Option {
	return func(b *Batcher) { b.clock = c }
}

func WithDeadLetter(dl DeadLetter) Option {
	return func(b *Batcher) { b.deadLetter = dl }
}

func WithMetrics(m *Metrics) Option {
	return func(b *Batcher) { b.metrics = m }
}

type Batcher struct {
	cfg        Config
	store      Store
	deadLetter DeadLetter
	gate       *Gate
	clock      clock.WithDelayedExecution
	metrics    *Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	pending []AuditEvent
	timer   clock.Timer
	gen     uint64    // поколение таймера: устаревший callback ничего не делает
	firstAt time.Time // когда в текущий батч попало первое событие
	closed  bool

	batches   chan []AuditEvent
	startOnce sync.Once
	drainOnce sync.Once
	done      chan struct{}
}

func NewBatcher(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxDeferral < 0 {
		cfg.MaxDeferral = 0
	}

	b := &Batcher{
		cfg:     cfg,
		store:   store,
		clock:   clock.RealClock{},
		logger:  logger.With(zap.String("mod", "audit-batcher")),
		pending: make([]AuditEvent, 0, cfg.BatchSize),
		batches: make(chan []AuditEvent, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = NewMetrics(nil)
	}

	b.gate = NewGate(logger)
	b.gate.onDisable = func() { b.metrics.GateState.Set(1) }
	return b
}

// Start запускает writer. Повторный вызов ничего не делает.
func (b *Batcher) Start() {
	b.startOnce.Do(func() {
		go b.writer()
	})
}

// Enabled - false после фатальной ошибки хранилища. Интерсептор по нему
// выходит раньше, не тратя время на сборку события.
func (b *Batcher) Enabled() bool {
	return b.gate.Enabled()
}

func (b *Batcher) Gate() *Gate {
	return b.gate
}

// Pending - размер открытого батча.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Log добавляет событие в батч. Никогда не блокируется на I/O.
func (b *Batcher) Log(event AuditEvent) {
	if !b.gate.Enabled() {
		b.metrics.EventsDropped.WithLabelValues(dropReasonGate).Inc()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.metrics.EventsDropped.WithLabelValues(dropReasonClosed).Inc()
		b.logger.Warn("audit event dropped: batcher is draining", zap.String("id", event.ID))
		return
	}

	if len(b.pending) == 0 {
		b.firstAt = b.clock.Now()
	}
	b.pending = append(b.pending, event)
	b.metrics.EventsCaptured.Inc()

	// 1. Size trigger вытесняет таймерный сброс
	if len(b.pending) >= b.cfg.BatchSize {
		b.stopTimerLocked()
		b.enqueueLocked(b.swapLocked(), triggerSize)
		return
	}

	// 2. Debounce: старый таймер отменяем, ставим новый
	b.stopTimerLocked()
	b.scheduleLocked()
	b.metrics.PendingEvents.Set(float64(len(b.pending)))
}

// Drain - хук graceful shutdown. Сбрасывает остаток (если gate открыт)
// и ждет, пока writer допишет всё, что уже в очереди.
func (b *Batcher) Drain(ctx context.Context) error {
	// Writer мог быть не запущен - без него финальная отправка в канал может повиснуть
	b.Start()

	b.drainOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.stopTimerLocked()
		var final []AuditEvent
		if b.gate.Enabled() {
			final = b.swapLocked()
		} else {
			// Закрытое хранилище: не тратим вызов, который снова упадет
			b.pending = nil
			b.metrics.PendingEvents.Set(0)
		}
		b.mu.Unlock()

		// closed=true - других отправителей в канал больше не будет
		if len(final) > 0 {
			// Очередь может быть забита зависшей записью: ждем не дольше ctx
			select {
			case b.batches <- final:
				b.metrics.Flushes.WithLabelValues(triggerDrain).Inc()
			case <-ctx.Done():
				b.metrics.EventsDropped.WithLabelValues(dropReasonClosed).Add(float64(len(final)))
			}
		}
		close(b.batches)
	})

	select {
	case <-b.done:
		b.logger.Info("audit batcher drained")
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("audit drain interrupted"), ctx.Err())
	}
}

func (b *Batcher) scheduleLocked() {
	delay := b.cfg.FlushDelay
	if b.cfg.MaxDeferral > 0 {
		if left := b.firstAt.Add(b.cfg.MaxDeferral).Sub(b.clock.Now()); left < delay {
			delay = max(left, 0)
		}
	}

	b.gen++
	gen := b.gen
	// FakeClock вызывает callback под своей блокировкой, поэтому сразу уходим в горутину:
	// onTimer берет b.mu, а Log держит b.mu и трогает часы.
	b.timer = b.clock.AfterFunc(delay, func() { go b.onTimer(gen) })
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

func (b *Batcher) onTimer(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen || b.closed {
		return
	}
	b.timer = nil
	b.enqueueLocked(b.swapLocked(), triggerTimer)
}

// swapLocked атомарно (под b.mu) отдает текущий батч и ставит пустой.
func (b *Batcher) swapLocked() []AuditEvent {
	batch := b.pending
	b.pending = make([]AuditEvent, 0, b.cfg.BatchSize)
	b.firstAt = time.Time{}
	b.metrics.PendingEvents.Set(0)
	return batch
}

// enqueueLocked передает батч writer-у. Отправка неблокирующая:
// при переполненной очереди батч теряется (Load Shedding), запрос не ждет.
func (b *Batcher) enqueueLocked(batch []AuditEvent, trigger string) {
	if len(batch) == 0 {
		return
	}
	select {
	case b.batches <- batch:
		b.metrics.Flushes.WithLabelValues(trigger).Inc()
	default:
		b.metrics.EventsDropped.WithLabelValues(dropReasonQueueFull).Add(float64(len(batch)))
		b.logger.Error("audit_queue_overflow",
			zap.String("trigger", trigger),
			zap.Int("batch_size", len(batch)))
	}
}

func (b *Batcher) writer() {
	defer close(b.done)
	for batch := range b.batches {
		b.flush(batch)
	}
	b.logger.Info("audit writer finished")
}

func (b *Batcher) flush(batch []AuditEvent) {
	if !b.gate.Enabled() {
		b.metrics.EventsDropped.WithLabelValues(dropReasonGate).Add(float64(len(batch)))
		return
	}

	// Используем Background, так как контекст запроса давно завершен
	ctx := context.Background()
	if b.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.WriteTimeout)
		defer cancel()
	}

	start := time.Now()
	err := b.store.WriteBatch(ctx, batch)
	b.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	b.metrics.BatchSize.Observe(float64(len(batch)))

	if err == nil {
		b.metrics.EventsPersisted.Add(float64(len(batch)))
		b.logger.Debug("audit batch persisted", zap.Int("count", len(batch)))
		return
	}

	kind := b.gate.Record(err)
	b.metrics.FlushFailures.WithLabelValues(kind.String()).Inc()
	b.metrics.EventsDropped.WithLabelValues(dropReasonFailed).Add(float64(len(batch)))

	// Схемы нет - спулить бессмысленно, replay упадет так же
	if kind == KindSchemaMissing || b.deadLetter == nil {
		return
	}
	if dlErr := b.deadLetter.Push(context.Background(), batch); dlErr != nil {
		b.logger.Warn("dead-letter push failed, batch lost",
			zap.Int("count", len(batch)),
			zap.Error(dlErr))
	}
}
