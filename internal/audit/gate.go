package audit

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GateState - состояние защелки доступности хранилища.
type GateState int32

const (
	GateEnabled GateState = iota
	GateDisabled
)

func (s GateState) String() string {
	if s == GateDisabled {
		return "DISABLED"
	}
	return "ENABLED"
}

// Gate - защелка ENABLED -> DISABLED. Обратного перехода нет:
// если таблицы аудита нет, нет смысла долбить базу до рестарта.
type Gate struct {
	state  atomic.Int32
	logger *zap.Logger

	// При длительной аварии не засоряем лог одинаковыми warning-ами
	transientLog rate.Sometimes
	onDisable    func()
}

func NewGate(logger *zap.Logger) *Gate {
	return &Gate{
		logger:       logger.Named("audit-gate"),
		transientLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

// Enabled - быстрая проверка, безопасна из любой горутины.
func (g *Gate) Enabled() bool {
	return GateState(g.state.Load()) == GateEnabled
}

func (g *Gate) State() GateState {
	return GateState(g.state.Load())
}

// Record классифицирует ошибку записи и, если нужно, закрывает защелку.
func (g *Gate) Record(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	kind := KindOf(err)
	switch kind {
	case KindSchemaMissing:
		// CAS гарантирует единственный переход и единственную запись в лог
		if g.state.CompareAndSwap(int32(GateEnabled), int32(GateDisabled)) {
			g.logger.Error("audit storage schema is missing, persistence disabled until restart",
				zap.Error(err))
			if g.onDisable != nil {
				g.onDisable()
			}
		}
	case KindConnectionTransient, KindPoolExhausted:
		g.transientLog.Do(func() {
			g.logger.Warn("audit storage temporarily unavailable, batch dropped",
				zap.String("kind", kind.String()),
				zap.Error(err))
		})
	default:
		// Fail open: неизвестная ошибка считается временной
		g.logger.Error("audit flush failed", zap.String("kind", kind.String()), zap.Error(err))
	}
	return kind
}
