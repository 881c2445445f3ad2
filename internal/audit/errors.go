package audit

import (
	"errors"
	"fmt"
)

// ErrorKind - закрытый список классов отказа хранилища.
// Адаптер хранилища сам решает, к какому классу относится ошибка драйвера.
type ErrorKind int

const (
	KindUnknown             ErrorKind = iota
	KindSchemaMissing                 // таблицы/схемы нет - фатально до конца жизни процесса
	KindConnectionTransient           // соединение оборвалось
	KindPoolExhausted                 // не дождались соединения из пула
)

func (k ErrorKind) String() string {
	switch k {
	case KindSchemaMissing:
		return "schema_missing"
	case KindConnectionTransient:
		return "connection_transient"
	case KindPoolExhausted:
		return "pool_exhausted"
	default:
		return "unknown"
	}
}

// PersistError - типизированная ошибка записи, которую возвращает Store.
type PersistError struct {
	Kind  ErrorKind
	Cause error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("audit persist failed (%s): %v", e.Kind, e.Cause)
}

func (e *PersistError) Unwrap() error {
	return e.Cause
}

// NewPersistError оборачивает ошибку драйвера в класс.
func NewPersistError(kind ErrorKind, cause error) error {
	return &PersistError{Kind: kind, Cause: cause}
}

// KindOf достает класс из цепочки ошибок. Всё нераспознанное - KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *PersistError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}
