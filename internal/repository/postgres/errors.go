package postgres

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xela07ax/catalog-audit/internal/audit"
)

// ClassifyError переводит ошибку драйвера в *audit.PersistError.
// Класс выбирается по SQLSTATE и типу ошибки, а не по тексту сообщения.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	return audit.NewPersistError(errorKind(err), err)
}

// classifyAcquireError: дедлайн ожидания соединения - пул исчерпан,
// ошибка установки нового соединения - обычная транзиентная.
func classifyAcquireError(err error) error {
	var connErr *pgconn.ConnectError
	if !errors.As(err, &connErr) && errors.Is(err, context.DeadlineExceeded) {
		return audit.NewPersistError(audit.KindPoolExhausted, err)
	}
	return ClassifyError(err)
}

func errorKind(err error) audit.ErrorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UndefinedTable, pgErr.Code == pgerrcode.InvalidSchemaName:
			return audit.KindSchemaMissing
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CrashShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow,
			pgErr.Code == pgerrcode.TooManyConnections:
			return audit.KindConnectionTransient
		}
		return audit.KindUnknown
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr),
		errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		pgconn.Timeout(err),
		pgconn.SafeToRetry(err):
		return audit.KindConnectionTransient
	}
	return audit.KindUnknown
}
