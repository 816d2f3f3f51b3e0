package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sidethreads/internal/thread"
)

// ErrNotFound совпадает с thread.ErrNotFound, чтобы сервис проверял errors.Is без знания о pgx.
var ErrNotFound = thread.ErrNotFound

const pgForeignKeyViolation = "23503"

// notFound переводит отсутствие строки и нарушение FK (нет треда) в ErrNotFound.
func notFound(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
