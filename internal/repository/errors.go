package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAttemptExists = errors.New("attempt already recorded for this quiz and student")
	ErrStateConflict = errors.New("session is not in an expected state")
	ErrResultExists  = errors.New("result already stored for this session")
	ErrInvalidReason = errors.New("termination reason outside the closed set")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
