package db

import (
	"errors"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrConflict reports a write that collides with existing state the
	// caller asked for explicitly, such as renaming onto a taken name.
	// Races between concurrent creates are retried, never reported.
	ErrConflict = errors.New("conflict on create")

	// ErrInvariantViolation marks storage states that should be impossible,
	// such as a verification number being issued twice.
	ErrInvariantViolation = errors.New("invariant violation")
)

const (
	mysqlDuplicateEntry  = 1062
	postgresUniqueReason = "23505"
)

// IsUniqueViolation reports whether err was caused by a unique or primary
// key constraint on any of the supported databases.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == postgresUniqueReason
	}

	// The pure-Go SQLite driver does not export a typed constraint error.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsNotFound reports whether err is gorm's record-not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
