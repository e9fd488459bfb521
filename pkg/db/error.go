package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDuplicateDatabase    = "42P04"
	pgDuplicateObject      = "42710"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, pgUniqueViolation) {
		return true
	}

	msg := err.Error()
	// MySQL 1062, SQLite 2067
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "Error 1062") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsAlreadyExistsErr reports whether a CREATE DATABASE or CREATE ROLE hit an existing object.
func IsAlreadyExistsErr(err error) bool {
	if err == nil {
		return false
	}
	if hasPGCode(err, pgDuplicateDatabase) || hasPGCode(err, pgDuplicateObject) {
		return true
	}
	msg := err.Error()
	// MySQL 1007 database exists, 1396 user exists
	return strings.Contains(msg, "Error 1007") || strings.Contains(msg, "Error 1396")
}

func IsLockNotAvailableErr(err error) bool {
	return hasPGCode(err, pgLockNotAvailable)
}

func IsSerializationErr(err error) bool {
	return hasPGCode(err, pgSerializationFailure)
}

// hasPGCode checks both drivers: pgx backs gorm, lib/pq backs the
// provisioning admin connection.
func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}
