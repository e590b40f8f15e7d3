package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const (
	defaultPageSize = 200

	// pgUniqueViolation is the SQLSTATE for unique_violation.
	pgUniqueViolation = "23505"
)

// Store provides database-backed accessors for subscriptions, the token
// ledger, purchases and the webhook delivery log.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

func nullString(value sql.NullString) string {
	if !value.Valid {
		return ""
	}
	return value.String
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > defaultPageSize {
		return defaultPageSize
	}
	return limit
}
