package database

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
)

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// ConvertPlaceholders rewrites PostgreSQL-style $n placeholders to ? for
// drivers that need it. Queries are written in PostgreSQL format throughout
// the repositories.
func ConvertPlaceholders(query string) string {
	if IsPostgres() {
		return query
	}
	result := placeholderPattern.ReplaceAllString(query, "?")
	// MySQL has no ILIKE; its default collation compares case-insensitively.
	result = strings.ReplaceAll(result, " ILIKE ", " LIKE ")
	result = strings.ReplaceAll(result, " ilike ", " LIKE ")
	return result
}

// IsUniqueViolation reports whether err is a duplicate-key rejection from
// any supported driver. The ingestion pipeline relies on this as the
// authoritative idempotency guard: pre-check-then-insert is race-prone, the
// constraint is not.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
