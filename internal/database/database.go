package database

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config carries the connection settings for the active driver.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var (
	driverMu     sync.RWMutex
	activeDriver = "postgres"
)

// Open connects using the configured driver and records it for placeholder
// conversion.
func Open(cfg Config) (*sql.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "postgres"
	}
	switch driver {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	driverMu.Lock()
	activeDriver = driver
	driverMu.Unlock()
	return db, nil
}

// ActiveDriver returns the driver recorded by the last successful Open.
func ActiveDriver() string {
	driverMu.RLock()
	defer driverMu.RUnlock()
	return activeDriver
}

// IsPostgres reports whether the active driver speaks $n placeholders
// natively.
func IsPostgres() bool {
	return ActiveDriver() == "postgres"
}
