package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the row store. Driver is "sqlite" or "postgres"; the DSN
// is a file path for sqlite and a connection string for postgres.
func Open(driver, dsn string) (*sql.DB, error) {
	var db *sql.DB
	var err error

	switch driver {
	case "sqlite":
		db, err = sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
		if err == nil {
			// sqlite serializes writers; a single connection avoids
			// SQLITE_BUSY under concurrent unit completions.
			db.SetMaxOpenConns(1)
		}
	case "postgres":
		db, err = sql.Open("postgres", dsn)
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	return db, nil
}
