// Package callstore implements component I's CallSink: fire-and-forget
// persistence of observed calls, backed by Postgres in production and by
// embedded SQLite for local development and tests, selected by DSN
// scheme.
package callstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const insertTimeout = 5 * time.Second

// Store is a CallSink backed by database/sql. The driver (and therefore
// the DDL/placeholder dialect) is chosen once at Open time from the DSN
// scheme.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger

	wg sync.WaitGroup
}

// Open opens a Store for dsn. A "postgres://" or "postgresql://" scheme
// (and the "pgx://" alias) selects the Postgres backend via
// github.com/jackc/pgx/v5/stdlib; anything else, including "sqlite://" or
// a bare file path, selects modernc.org/sqlite.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	driver, connStr := parseDSN(dsn)

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("opening call store (%s): %w", driver, err)
	}

	if driver == "pgx" {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		// Embedded SQLite: a single writer avoids SQLITE_BUSY under
		// concurrent inserts.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging call store (%s): %w", driver, err)
	}

	s := &Store{db: db, driver: driver, logger: logger.With("subsystem", "callstore")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func parseDSN(dsn string) (driver, connStr string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn
	case strings.HasPrefix(dsn, "pgx://"):
		return "pgx", "postgres://" + strings.TrimPrefix(dsn, "pgx://")
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite", dsn
	}
}

func (s *Store) migrate() error {
	var ddl string
	if s.driver == "pgx" {
		ddl = `CREATE TABLE IF NOT EXISTS calls (
			id BIGSERIAL PRIMARY KEY,
			number TEXT NOT NULL,
			brand TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
	} else {
		ddl = `CREATE TABLE IF NOT EXISTS calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			number TEXT NOT NULL,
			brand TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("creating calls table: %w", err)
	}
	return nil
}

// RecordCall normalizes number, then inserts it (and brand, if present) in
// a background goroutine, so F and H's observers never block on storage.
// Matches the original Python's number.replace(' ', '').upper() before
// insertion.
func (s *Store) RecordCall(number string, brand *string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		normalized := strings.ToUpper(strings.ReplaceAll(number, " ", ""))

		var brandArg any
		if brand != nil {
			brandArg = *brand
		}

		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()

		if _, err := s.db.ExecContext(ctx, s.insertQuery(), normalized, brandArg); err != nil {
			s.logger.Error("failed to record call", "error", err, "number", normalized)
			return
		}
		s.logger.Info("call recorded", "number", normalized, "brand", brand)

		if s.driver == "pgx" {
			s.notify(ctx, normalized, brand)
		}
	}()
}

func (s *Store) insertQuery() string {
	if s.driver == "pgx" {
		return "INSERT INTO calls (number, brand) VALUES ($1, $2)"
	}
	return "INSERT INTO calls (number, brand) VALUES (?, ?)"
}

// notify broadcasts the new call on a Postgres channel, so external live
// consumers (the dashboard, out of scope here) can LISTEN for it instead
// of polling the table.
func (s *Store) notify(ctx context.Context, number string, brand *string) {
	payload := number
	if brand != nil {
		payload = number + "|" + *brand
	}
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify('mithra_calls', $1)", payload); err != nil {
		s.logger.Warn("failed to notify call", "error", err)
	}
}

// Close waits (up to ctx's deadline) for in-flight inserts to finish
// before closing the underlying connection pool, so a shutdown never
// silently drops a call record that was already being written.
func (s *Store) Close(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for in-flight call records to finish")
	}

	return s.db.Close()
}
