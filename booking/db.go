// Package booking is the relational store behind the booking tools: hotel
// reservations and flight tickets. Changes never delete rows; the old record
// is moved to a terminal cancelled status and a new record is created in the
// same transaction.
package booking

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no active record matches.
var ErrNotFound = errors.New("booking not found")

// Record statuses.
const (
	StatusBooked    = "booked"
	StatusOpen      = "open"
	StatusCancelled = "cancelled"
)

// Store wraps the booking database. Safe for concurrent use.
type Store struct {
	db *sql.DB

	// Fresh identifiers for new records. Replaced in tests.
	newReservationID func() int64
	newTicketNumber  func() string
}

// Open opens (creating if needed) the SQLite database at path and applies
// migrations. Write transactions take the database lock up front
// (_txlock=immediate) so concurrent changes to one record serialize.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:               db,
		newReservationID: randomReservationID,
		newTicketNumber:  randomTicketNumber,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func randomReservationID() int64 {
	return 100000 + rand.Int64N(900000)
}

func randomTicketNumber() string {
	return strconv.FormatInt(1000000000+rand.Int64N(9000000000), 10)
}

// classifyWriteError maps driver errors raised inside a change transaction.
// Lock contention and unique collisions are retryable conflicts.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %w", shared.ErrStorageConflict, err)
	}
	return err
}
