// Package sqlite implements storage.Store on SQLite via the ncruces
// pure-Go driver. Write transactions use immediate lock acquisition
// (_txlock=immediate) so writers queue on the database lock instead of
// failing mid-transaction, and every connection runs with foreign keys
// enforced.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/jclem/work/internal/storage"
)

// Store implements storage.Store.
type Store struct {
	db     *sql.DB
	notify storage.Notifier
}

// Open opens (creating if needed) the database at path and applies the
// schema. The returned store is safe for concurrent use.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_txlock": {"immediate"},
		"_pragma": {
			"busy_timeout(10000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetNotifier installs the entity-changed callback.
func (s *Store) SetNotifier(n storage.Notifier) {
	s.notify = n
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// notifyChanged fires the notifier after a successful commit. Safe when
// no notifier is installed.
func (s *Store) notifyChanged(kind, id string) {
	if s.notify != nil && id != "" {
		s.notify(kind, id)
	}
}

// withTx runs fn inside one immediate transaction, rolling back on error
// or panic. Provider calls must never happen inside fn.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// timeText serializes a timestamp as stored in the database.
func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp, tolerating second precision.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullTime converts an optional timestamp column.
func nullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
