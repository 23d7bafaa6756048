// ABOUTME: SQLite-backed change-tracking store for vulnerabilities and remediations.
// ABOUTME: Owns the single write lock, schema setup, and timestamp encoding shared by all tables.

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/jfeddern/VulnLedger/internal/payload"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout sorts lexicographically, so MAX(last_updated) is the latest write.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store persists current state, history, flattened elements and the sync ledger.
//
// Every mutating call holds mu exclusively for its whole duration and commits
// one transaction; reads share mu.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *logrus.Entry
	now    func() time.Time
}

// Open creates or opens the database at path, applies the schema, and
// backfills flattened elements for rows written before they existed.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has one writer; a single connection also keeps pragmas in effect
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.WithField("component", "store"),
		now:    time.Now,
	}

	if err := s.backfillElements(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	// Rows written by other tools may carry plain RFC 3339 or naive ISO timestamps
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

type runIDKey struct{}

// WithRunID tags store calls made with ctx so their ledger rows share a run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run id attached by WithRunID, or "".
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// textColumn maps a payload field to a TEXT column: strings as-is, missing or
// null as NULL, anything else as canonical JSON.
func textColumn(obj payload.Object, key string) any {
	switch v := obj[key].(type) {
	case nil, payload.Null:
		return nil
	case payload.String:
		return string(v)
	default:
		text, err := payload.CanonicalString(v)
		if err != nil {
			return nil
		}
		return text
	}
}

func realColumn(obj payload.Object, key string) any {
	if f, ok := obj.Num(key); ok {
		return f
	}
	return nil
}

func boolColumn(obj payload.Object, key string) any {
	if b, ok := obj[key].(payload.Bool); ok {
		return bool(b)
	}
	return nil
}
