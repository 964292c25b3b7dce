package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/srg/blelog/internal/record"

	_ "modernc.org/sqlite"
)

// SQLiteSink appends records as rows of a SQLite table. Each Append is a
// single committed INSERT.
type SQLiteSink struct {
	mu        sync.Mutex
	db        *sql.DB
	delimiter string
	closed    bool
}

// OpenSQLite opens or creates the database at path and records the column
// names once, on first creation.
func OpenSQLite(path string, header []string, delimiter string) (*SQLiteSink, error) {
	if delimiter == "" {
		delimiter = record.DefaultDelimiter
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db, delimiter: delimiter}
	if err := s.ensureSchema(context.Background(), header); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) ensureSchema(ctx context.Context, header []string) error {
	const ddl = `
PRAGMA synchronous = FULL;
CREATE TABLE IF NOT EXISTS records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  sample_index INTEGER NOT NULL,
  timestamp TEXT NOT NULL,
  fields TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS record_columns (
  position INTEGER PRIMARY KEY,
  name TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create records table: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_columns`).Scan(&n); err != nil {
		return fmt.Errorf("read record columns: %w", err)
	}
	if n > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin header insert: %w", err)
	}
	for i, name := range header {
		if _, err := tx.ExecContext(ctx, `INSERT INTO record_columns (position, name) VALUES (?, ?)`, i, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert record column %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record columns: %w", err)
	}
	return nil
}

// Append inserts rec as one row
func (s *SQLiteSink) Append(rec record.Stamped) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &WriteError{Index: rec.Index, Err: ErrClosed}
	}

	const stmt = `INSERT INTO records (sample_index, timestamp, fields) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(context.Background(), stmt,
		int64(rec.Index),
		rec.Timestamp.Format(time.RFC3339Nano),
		strings.Join(rec.Fields(), s.delimiter),
	)
	if err != nil {
		return &WriteError{Index: rec.Index, Err: err}
	}
	return nil
}

// Close closes the database. It is safe to call more than once.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
