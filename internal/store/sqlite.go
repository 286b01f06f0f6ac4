package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pilot-net/eventmon/pkg/types"
)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS event_data (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	origin TEXT NOT NULL,
	received_at TEXT NOT NULL,
	data_type INTEGER NOT NULL,
	sub_code INTEGER NOT NULL,
	data TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_event_data_type_code ON event_data (data_type, sub_code)`,
}

// SQLite is a Backend storing events in a local SQLite file.
type SQLite struct {
	path string
	opts options
}

// NewSQLite returns a backend for the database file at path. The file and
// its schema are created on first connect.
func NewSQLite(path string, opts ...Option) *SQLite {
	return &SQLite{path: path, opts: buildOptions(opts)}
}

// Name implements Backend.
func (s *SQLite) Name() string { return "sqlite" }

// Connect implements Backend. Each call opens a dedicated single-connection handle.
func (s *SQLite) Connect(ctx context.Context) (Conn, error) {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set event db journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set event db busy timeout: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize event schema: %w", err)
		}
	}

	return &sqliteConn{db: db, now: s.opts.now}, nil
}

type sqliteConn struct {
	db  *sql.DB
	now func() time.Time
}

func (c *sqliteConn) Store(ctx context.Context, origin string, p *types.EventDataPacket) error {
	payload, err := encodePayload(p.Data)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO event_data (origin, received_at, data_type, sub_code, data)
		VALUES (?, ?, ?, ?, ?)
	`, origin, c.now().Format(time.RFC3339), int64(p.DataType), int64(p.SubCode), payload)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (c *sqliteConn) Query(ctx context.Context, q Query) (*Result, error) {
	query, err := q.SQL()
	if err != nil {
		return nil, err
	}

	r, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer r.Close()

	records, err := scanRecords(r, query)
	if err != nil {
		return nil, err
	}
	return &Result{Records: records, SQL: query}, nil
}

func (c *sqliteConn) Close() error {
	return c.db.Close()
}
