package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/eventmon/db/migrate"
	"github.com/pilot-net/eventmon/pkg/types"
)

// Postgres is a Backend storing events in PostgreSQL. Every Connect dials a
// dedicated pgx.Conn; there is no pool.
type Postgres struct {
	url  string
	opts options
}

// NewPostgres returns a backend for the given connection URL.
func NewPostgres(url string, opts ...Option) *Postgres {
	return &Postgres{url: url, opts: buildOptions(opts)}
}

// Name implements Backend.
func (p *Postgres) Name() string { return "postgres" }

// Migrate applies pending schema migrations.
func (p *Postgres) Migrate(ctx context.Context, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, p.url)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer conn.Close(context.Background())

	return migrate.Run(ctx, conn, logger)
}

// MigrationStatus reports the schema version and the event tables.
func (p *Postgres) MigrationStatus(ctx context.Context) (*migrate.Status, error) {
	conn, err := pgx.Connect(ctx, p.url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	defer conn.Close(context.Background())

	return migrate.GetStatus(ctx, conn)
}

// RollbackMigration reverts the most recent migration.
func (p *Postgres) RollbackMigration(ctx context.Context, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, p.url)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer conn.Close(context.Background())

	return migrate.Rollback(ctx, conn, logger)
}

// Connect implements Backend.
func (p *Postgres) Connect(ctx context.Context) (Conn, error) {
	conn, err := pgx.Connect(ctx, p.url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &pgConn{conn: conn, now: p.opts.now}, nil
}

type pgConn struct {
	conn *pgx.Conn
	now  func() time.Time
}

func (c *pgConn) Store(ctx context.Context, origin string, p *types.EventDataPacket) error {
	payload, err := encodePayload(p.Data)
	if err != nil {
		return err
	}
	_, err = c.conn.Exec(ctx, `
		INSERT INTO event_data (origin, received_at, data_type, sub_code, data)
		VALUES ($1, $2, $3, $4, $5)
	`, origin, c.now().Format(time.RFC3339), int64(p.DataType), int64(p.SubCode), payload)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (c *pgConn) Query(ctx context.Context, q Query) (*Result, error) {
	query, err := q.SQL()
	if err != nil {
		return nil, err
	}

	r, err := c.conn.Query(ctx, query)
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

func (c *pgConn) Close() error {
	return c.conn.Close(context.Background())
}
