// Package store persists decoded packets and queries them back.
//
// # Design
//
// Every ingest connection opens its own Conn (no pooling) and relies on the
// database's own locking for concurrent writers. Two backends implement
// Backend: SQLite (default, single local file) and PostgreSQL via pgx.
//
// # Queries
//
// Query values are validated and inlined into the SQL text, so the text
// returned alongside the records is exactly the statement that ran. Dates
// are compared against the local calendar date the record was stored on,
// which is the first ten characters of its RFC3339 timestamp.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/eventmon/pkg/types"
)

// ErrInvalidDate is returned when a query date is not YYYY-MM-DD.
var ErrInvalidDate = errors.New("invalid date")

const dateLayout = "2006-01-02"

// Backend opens connections to an event database.
type Backend interface {
	// Connect opens a new, unshared connection.
	Connect(ctx context.Context) (Conn, error)

	// Name identifies the backend in logs.
	Name() string
}

// Conn is one database connection.
type Conn interface {
	// Store inserts one packet stamped with the current local time.
	Store(ctx context.Context, origin string, p *types.EventDataPacket) error

	// Query returns matching records in storage order.
	Query(ctx context.Context, q Query) (*Result, error)

	Close() error
}

// Query selects stored packets by date range, data type and sub-codes.
type Query struct {
	StartDate string // YYYY-MM-DD, inclusive
	EndDate   string // YYYY-MM-DD, inclusive; empty means up to the present
	DataType  uint32
	SubCodes  string // comma-separated, e.g. "41,42"
}

// Result holds query results and the SQL that produced them.
type Result struct {
	Records []types.StoredPacket `json:"records"`
	SQL     string               `json:"sql"`
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to timestamp stored packets.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ParseSubCodes parses a comma-separated list of non-negative integers.
// It returns ok=false for an empty list or if any element is invalid.
func ParseSubCodes(s string) ([]uint32, bool) {
	if strings.TrimSpace(s) == "" {
		return nil, false
	}
	parts := strings.Split(s, ",")
	codes := make([]uint32, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, false
		}
		codes = append(codes, uint32(n))
	}
	return codes, true
}

// inClause renders the IN list. An invalid list yields IN (NULL), which
// matches no row on either backend.
func inClause(subCodes string) string {
	codes, ok := ParseSubCodes(subCodes)
	if !ok {
		return "IN (NULL)"
	}
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = strconv.FormatUint(uint64(c), 10)
	}
	return "IN (" + strings.Join(parts, ",") + ")"
}

func normalizeDate(s string) (string, error) {
	d, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return d.Format(dateLayout), nil
}

// SQL renders the query. Both backends run the same text.
func (q Query) SQL() (string, error) {
	start, err := normalizeDate(q.StartDate)
	if err != nil {
		return "", fmt.Errorf("start date: %w", err)
	}

	var b strings.Builder
	b.WriteString("SELECT id, origin, received_at, data_type, sub_code, data FROM event_data")
	fmt.Fprintf(&b, " WHERE data_type = %d", q.DataType)
	b.WriteString(" AND sub_code " + inClause(q.SubCodes))
	fmt.Fprintf(&b, " AND substr(received_at, 1, 10) >= '%s'", start)

	if strings.TrimSpace(q.EndDate) != "" {
		end, err := normalizeDate(q.EndDate)
		if err != nil {
			return "", fmt.Errorf("end date: %w", err)
		}
		fmt.Fprintf(&b, " AND substr(received_at, 1, 10) <= '%s'", end)
	}

	b.WriteString(" ORDER BY id")
	return b.String(), nil
}

// encodePayload serializes payload words as a JSON array text.
func encodePayload(data []uint32) (string, error) {
	if data == nil {
		data = []uint32{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return string(b), nil
}

// rows is satisfied by both *sql.Rows and pgx.Rows.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanRecords(r rows, query string) ([]types.StoredPacket, error) {
	var records []types.StoredPacket
	for r.Next() {
		var (
			rec      types.StoredPacket
			dataType int64
			subCode  int64
			payload  string
		)
		if err := r.Scan(&rec.ID, &rec.Origin, &rec.Timestamp, &dataType, &subCode, &payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		rec.DataType = uint32(dataType)
		rec.SubCode = uint32(subCode)
		if err := json.Unmarshal([]byte(payload), &rec.Data); err != nil {
			return nil, fmt.Errorf("decoding payload of event %d: %w", rec.ID, err)
		}
		rec.Query = query
		records = append(records, rec)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return records, nil
}
