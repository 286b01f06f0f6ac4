package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pilot-net/eventmon/pkg/types"
)

func TestParseSubCodes(t *testing.T) {
	tests := []struct {
		input  string
		want   []uint32
		wantOK bool
	}{
		{"41,42", []uint32{41, 42}, true},
		{" 41 , 42 ", []uint32{41, 42}, true},
		{"7", []uint32{7}, true},
		{"4294967295", []uint32{4294967295}, true},
		{"", nil, false},
		{"   ", nil, false},
		{"41,x", nil, false},
		{"-1", nil, false},
		{"4294967296", nil, false},
		{"41,,42", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseSubCodes(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ok: got %v, want %v", ok, tt.wantOK)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuerySQL(t *testing.T) {
	tests := []struct {
		name    string
		query   Query
		want    string
		wantErr bool
	}{
		{
			name:  "bounded",
			query: Query{StartDate: "2024-01-01", EndDate: "2024-01-05", DataType: 1, SubCodes: "41,42"},
			want: "SELECT id, origin, received_at, data_type, sub_code, data FROM event_data" +
				" WHERE data_type = 1 AND sub_code IN (41,42)" +
				" AND substr(received_at, 1, 10) >= '2024-01-01'" +
				" AND substr(received_at, 1, 10) <= '2024-01-05' ORDER BY id",
		},
		{
			name:  "open ended",
			query: Query{StartDate: "2024-03-10", DataType: 50, SubCodes: "3"},
			want: "SELECT id, origin, received_at, data_type, sub_code, data FROM event_data" +
				" WHERE data_type = 50 AND sub_code IN (3)" +
				" AND substr(received_at, 1, 10) >= '2024-03-10' ORDER BY id",
		},
		{
			name:  "invalid codes match nothing",
			query: Query{StartDate: "2024-03-10", DataType: 1, SubCodes: "41;42"},
			want: "SELECT id, origin, received_at, data_type, sub_code, data FROM event_data" +
				" WHERE data_type = 1 AND sub_code IN (NULL)" +
				" AND substr(received_at, 1, 10) >= '2024-03-10' ORDER BY id",
		},
		{name: "bad start", query: Query{StartDate: "10/03/2024", DataType: 1, SubCodes: "41"}, wantErr: true},
		{name: "empty start", query: Query{DataType: 1, SubCodes: "41"}, wantErr: true},
		{name: "bad end", query: Query{StartDate: "2024-03-10", EndDate: "tomorrow", DataType: 1, SubCodes: "41"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.query.SQL()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDate) {
					t.Fatalf("expected ErrInvalidDate, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got\n  %s\nwant\n  %s", got, tt.want)
			}
		})
	}
}

// fixedClock returns a clock that yields the given times in order and then
// keeps returning the last one.
func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func openSQLite(t *testing.T, opts ...Option) Conn {
	t.Helper()
	backend := NewSQLite(filepath.Join(t.TempDir(), "events", "event.db"), opts...)
	conn, err := backend.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSQLiteStoreQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 2, 14, 9, 30, 0, 0, time.Local)
	conn := openSQLite(t, WithClock(fixedClock(day)))

	packets := []*types.EventDataPacket{
		{DataType: 1, SubCode: 41, Data: []uint32{1, 2, 3}},
		{DataType: 1, SubCode: 42},
		{DataType: 50, SubCode: 41, Data: []uint32{9}},
		{DataType: 1, SubCode: 41, Data: []uint32{4294967295}},
	}
	for _, p := range packets {
		if err := conn.Store(ctx, "press-1", p); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	res, err := conn.Query(ctx, Query{StartDate: "2024-02-14", DataType: 1, SubCodes: "41,42"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(res.Records))
	}

	wantCodes := []uint32{41, 42, 41}
	for i, rec := range res.Records {
		if rec.SubCode != wantCodes[i] {
			t.Errorf("record %d: sub code %d, want %d", i, rec.SubCode, wantCodes[i])
		}
		if rec.Origin != "press-1" {
			t.Errorf("record %d: origin %q", i, rec.Origin)
		}
		if rec.Query != res.SQL {
			t.Errorf("record %d: query text does not match result SQL", i)
		}
		if rec.Timestamp != day.Format(time.RFC3339) {
			t.Errorf("record %d: timestamp %q", i, rec.Timestamp)
		}
		if i > 0 && rec.ID <= res.Records[i-1].ID {
			t.Errorf("records not in storage order: %d after %d", rec.ID, res.Records[i-1].ID)
		}
	}

	if !reflect.DeepEqual(res.Records[0].Data, []uint32{1, 2, 3}) {
		t.Errorf("payload: got %v", res.Records[0].Data)
	}
	if len(res.Records[1].Data) != 0 {
		t.Errorf("empty payload: got %v", res.Records[1].Data)
	}
	if res.Records[2].Data[0] != 4294967295 {
		t.Errorf("max u32 payload: got %v", res.Records[2].Data)
	}
}

func TestSQLiteQueryDateBounds(t *testing.T) {
	ctx := context.Background()
	days := []time.Time{
		time.Date(2023, 12, 31, 23, 59, 0, 0, time.Local),
		time.Date(2024, 1, 1, 0, 0, 1, 0, time.Local),
		time.Date(2024, 1, 3, 12, 0, 0, 0, time.Local),
		time.Date(2024, 1, 5, 23, 59, 59, 0, time.Local),
		time.Date(2024, 1, 6, 0, 0, 0, 0, time.Local),
	}
	conn := openSQLite(t, WithClock(fixedClock(days...)))

	for range days {
		if err := conn.Store(ctx, "plc", &types.EventDataPacket{DataType: 1, SubCode: 41}); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	t.Run("inclusive range", func(t *testing.T) {
		res, err := conn.Query(ctx, Query{StartDate: "2024-01-01", EndDate: "2024-01-05", DataType: 1, SubCodes: "41"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(res.Records) != 3 {
			t.Fatalf("expected 3 records, got %d", len(res.Records))
		}
		for i, want := range days[1:4] {
			if res.Records[i].Timestamp != want.Format(time.RFC3339) {
				t.Errorf("record %d: got %s, want %s", i, res.Records[i].Timestamp, want.Format(time.RFC3339))
			}
		}
	})

	t.Run("end excludes later days", func(t *testing.T) {
		res, err := conn.Query(ctx, Query{StartDate: "2024-01-01", EndDate: "2024-01-02", DataType: 1, SubCodes: "41"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(res.Records) != 1 || res.Records[0].Timestamp != days[1].Format(time.RFC3339) {
			t.Fatalf("expected only the 2024-01-01 record, got %+v", res.Records)
		}
	})

	t.Run("unbounded end", func(t *testing.T) {
		res, err := conn.Query(ctx, Query{StartDate: "2024-01-03", DataType: 1, SubCodes: "41"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(res.Records) != 3 {
			t.Fatalf("expected 3 records, got %d", len(res.Records))
		}
	})

	t.Run("invalid codes return nothing", func(t *testing.T) {
		res, err := conn.Query(ctx, Query{StartDate: "2023-01-01", DataType: 1, SubCodes: "forty-one"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(res.Records) != 0 {
			t.Fatalf("expected no records, got %d", len(res.Records))
		}
		if !strings.Contains(res.SQL, "IN (NULL)") {
			t.Errorf("expected IN (NULL) in %s", res.SQL)
		}
	})

	t.Run("invalid date", func(t *testing.T) {
		if _, err := conn.Query(ctx, Query{StartDate: "2024-13-01", DataType: 1, SubCodes: "41"}); !errors.Is(err, ErrInvalidDate) {
			t.Fatalf("expected ErrInvalidDate, got %v", err)
		}
	})
}

func TestSQLiteSeparateConnections(t *testing.T) {
	ctx := context.Background()
	backend := NewSQLite(filepath.Join(t.TempDir(), "event.db"))

	a, err := backend.Connect(ctx)
	if err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer a.Close()
	b, err := backend.Connect(ctx)
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer b.Close()

	if err := a.Store(ctx, "a", &types.EventDataPacket{DataType: 50, SubCode: 1}); err != nil {
		t.Fatalf("store a: %v", err)
	}
	if err := b.Store(ctx, "b", &types.EventDataPacket{DataType: 50, SubCode: 1}); err != nil {
		t.Fatalf("store b: %v", err)
	}

	res, err := a.Query(ctx, Query{StartDate: time.Now().Format(dateLayout), DataType: 50, SubCodes: "1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected rows from both connections, got %d", len(res.Records))
	}
}
