// Package downtime reconstructs machine downtime windows from stored
// downtime start/end events.
//
// Controllers report a downtime start (sub-code 41) and a downtime end
// (sub-code 42) as special frames (data type 1). Nothing is persisted here:
// a report is computed on demand from an event query.
package downtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pilot-net/eventmon/internal/codec"
	"github.com/pilot-net/eventmon/internal/store"
	"github.com/pilot-net/eventmon/pkg/types"
)

// DetectionDelay is added to every window: a machine has always been down
// for a minute before the controller reports it.
const DetectionDelay = 60 * time.Second

// Reconstruct pairs each downtime start with the next downtime end. The scan
// resumes after the matched end; a start with no later end is dropped.
func Reconstruct(packets []types.StoredPacket) []types.DowntimeRecord {
	var records []types.DowntimeRecord

	for i := 0; i < len(packets); i++ {
		if packets[i].SubCode != codec.CodeDowntimeStart {
			continue
		}
		for j := i + 1; j < len(packets); j++ {
			if packets[j].SubCode != codec.CodeDowntimeEnd {
				continue
			}
			records = append(records, types.DowntimeRecord{
				Start:    packets[i].Timestamp,
				End:      packets[j].Timestamp,
				Duration: Duration(packets[i].Timestamp, packets[j].Timestamp),
			})
			i = j
			break
		}
	}

	return records
}

// Duration returns the seconds between two RFC3339 timestamps plus the
// detection delay, or 0 if either does not parse.
func Duration(start, end string) int64 {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return 0
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return 0
	}
	return int64(e.Sub(s)/time.Second) + int64(DetectionDelay/time.Second)
}

// FormatDuration renders seconds as "{h}h {m}m {s}s".
func FormatDuration(seconds int64) string {
	h := seconds / 3600
	seconds %= 3600
	return fmt.Sprintf("%dh %dm %ds", h, seconds/60, seconds%60)
}

// Total sums the durations of all records.
func Total(records []types.DowntimeRecord) int64 {
	var total int64
	for _, r := range records {
		total += r.Duration
	}
	return total
}

// =============================================================================
// DATE RANGES
// =============================================================================

// Range is a named reporting period. Weeks start on Monday.
type Range string

const (
	Today     Range = "today"
	Yesterday Range = "yesterday"
	ThisWeek  Range = "this_week"
	LastWeek  Range = "last_week"
)

// ParseRange accepts the range names case-insensitively; "" means Today.
func ParseRange(s string) (Range, error) {
	switch r := Range(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return Today, nil
	case Today, Yesterday, ThisWeek, LastWeek:
		return r, nil
	default:
		return "", fmt.Errorf("unknown range %q (want today, yesterday, this_week or last_week)", s)
	}
}

// Dates returns the inclusive start and end dates (YYYY-MM-DD) of the range
// relative to now's local calendar day. An empty end means up to the present.
func (r Range) Dates(now time.Time) (start, end string) {
	const layout = "2006-01-02"

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	// time.Weekday counts from Sunday.
	weekStart := today.AddDate(0, 0, -((int(today.Weekday()) + 6) % 7))

	switch r {
	case Yesterday:
		y := today.AddDate(0, 0, -1)
		return y.Format(layout), y.Format(layout)
	case ThisWeek:
		return weekStart.Format(layout), ""
	case LastWeek:
		return weekStart.AddDate(0, 0, -7).Format(layout), weekStart.AddDate(0, 0, -1).Format(layout)
	default:
		return today.Format(layout), ""
	}
}

// =============================================================================
// REPORT
// =============================================================================

// Report is a reconstructed downtime listing for one range.
type Report struct {
	Range         Range                  `json:"range"`
	StartDate     string                 `json:"start_date"`
	EndDate       string                 `json:"end_date,omitempty"`
	SQL           string                 `json:"sql"`
	Records       []types.DowntimeRecord `json:"records"`
	TotalSeconds  int64                  `json:"total_seconds"`
	TotalReadable string                 `json:"total"`
}

// Build queries the special-frame downtime events of the range and
// reconstructs the windows. It opens and closes its own connection.
func Build(ctx context.Context, backend store.Backend, r Range, now time.Time) (*Report, error) {
	start, end := r.Dates(now)

	conn, err := backend.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to event store: %w", err)
	}
	defer conn.Close()

	res, err := conn.Query(ctx, store.Query{
		StartDate: start,
		EndDate:   end,
		DataType:  codec.TypeSpecial,
		SubCodes:  fmt.Sprintf("%d,%d", codec.CodeDowntimeStart, codec.CodeDowntimeEnd),
	})
	if err != nil {
		return nil, fmt.Errorf("querying downtime events: %w", err)
	}

	records := Reconstruct(res.Records)
	if records == nil {
		records = []types.DowntimeRecord{}
	}
	total := Total(records)

	return &Report{
		Range:         r,
		StartDate:     start,
		EndDate:       end,
		SQL:           res.SQL,
		Records:       records,
		TotalSeconds:  total,
		TotalReadable: FormatDuration(total),
	}, nil
}
