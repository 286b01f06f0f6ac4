// Package ingest runs the TCP side of a configured server: a Listener that
// binds and accepts, and one worker per accepted controller connection.
//
// # Design
//
// Nothing in this package owns server status. Listeners and workers describe
// what happened through a Reporter callback and the supervisor turns those
// events into status snapshots. A Reporter must never block.
//
// Shutdown is cooperative through the context passed to Run. A worker blocked
// in a read is woken by expiring its read deadline. Abort is the forced path:
// it closes the listening socket and every live connection.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/pilot-net/eventmon/pkg/types"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventKind identifies what a listener or worker observed.
type EventKind int

const (
	EventBinding      EventKind = iota // bind attempt starting
	EventBindFailed                    // bind attempt failed
	EventListening                     // bound, accepting
	EventConnected                     // a controller connected
	EventDisconnected                  // the last live connection ended
	EventFrame                         // a read delivered data
	EventIdle                          // no data for one idle period
)

func (k EventKind) String() string {
	switch k {
	case EventBinding:
		return "binding"
	case EventBindFailed:
		return "bind_failed"
	case EventListening:
		return "listening"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFrame:
		return "frame"
	case EventIdle:
		return "idle"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one observation reported by a listener or worker.
type Event struct {
	Kind EventKind
	Peer types.PeerAddr // EventConnected
	At   time.Time      // EventFrame: when the read completed
	Err  error          // EventBindFailed
}

// Reporter receives events. Implementations must not block.
type Reporter func(Event)

// =============================================================================
// OPTIONS
// =============================================================================

// BindPolicy decides what a listener does when its address cannot be bound.
type BindPolicy string

const (
	// BindRetry retries after BindRetryDelay until shut down.
	BindRetry BindPolicy = "retry"
	// BindOnce gives up after the first failed attempt.
	BindOnce BindPolicy = "once"
)

// ParseBindPolicy accepts "retry" or "once"; "" means retry.
func ParseBindPolicy(s string) (BindPolicy, error) {
	switch p := BindPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return BindRetry, nil
	case BindRetry, BindOnce:
		return p, nil
	default:
		return "", fmt.Errorf("invalid bind policy %q (want retry or once)", s)
	}
}

// Options tunes a listener and its workers.
type Options struct {
	BindPolicy     BindPolicy
	BindRetryDelay time.Duration
	IdleTimeout    time.Duration // read inactivity before an idle event
	WriteTimeout   time.Duration // ACK write deadline
	StoreTimeout   time.Duration // per-insert deadline, independent of shutdown
	ReadBufferSize int
	AcceptRate     float64 // accepted connections per second; 0 disables the limit
	AcceptBurst    int
	StrictStore    bool // close the connection when an insert fails
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		BindPolicy:     BindRetry,
		BindRetryDelay: 10 * time.Second,
		IdleTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Second,
		StoreTimeout:   10 * time.Second,
		ReadBufferSize: 512,
		AcceptBurst:    1,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BindPolicy == "" {
		o.BindPolicy = d.BindPolicy
	}
	if o.BindRetryDelay <= 0 {
		o.BindRetryDelay = d.BindRetryDelay
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = d.ReadBufferSize
	}
	if o.AcceptBurst <= 0 {
		o.AcceptBurst = d.AcceptBurst
	}
	return o
}
