// Package testutil provides testing utilities and fixtures for eventmon.
//
// This package contains:
//   - Test loggers
//   - Fixture factories for domain types (server entries, stored packets)
//   - Loopback address helpers for listener tests
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	entry := testutil.FixtureServerEntry()
//	entry := testutil.FixtureServerEntry(func(e *types.ServerEntry) {
//		e.Name = "press-7"
//		e.Autostart = true
//	})
package testutil

import (
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/pilot-net/eventmon/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a debug logger that writes to stderr.
// Use for debugging test failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// =============================================================================
// SERVER FIXTURES
// =============================================================================

// FixtureServerEntry creates a loopback server entry with a fresh id.
// The port is a placeholder; use FreePort when the entry will be bound.
func FixtureServerEntry(overrides ...func(*types.ServerEntry)) types.ServerEntry {
	id := types.NewServerID()
	entry := types.ServerEntry{
		ID:        id,
		Name:      "plc-" + string(id[:8]),
		IPAddress: "127.0.0.1",
		Port:      5000,
	}

	for _, override := range overrides {
		override(&entry)
	}

	return entry
}

// FixtureBoundEntry creates a server entry on a free loopback port.
func FixtureBoundEntry(t *testing.T, overrides ...func(*types.ServerEntry)) types.ServerEntry {
	t.Helper()
	port := FreePort(t)
	return FixtureServerEntry(append([]func(*types.ServerEntry){
		func(e *types.ServerEntry) { e.Port = port },
	}, overrides...)...)
}

// FreePort returns a loopback TCP port that was free a moment ago.
func FreePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return uint16(n)
}

// =============================================================================
// PACKET FIXTURES
// =============================================================================

// FixtureStoredPacket creates a stored special frame.
func FixtureStoredPacket(subCode uint32, at time.Time, overrides ...func(*types.StoredPacket)) types.StoredPacket {
	p := types.StoredPacket{
		Origin:    "plc-test",
		Timestamp: at.Format(time.RFC3339),
		DataType:  1,
		SubCode:   subCode,
		Data:      []uint32{},
	}

	for _, override := range overrides {
		override(&p)
	}

	return p
}

// FixtureDowntimeEvents builds one stored packet per sub-code, spaced a
// minute apart starting at start, with ids in order.
func FixtureDowntimeEvents(start time.Time, subCodes ...uint32) []types.StoredPacket {
	packets := make([]types.StoredPacket, len(subCodes))
	for i, code := range subCodes {
		packets[i] = FixtureStoredPacket(code, start.Add(time.Duration(i)*time.Minute), func(p *types.StoredPacket) {
			p.ID = int64(i + 1)
		})
	}
	return packets
}
