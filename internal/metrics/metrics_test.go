package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pilot-net/eventmon/internal/store"
)

func TestIngestCounters(t *testing.T) {
	m := NewIngest()

	m.FrameReceived("press")
	m.FrameReceived("press")
	m.FrameStored("press")
	m.FrameMalformed("press")
	m.ConnectionOpened("press")
	m.ConnectionOpened("press")
	m.ConnectionClosed("press")

	if got := testutil.ToFloat64(m.framesReceived.WithLabelValues("press")); got != 2 {
		t.Errorf("frames received: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.framesStored.WithLabelValues("press")); got != 1 {
		t.Errorf("frames stored: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connections.WithLabelValues("press")); got != 1 {
		t.Errorf("open connections: got %v, want 1", got)
	}
}

func TestServerState(t *testing.T) {
	m := NewIngest()

	m.SetServerState("press", true, true, false)
	if got := testutil.ToFloat64(m.serverConnected.WithLabelValues("press")); got != 1 {
		t.Errorf("connected: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.serverAlive.WithLabelValues("press")); got != 0 {
		t.Errorf("alive: got %v, want 0", got)
	}

	m.ForgetServer("press")
	if n := testutil.CollectAndCount(m.serverRunning); n != 0 {
		t.Errorf("expected no running series after forget, got %d", n)
	}
}

func TestNilIngestIsSafe(t *testing.T) {
	var m *Ingest
	m.FrameReceived("x")
	m.StoreFailed("x")
	m.BindFailed("x")
	m.SetServerState("x", true, true, true)
	m.ForgetServer("x")
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}

func TestHandler(t *testing.T) {
	m := NewIngest()
	m.BindFailed("press")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `eventmon_bind_failures_total{server="press"} 1`) {
		t.Errorf("bind failure counter missing from exposition:\n%s", body)
	}
}

func TestCollectorHealth(t *testing.T) {
	backend := store.NewSQLite(filepath.Join(t.TempDir(), "event.db"))
	c := NewCollector(backend)

	h := c.Health(context.Background())
	if h.Goroutines == 0 {
		t.Error("expected goroutine count")
	}
	if !h.DatabaseOK || h.Database != "sqlite" {
		t.Errorf("expected healthy sqlite, got %+v", h)
	}

	again := c.Health(context.Background())
	if !again.Timestamp.Equal(h.Timestamp) {
		t.Error("expected cached result on second call")
	}
}
