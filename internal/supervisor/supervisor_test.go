package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/eventmon/internal/codec"
	"github.com/pilot-net/eventmon/internal/ingest"
	"github.com/pilot-net/eventmon/internal/store"
	"github.com/pilot-net/eventmon/internal/testutil"
	"github.com/pilot-net/eventmon/pkg/types"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeTask struct {
	entry   types.ServerEntry
	policy  ingest.BindPolicy
	report  ingest.Reporter
	hang    bool
	runErr  error
	started chan struct{}
	aborted chan struct{}
	once    sync.Once
}

func (f *fakeTask) Run(ctx context.Context) error {
	close(f.started)
	if f.runErr != nil {
		return f.runErr
	}
	if f.hang {
		// Ignores cancellation; only Abort releases it.
		<-f.aborted
		return nil
	}
	<-ctx.Done()
	return nil
}

func (f *fakeTask) Abort() {
	f.once.Do(func() { close(f.aborted) })
}

func (f *fakeTask) wasAborted() bool {
	select {
	case <-f.aborted:
		return true
	default:
		return false
	}
}

type fakeFactory struct {
	mu     sync.Mutex
	tasks  []*fakeTask
	hang   bool
	runErr error
}

func (f *fakeFactory) New(entry types.ServerEntry, policy ingest.BindPolicy, report ingest.Reporter) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := &fakeTask{
		entry:   entry,
		policy:  policy,
		report:  report,
		hang:    f.hang,
		runErr:  f.runErr,
		started: make(chan struct{}),
		aborted: make(chan struct{}),
	}
	f.tasks = append(f.tasks, task)
	return task
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeFactory) last() *fakeTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[len(f.tasks)-1]
}

type memSaver struct {
	saved []types.ServerEntry
	err   error
}

func (m *memSaver) Save(entries []types.ServerEntry) error {
	if m.err != nil {
		return m.err
	}
	m.saved = entries
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type running struct {
	sup    *Supervisor
	cancel context.CancelFunc
	done   chan error
}

func startSupervisor(t *testing.T, entries []types.ServerEntry, factory TaskFactory, cfg Config, opts ...Option) *running {
	t.Helper()
	sup, err := New(entries, factory, cfg, testutil.NewTestLogger(), opts...)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{sup: sup, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- sup.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(10 * time.Second):
			t.Error("supervisor did not shut down")
		}
	})
	return r
}

func entries(n int) []types.ServerEntry {
	out := make([]types.ServerEntry, n)
	for i := range out {
		out[i] = testutil.FixtureServerEntry()
	}
	return out
}

func snapshot(t *testing.T, sup *Supervisor) []View {
	t.Helper()
	views, err := sup.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return views
}

// eventually polls cond until it holds or five seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStarted(t *testing.T, task *fakeTask) {
	t.Helper()
	select {
	case <-task.started:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestRemoveServer_Reindexes(t *testing.T) {
	for k := 0; k < 3; k++ {
		t.Run(fmt.Sprintf("remove_%d", k), func(t *testing.T) {
			factory := &fakeFactory{}
			initial := entries(3)
			r := startSupervisor(t, initial, factory.New, Config{})

			if err := r.sup.Start(context.Background(), k); err != nil {
				t.Fatalf("start: %v", err)
			}

			removed, err := r.sup.RemoveServer(context.Background(), k)
			if err != nil {
				t.Fatalf("remove: %v", err)
			}
			if removed.ID != initial[k].ID {
				t.Errorf("removed wrong entry")
			}
			if factory.count() != 1 {
				t.Errorf("expected one task, got %d", factory.count())
			}

			views := snapshot(t, r.sup)
			if len(views) != 2 {
				t.Fatalf("expected 2 servers, got %d", len(views))
			}

			var remaining []types.ServerEntry
			for i, e := range initial {
				if i != k {
					remaining = append(remaining, e)
				}
			}
			seen := map[int]bool{}
			for i, v := range views {
				if v.Status.Idx != i {
					t.Errorf("position %d: status idx %d", i, v.Status.Idx)
				}
				if seen[v.Status.Idx] {
					t.Errorf("duplicate idx %d", v.Status.Idx)
				}
				seen[v.Status.Idx] = true
				if v.Entry.ID != remaining[i].ID || v.Status.ServerID != remaining[i].ID {
					t.Errorf("position %d: wrong server", i)
				}
				if v.Status.IsRunning {
					t.Errorf("position %d: unexpectedly running", i)
				}
			}
		})
	}
}

func TestRemoveServer_KeepsOtherTasks(t *testing.T) {
	factory := &fakeFactory{}
	initial := entries(3)
	r := startSupervisor(t, initial, factory.New, Config{})
	ctx := context.Background()

	if err := r.sup.Start(ctx, 2); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.sup.RemoveServer(ctx, 0); err != nil {
		t.Fatalf("remove: %v", err)
	}

	views := snapshot(t, r.sup)
	if !views[1].Status.IsRunning || views[1].Entry.ID != initial[2].ID {
		t.Fatalf("expected the shifted server to keep running: %+v", views[1])
	}

	// The task is now reachable under its new index.
	if err := r.sup.Stop(ctx, 1); err != nil {
		t.Fatalf("stop shifted server: %v", err)
	}
}

func TestStop_NotRunning(t *testing.T) {
	factory := &fakeFactory{}
	r := startSupervisor(t, entries(2), factory.New, Config{})

	before := snapshot(t, r.sup)
	err := r.sup.Stop(context.Background(), 1)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	after := snapshot(t, r.sup)

	for i := range before {
		if before[i] != after[i] {
			t.Errorf("server %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
	if factory.count() != 0 {
		t.Errorf("expected no tasks, got %d", factory.count())
	}
}

func TestStop_Graceful(t *testing.T) {
	factory := &fakeFactory{}
	r := startSupervisor(t, entries(1), factory.New, Config{})
	ctx := context.Background()

	if err := r.sup.Start(ctx, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStarted(t, factory.last())

	if err := r.sup.Stop(ctx, 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if factory.last().wasAborted() {
		t.Error("graceful stop should not abort")
	}
	if snapshot(t, r.sup)[0].Status.IsRunning {
		t.Error("expected server stopped")
	}
}

func TestStop_TimeoutForcesAbort(t *testing.T) {
	factory := &fakeFactory{hang: true}
	r := startSupervisor(t, entries(1), factory.New, Config{StopTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	if err := r.sup.Start(ctx, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := factory.last()
	waitStarted(t, task)
	task.report(ingest.Event{Kind: ingest.EventConnected})
	eventually(t, "connected", func() bool { return snapshot(t, r.sup)[0].Status.IsConnected })

	start := time.Now()
	if err := r.sup.Stop(ctx, 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("stop returned before the timeout: %v", elapsed)
	}
	if !task.wasAborted() {
		t.Error("expected hung task to be aborted")
	}

	st := snapshot(t, r.sup)[0].Status
	if st.IsRunning || st.IsConnected || st.IsAlive {
		t.Errorf("expected stopped status, got %+v", st)
	}

	// A second stop reports not running.
	if err := r.sup.Stop(ctx, 0); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestStart(t *testing.T) {
	factory := &fakeFactory{}
	r := startSupervisor(t, entries(1), factory.New, Config{})
	ctx := context.Background()

	if err := r.sup.Start(ctx, 1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if err := r.sup.Start(ctx, -1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}

	if err := r.sup.Start(ctx, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.sup.Start(ctx, 0); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if factory.count() != 1 {
		t.Errorf("expected one task, got %d", factory.count())
	}
	if !snapshot(t, r.sup)[0].Status.IsRunning {
		t.Error("expected running")
	}
}

func TestBindPolicies(t *testing.T) {
	factory := &fakeFactory{}
	r := startSupervisor(t, entries(1), factory.New, Config{
		BootBindPolicy:  ingest.BindRetry,
		AddedBindPolicy: ingest.BindOnce,
	})
	ctx := context.Background()

	if err := r.sup.Start(ctx, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := factory.last().policy; got != ingest.BindRetry {
		t.Errorf("boot server policy: got %s", got)
	}

	idx, err := r.sup.AddServer(ctx, testutil.FixtureServerEntry())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.sup.Start(ctx, idx); err != nil {
		t.Fatalf("start added: %v", err)
	}
	if got := factory.last().policy; got != ingest.BindOnce {
		t.Errorf("added server policy: got %s", got)
	}
}

func TestAddServer(t *testing.T) {
	factory := &fakeFactory{}
	initial := entries(1)
	r := startSupervisor(t, initial, factory.New, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		entry   types.ServerEntry
		wantErr error
	}{
		{"duplicate id", initial[0], ErrDuplicateID},
		{"zero id", testutil.FixtureServerEntry(func(e *types.ServerEntry) { e.ID = types.ServerID{} }), nil},
		{"bad host", testutil.FixtureServerEntry(func(e *types.ServerEntry) { e.IPAddress = "not a host" }), types.ErrInvalidEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.sup.AddServer(ctx, tt.entry)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	entry := testutil.FixtureServerEntry()
	idx, err := r.sup.AddServer(ctx, entry)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if idx != 1 {
		t.Errorf("idx: got %d, want 1", idx)
	}

	views := snapshot(t, r.sup)
	if len(views) != 2 || views[1].Entry != entry {
		t.Fatalf("unexpected servers: %+v", views)
	}
	if views[1].Status.Idx != 1 || views[1].Status.ServerID != entry.ID || !views[1].Status.NewData {
		t.Errorf("unexpected status: %+v", views[1].Status)
	}
}

func TestUpdateServer(t *testing.T) {
	factory := &fakeFactory{}
	initial := entries(1)
	r := startSupervisor(t, initial, factory.New, Config{})
	ctx := context.Background()

	if _, err := r.sup.UpdateServer(ctx, 0, ServerUpdate{Name: "x", Host: "10.0.0.1", Port: "99999"}); !errors.Is(err, types.ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint, got %v", err)
	}
	if got := snapshot(t, r.sup)[0].Entry; got != initial[0] {
		t.Fatalf("entry changed on invalid edit: %+v", got)
	}

	updated, err := r.sup.UpdateServer(ctx, 0, ServerUpdate{Name: "press-2", Host: "10.0.0.2", Port: "6000", Autostart: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != initial[0].ID {
		t.Error("update changed the id")
	}
	got := snapshot(t, r.sup)[0].Entry
	if got.Name != "press-2" || got.IPAddress != "10.0.0.2" || got.Port != 6000 || !got.Autostart {
		t.Errorf("unexpected entry after update: %+v", got)
	}

	if _, err := r.sup.UpdateServer(ctx, 3, ServerUpdate{}); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestSaveConfig(t *testing.T) {
	t.Run("writes entries in order", func(t *testing.T) {
		saver := &memSaver{}
		initial := entries(3)
		r := startSupervisor(t, initial, (&fakeFactory{}).New, Config{}, WithSaver(saver))

		if _, err := r.sup.RemoveServer(context.Background(), 1); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if err := r.sup.SaveConfig(context.Background()); err != nil {
			t.Fatalf("save: %v", err)
		}
		if len(saver.saved) != 2 || saver.saved[0] != initial[0] || saver.saved[1] != initial[2] {
			t.Errorf("unexpected saved entries: %+v", saver.saved)
		}
	})

	t.Run("saver error", func(t *testing.T) {
		saver := &memSaver{err: errors.New("read-only file system")}
		r := startSupervisor(t, entries(1), (&fakeFactory{}).New, Config{}, WithSaver(saver))
		if err := r.sup.SaveConfig(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("no saver", func(t *testing.T) {
		r := startSupervisor(t, entries(1), (&fakeFactory{}).New, Config{})
		if err := r.sup.SaveConfig(context.Background()); !errors.Is(err, ErrNoSaver) {
			t.Fatalf("expected ErrNoSaver, got %v", err)
		}
	})
}

func TestTaskEventsUpdateStatus(t *testing.T) {
	factory := &fakeFactory{}
	r := startSupervisor(t, entries(1), factory.New, Config{})
	ctx := context.Background()

	if err := r.sup.Start(ctx, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := factory.last()
	waitStarted(t, task)

	peer := types.PeerFromNetAddr(&net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 1234})
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	task.report(ingest.Event{Kind: ingest.EventConnected, Peer: peer})
	task.report(ingest.Event{Kind: ingest.EventFrame, At: at})
	eventually(t, "frame status", func() bool {
		st := snapshot(t, r.sup)[0].Status
		return st.IsAlive && st.LastPacketTime == at.UnixMilli()
	})
	st := snapshot(t, r.sup)[0].Status
	if !st.IsConnected || st.PeerAddr != peer {
		t.Errorf("unexpected status after frame: %+v", st)
	}

	task.report(ingest.Event{Kind: ingest.EventIdle})
	eventually(t, "idle status", func() bool { return !snapshot(t, r.sup)[0].Status.IsAlive })

	task.report(ingest.Event{Kind: ingest.EventDisconnected})
	eventually(t, "disconnected status", func() bool { return !snapshot(t, r.sup)[0].Status.IsConnected })
}

func TestStaleTaskEventsIgnored(t *testing.T) {
	factory := &fakeFactory{}
	r := startSupervisor(t, entries(1), factory.New, Config{})
	ctx := context.Background()

	if err := r.sup.Start(ctx, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	old := factory.last()
	waitStarted(t, old)
	if err := r.sup.Stop(ctx, 0); err != nil {
		t.Fatalf("stop: %v", err)
	}

	old.report(ingest.Event{Kind: ingest.EventConnected})
	old.report(ingest.Event{Kind: ingest.EventFrame, At: time.Now()})
	time.Sleep(100 * time.Millisecond)

	st := snapshot(t, r.sup)[0].Status
	if st.IsConnected || st.IsAlive || st.IsRunning {
		t.Errorf("stale events changed status: %+v", st)
	}
}

func TestTaskExitMarksStopped(t *testing.T) {
	factory := &fakeFactory{runErr: errors.New("bind: address already in use")}
	r := startSupervisor(t, entries(1), factory.New, Config{})

	if err := r.sup.Start(context.Background(), 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "server stopped", func() bool { return !snapshot(t, r.sup)[0].Status.IsRunning })

	if err := r.sup.Stop(context.Background(), 0); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after exit, got %v", err)
	}
}

func TestStopAll_Concurrent(t *testing.T) {
	factory := &fakeFactory{hang: true}
	r := startSupervisor(t, entries(4), factory.New, Config{StopTimeout: 300 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := r.sup.Start(ctx, i); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := r.sup.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 1200*time.Millisecond {
		t.Errorf("stop all took %v; timeouts did not run concurrently", elapsed)
	}

	for i, v := range snapshot(t, r.sup) {
		if v.Status.IsRunning {
			t.Errorf("server %d still running", i)
		}
	}
}

func TestAutostart(t *testing.T) {
	factory := &fakeFactory{}
	initial := entries(2)
	initial[1].Autostart = true
	r := startSupervisor(t, initial, factory.New, Config{})

	views := snapshot(t, r.sup)
	if views[0].Status.IsRunning || !views[1].Status.IsRunning {
		t.Errorf("expected only the autostart server running: %+v", views)
	}
}

func TestShutdownClosesStatusFeed(t *testing.T) {
	factory := &fakeFactory{}
	sup, err := New(entries(2), factory.New, Config{}, testutil.NewTestLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	if err := sup.Start(context.Background(), 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()

	var last types.ServerStatusInfo
	timeout := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case st, ok := <-sup.Status():
			if !ok {
				open = false
				break
			}
			if st.Idx == 0 {
				last = st
			}
		case <-timeout:
			t.Fatal("status feed was not closed")
		}
	}
	if last.IsRunning {
		t.Error("expected final snapshot to show server 0 stopped")
	}
	<-done

	if err := sup.Start(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestNew_RejectsBadEntries(t *testing.T) {
	dup := entries(1)
	dup = append(dup, dup[0])
	if _, err := New(dup, (&fakeFactory{}).New, Config{}, testutil.NewTestLogger()); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}

	zero := []types.ServerEntry{testutil.FixtureServerEntry(func(e *types.ServerEntry) { e.ID = types.ServerID{} })}
	if _, err := New(zero, (&fakeFactory{}).New, Config{}, testutil.NewTestLogger()); err == nil {
		t.Error("expected error for zero id")
	}
}

// =============================================================================
// WITH REAL LISTENERS
// =============================================================================

func TestListenerTasks_EndToEnd(t *testing.T) {
	backend := store.NewSQLite(filepath.Join(t.TempDir(), "event.db"))
	entry := testutil.FixtureBoundEntry(t)
	factory := ListenerTasks(backend, ingest.Options{}, nil, testutil.NewTestLogger())
	r := startSupervisor(t, []types.ServerEntry{entry}, factory, Config{})
	ctx := context.Background()

	if err := r.sup.Start(ctx, 0); err != nil {
		t.Fatalf("start: %v", err)
	}

	var conn net.Conn
	eventually(t, "listener bound", func() bool {
		c, err := net.DialTimeout("tcp", entry.Address(), time.Second)
		if err != nil {
			return false
		}
		conn = c
		return true
	})
	defer conn.Close()

	if _, err := conn.Write(codec.Encode(codec.TypePLC, 5, 1)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := make([]byte, 3)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, ack); err != nil || string(ack) != "ACK" {
		t.Fatalf("expected ACK, got %q (%v)", ack, err)
	}

	eventually(t, "alive status", func() bool {
		st := snapshot(t, r.sup)[0].Status
		return st.IsConnected && st.IsAlive && st.LastPacketTime > 0 && st.PeerAddr.String() == "127.0.0.1"
	})

	if err := r.sup.Stop(ctx, 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st := snapshot(t, r.sup)[0].Status
	if st.IsRunning || st.IsConnected {
		t.Errorf("expected stopped status, got %+v", st)
	}
}

func TestListenerTasks_BindOnceStopsServer(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()

	backend := store.NewSQLite(filepath.Join(t.TempDir(), "event.db"))
	factory := ListenerTasks(backend, ingest.Options{}, nil, testutil.NewTestLogger())
	r := startSupervisor(t, nil, factory, Config{AddedBindPolicy: ingest.BindOnce})
	ctx := context.Background()

	entry := testutil.FixtureServerEntry(func(e *types.ServerEntry) {
		e.Port = uint16(occupied.Addr().(*net.TCPAddr).Port)
	})
	idx, err := r.sup.AddServer(ctx, entry)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.sup.Start(ctx, idx); err != nil {
		t.Fatalf("start: %v", err)
	}

	eventually(t, "server stopped after failed bind", func() bool {
		return !snapshot(t, r.sup)[idx].Status.IsRunning
	})
}
