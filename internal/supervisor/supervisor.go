// Package supervisor owns the configured server list and the lifecycle of
// every server's listener task.
//
// # Design
//
// The Supervisor is a single-writer actor. Exactly one goroutine (Run) reads
// and writes the server list, the live status of each server and the table
// of running tasks. Everything else talks to it through commands that are
// applied one at a time, in arrival order.
//
// Each server is one record holding both its entry and its status, so the
// two can never drift apart in length. Running tasks are keyed by ServerID.
// Positions are derived: when an entry is removed every later record simply
// moves down one slot and its status Idx is rewritten.
//
// # Task events
//
// Listener tasks report through an unbounded feed, so a task never blocks on
// a Supervisor that is busy waiting for another task to stop. Every task
// gets a generation number and events from a task that is no longer the
// registered one are dropped, which keeps a slow-dying task from writing
// status for a server that was stopped or restarted.
//
// # Status feed
//
// Every status change is published as a ServerStatusInfo snapshot on
// Status(). The feed is unbounded and closes after Run returns.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/eventmon/internal/ingest"
	"github.com/pilot-net/eventmon/pkg/types"
)

var (
	// ErrNotRunning is returned by Stop for a server without a running task.
	ErrNotRunning = errors.New("server not running")
	// ErrIndexOutOfRange is returned for an index outside the server list.
	ErrIndexOutOfRange = errors.New("server index out of range")
	// ErrDuplicateID is returned when adding an entry whose id is taken.
	ErrDuplicateID = errors.New("duplicate server id")
	// ErrClosed is returned for commands sent after Run returned.
	ErrClosed = errors.New("supervisor stopped")
	// ErrNoSaver is returned by SaveConfig when no config saver is set.
	ErrNoSaver = errors.New("no config saver configured")
)

// Task is a running listener.
type Task interface {
	// Run blocks until ctx is done or the task gives up.
	Run(ctx context.Context) error
	// Abort forcibly releases the task's sockets.
	Abort()
}

// TaskFactory creates the task for one server.
type TaskFactory func(entry types.ServerEntry, policy ingest.BindPolicy, report ingest.Reporter) Task

// Saver persists the server list.
type Saver interface {
	Save(entries []types.ServerEntry) error
}

// Config tunes lifecycle behaviour.
type Config struct {
	// BootBindPolicy applies to servers loaded at construction.
	BootBindPolicy ingest.BindPolicy
	// AddedBindPolicy applies to servers added at runtime.
	AddedBindPolicy ingest.BindPolicy
	// StopTimeout bounds how long Stop waits before force-aborting a task.
	StopTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BootBindPolicy:  ingest.BindRetry,
		AddedBindPolicy: ingest.BindRetry,
		StopTimeout:     5 * time.Second,
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSaver sets the collaborator used by SaveConfig.
func WithSaver(s Saver) Option {
	return func(sv *Supervisor) {
		sv.saver = s
	}
}

// View pairs an entry with its live status.
type View struct {
	Entry  types.ServerEntry      `json:"entry"`
	Status types.ServerStatusInfo `json:"status"`
}

// ServerUpdate is an edit of an existing entry. Host and Port are parsed;
// an invalid value rejects the whole edit.
type ServerUpdate struct {
	Name      string `json:"name"`
	Host      string `json:"ip_address"`
	Port      string `json:"port"`
	Autostart bool   `json:"autostart"`
}

type record struct {
	entry  types.ServerEntry
	status types.ServerStatusInfo
	added  bool // added at runtime rather than loaded at boot
}

type handle struct {
	gen    uint64
	task   Task
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type taskEvent struct {
	id     types.ServerID
	gen    uint64
	event  ingest.Event
	exited bool
	err    error
}

// Supervisor manages server entries and their listener tasks.
type Supervisor struct {
	cfg     Config
	newTask TaskFactory
	saver   Saver
	logger  *slog.Logger

	cmds   chan func()
	done   chan struct{}
	events *feed[taskEvent]
	status *feed[types.ServerStatusInfo]

	// Owned by the Run goroutine.
	records []*record
	handles map[types.ServerID]*handle
	nextGen uint64
}

// New creates a Supervisor for the given boot entries. Entries must carry
// distinct, non-zero ids.
func New(entries []types.ServerEntry, newTask TaskFactory, cfg Config, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	d := DefaultConfig()
	if cfg.BootBindPolicy == "" {
		cfg.BootBindPolicy = d.BootBindPolicy
	}
	if cfg.AddedBindPolicy == "" {
		cfg.AddedBindPolicy = d.AddedBindPolicy
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = d.StopTimeout
	}

	s := &Supervisor{
		cfg:     cfg,
		newTask: newTask,
		logger:  logger.With("component", "supervisor"),
		cmds:    make(chan func()),
		done:    make(chan struct{}),
		events:  newFeed[taskEvent](),
		status:  newFeed[types.ServerStatusInfo](),
		handles: make(map[types.ServerID]*handle),
	}
	for _, opt := range opts {
		opt(s)
	}

	seen := make(map[types.ServerID]bool, len(entries))
	for i, e := range entries {
		if e.ID.IsZero() {
			return nil, fmt.Errorf("server %d (%s): id is required", i, e.Origin())
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("server %d (%s): %w", i, e.Origin(), ErrDuplicateID)
		}
		seen[e.ID] = true
		s.records = append(s.records, &record{
			entry:  e,
			status: types.ServerStatusInfo{Idx: i, ServerID: e.ID},
		})
	}

	return s, nil
}

// Status returns the status snapshot feed.
func (s *Supervisor) Status() <-chan types.ServerStatusInfo {
	return s.status.Out()
}

// Run processes commands and task events until ctx is done, then stops
// every running task and closes the status feed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started", "servers", len(s.records))

	for _, rec := range s.records {
		s.emit(rec, false)
	}
	for i, rec := range s.records {
		if rec.entry.Autostart {
			s.start(i)
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor shutting down")
			s.stopAll()
			close(s.done)
			s.events.Discard()
			s.status.Close()
			return nil

		case cmd := <-s.cmds:
			cmd()

		case ev := <-s.events.Out():
			s.handleEvent(ev)
		}
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

// do runs fn on the Run goroutine and waits for its result. Once enqueued a
// command runs to completion even if ctx ends first.
func (s *Supervisor) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- func() { reply <- fn() }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start spawns the listener task of server idx. Starting a running server
// is a no-op.
func (s *Supervisor) Start(ctx context.Context, idx int) error {
	return s.do(ctx, func() error {
		if err := s.checkIndex(idx); err != nil {
			return err
		}
		s.start(idx)
		return nil
	})
}

// Stop shuts down the task of server idx, force-aborting it after the stop
// timeout. It returns ErrNotRunning, with no side effects, if there is no
// task.
func (s *Supervisor) Stop(ctx context.Context, idx int) error {
	return s.do(ctx, func() error {
		if err := s.checkIndex(idx); err != nil {
			return err
		}
		return s.stop(idx)
	})
}

// StopAll stops every running task concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.stopAll()
		return nil
	})
}

// AddServer appends entry and returns its index. The id must be set by the
// caller and be unique.
func (s *Supervisor) AddServer(ctx context.Context, entry types.ServerEntry) (int, error) {
	var idx int
	err := s.do(ctx, func() error {
		if err := entry.Validate(); err != nil {
			return err
		}
		if s.indexOf(entry.ID) >= 0 {
			return fmt.Errorf("server %s: %w", entry.ID, ErrDuplicateID)
		}

		idx = len(s.records)
		rec := &record{
			entry:  entry,
			status: types.ServerStatusInfo{Idx: idx, ServerID: entry.ID},
			added:  true,
		}
		s.records = append(s.records, rec)
		s.logger.Info("server added", "idx", idx, "server", entry.Origin(), "addr", entry.Address())
		s.emit(rec, true)
		return nil
	})
	return idx, err
}

// RemoveServer stops server idx if it is running, removes it and shifts
// every later server down one position. It returns the removed entry.
func (s *Supervisor) RemoveServer(ctx context.Context, idx int) (types.ServerEntry, error) {
	var removed types.ServerEntry
	err := s.do(ctx, func() error {
		if err := s.checkIndex(idx); err != nil {
			return err
		}
		rec := s.records[idx]
		if _, running := s.handles[rec.entry.ID]; running {
			if err := s.stop(idx); err != nil {
				return err
			}
		}

		removed = rec.entry
		s.records = append(s.records[:idx], s.records[idx+1:]...)
		for i := idx; i < len(s.records); i++ {
			s.records[i].status.Idx = i
			s.emit(s.records[i], true)
		}

		s.logger.Info("server removed", "idx", idx, "server", removed.Origin(), "remaining", len(s.records))
		return nil
	})
	return removed, err
}

// UpdateServer edits server idx. A running task keeps its old address until
// it is restarted.
func (s *Supervisor) UpdateServer(ctx context.Context, idx int, u ServerUpdate) (types.ServerEntry, error) {
	var updated types.ServerEntry
	err := s.do(ctx, func() error {
		if err := s.checkIndex(idx); err != nil {
			return err
		}
		rec := s.records[idx]

		entry := rec.entry
		if err := entry.SetEndpoint(u.Host, u.Port); err != nil {
			return err
		}
		entry.Name = u.Name
		entry.Autostart = u.Autostart

		rec.entry = entry
		updated = entry
		if _, running := s.handles[entry.ID]; running {
			s.logger.Info("server updated, restart to apply address", "idx", idx, "server", entry.Origin(), "addr", entry.Address())
		} else {
			s.logger.Info("server updated", "idx", idx, "server", entry.Origin(), "addr", entry.Address())
		}
		return nil
	})
	return updated, err
}

// SaveConfig writes the current entries through the configured Saver.
func (s *Supervisor) SaveConfig(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.saver == nil {
			return ErrNoSaver
		}
		entries := make([]types.ServerEntry, len(s.records))
		for i, rec := range s.records {
			entries[i] = rec.entry
		}
		if err := s.saver.Save(entries); err != nil {
			return fmt.Errorf("saving server list: %w", err)
		}
		s.logger.Info("server list saved", "servers", len(entries))
		return nil
	})
}

// Snapshot returns a copy of every entry with its current status.
func (s *Supervisor) Snapshot(ctx context.Context) ([]View, error) {
	var views []View
	err := s.do(ctx, func() error {
		views = make([]View, len(s.records))
		for i, rec := range s.records {
			views[i] = View{Entry: rec.entry, Status: rec.status}
		}
		return nil
	})
	return views, err
}

// =============================================================================
// LIFECYCLE (Run goroutine only)
// =============================================================================

func (s *Supervisor) checkIndex(idx int) error {
	if idx < 0 || idx >= len(s.records) {
		return fmt.Errorf("index %d of %d servers: %w", idx, len(s.records), ErrIndexOutOfRange)
	}
	return nil
}

func (s *Supervisor) indexOf(id types.ServerID) int {
	for i, rec := range s.records {
		if rec.entry.ID == id {
			return i
		}
	}
	return -1
}

func (s *Supervisor) start(idx int) {
	rec := s.records[idx]
	id := rec.entry.ID
	if _, running := s.handles[id]; running {
		s.logger.Info("server already running", "idx", idx, "server", rec.entry.Origin())
		return
	}

	policy := s.cfg.BootBindPolicy
	if rec.added {
		policy = s.cfg.AddedBindPolicy
	}

	s.nextGen++
	gen := s.nextGen
	report := func(ev ingest.Event) {
		s.events.Push(taskEvent{id: id, gen: gen, event: ev})
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		gen:    gen,
		task:   s.newTask(rec.entry, policy, report),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.handles[id] = h

	go func() {
		h.err = h.task.Run(ctx)
		close(h.done)
		s.events.Push(taskEvent{id: id, gen: gen, exited: true, err: h.err})
	}()

	s.logger.Info("server started",
		"idx", idx,
		"server", rec.entry.Origin(),
		"addr", rec.entry.Address(),
		"bind_policy", policy,
	)
	rec.status.IsRunning = true
	s.emit(rec, true)
}

func (s *Supervisor) stop(idx int) error {
	rec := s.records[idx]
	h, ok := s.handles[rec.entry.ID]
	if !ok {
		return fmt.Errorf("server %d (%s): %w", idx, rec.entry.Origin(), ErrNotRunning)
	}

	s.halt(rec.entry, h)
	delete(s.handles, rec.entry.ID)
	s.markStopped(rec)
	return nil
}

func (s *Supervisor) stopAll() {
	if len(s.handles) == 0 {
		return
	}

	var g errgroup.Group
	for _, rec := range s.records {
		h, ok := s.handles[rec.entry.ID]
		if !ok {
			continue
		}
		entry := rec.entry
		g.Go(func() error {
			s.halt(entry, h)
			return nil
		})
	}
	g.Wait()

	for _, rec := range s.records {
		if _, ok := s.handles[rec.entry.ID]; ok {
			delete(s.handles, rec.entry.ID)
			s.markStopped(rec)
		}
	}
	s.logger.Info("all servers stopped")
}

// halt cancels the task and waits up to StopTimeout before aborting it.
func (s *Supervisor) halt(entry types.ServerEntry, h *handle) {
	h.cancel()

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		s.logger.Info("server stopped", "server", entry.Origin())
	case <-timer.C:
		s.logger.Warn("server did not stop in time, aborting",
			"server", entry.Origin(),
			"timeout", s.cfg.StopTimeout,
		)
		h.task.Abort()
	}
}

func (s *Supervisor) markStopped(rec *record) {
	rec.status.IsRunning = false
	rec.status.IsConnected = false
	rec.status.IsAlive = false
	s.emit(rec, true)
}

func (s *Supervisor) handleEvent(ev taskEvent) {
	h, ok := s.handles[ev.id]
	if !ok || h.gen != ev.gen {
		return
	}
	idx := s.indexOf(ev.id)
	if idx < 0 {
		return
	}
	rec := s.records[idx]

	if ev.exited {
		delete(s.handles, ev.id)
		h.cancel()
		if ev.err != nil {
			s.logger.Error("server task exited", "server", rec.entry.Origin(), "error", ev.err)
		} else {
			s.logger.Info("server task exited", "server", rec.entry.Origin())
		}
		s.markStopped(rec)
		return
	}

	st := &rec.status
	switch ev.event.Kind {
	case ingest.EventBinding:
		return
	case ingest.EventBindFailed, ingest.EventListening:
	case ingest.EventConnected:
		st.IsConnected = true
		st.PeerAddr = ev.event.Peer
	case ingest.EventDisconnected:
		st.IsConnected = false
	case ingest.EventFrame:
		st.IsConnected = true
		st.IsAlive = true
		st.LastPacketTime = ev.event.At.UnixMilli()
	case ingest.EventIdle:
		st.IsAlive = false
	}
	s.emit(rec, true)
}

// emit publishes the record's status.
func (s *Supervisor) emit(rec *record, newData bool) {
	rec.status.NewData = newData
	s.status.Push(rec.status)
}
