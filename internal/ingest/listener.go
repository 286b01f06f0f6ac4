package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/eventmon/internal/metrics"
	"github.com/pilot-net/eventmon/internal/store"
	"github.com/pilot-net/eventmon/pkg/types"
)

// Listener binds one server entry and serves its controller connections.
type Listener struct {
	entry   types.ServerEntry
	backend store.Backend
	opts    Options
	report  Reporter
	metrics *metrics.Ingest
	logger  *slog.Logger

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	aborted bool
}

// NewListener creates a listener for entry. m may be nil.
func NewListener(entry types.ServerEntry, backend store.Backend, opts Options, report Reporter, m *metrics.Ingest, logger *slog.Logger) *Listener {
	if report == nil {
		report = func(Event) {}
	}
	return &Listener{
		entry:   entry,
		backend: backend,
		opts:    opts.withDefaults(),
		report:  report,
		metrics: m,
		logger:  logger.With("component", "listener", "server", entry.Origin(), "addr", entry.Address()),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Run binds, accepts until ctx is done, and waits for every worker to exit.
// It returns nil after a normal shutdown and an error when the bind was
// abandoned or accepting failed.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := l.bind(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	l.logger.Info("listening")
	l.report(Event{Kind: EventListening})

	var wg sync.WaitGroup
	err = l.acceptLoop(ctx, ln, &wg)
	wg.Wait()

	l.logger.Info("listener stopped")
	return err
}

// Abort closes the listening socket and every live connection.
func (l *Listener) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.aborted = true
	if l.ln != nil {
		l.ln.Close()
	}
	for c := range l.conns {
		c.Close()
	}
}

func (l *Listener) bind(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	addr := l.entry.Address()

	for attempt := 1; ; attempt++ {
		l.report(Event{Kind: EventBinding})

		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.aborted {
				ln.Close()
				return nil, fmt.Errorf("listener for %s aborted", addr)
			}
			l.ln = ln
			return ln, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		l.metrics.BindFailed(l.entry.Origin())
		l.report(Event{Kind: EventBindFailed, Err: err})

		if l.opts.BindPolicy == BindOnce {
			l.logger.Error("bind failed, giving up", "error", err)
			return nil, fmt.Errorf("binding %s: %w", addr, err)
		}
		l.logger.Warn("bind failed, retrying",
			"error", err,
			"attempt", attempt,
			"retry_in", l.opts.BindRetryDelay,
		)

		timer := time.NewTimer(l.opts.BindRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, wg *sync.WaitGroup) error {
	limit := rate.Inf
	if l.opts.AcceptRate > 0 {
		limit = rate.Limit(l.opts.AcceptRate)
	}
	limiter := rate.NewLimiter(limit, l.opts.AcceptBurst)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.logger.Error("accept failed", "error", err)
			return fmt.Errorf("accepting on %s: %w", l.entry.Address(), err)
		}

		if !l.track(conn) {
			conn.Close()
			return nil
		}

		peer := types.PeerFromNetAddr(conn.RemoteAddr())
		l.logger.Info("controller connected", "peer", conn.RemoteAddr().String())
		l.metrics.ConnectionOpened(l.entry.Origin())
		l.report(Event{Kind: EventConnected, Peer: peer, At: time.Now()})

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.serve(ctx, conn)
			l.metrics.ConnectionClosed(l.entry.Origin())
			if l.untrack(conn) == 0 {
				l.report(Event{Kind: EventDisconnected})
			}
		}()
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.aborted {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

// untrack returns the number of connections still live.
func (l *Listener) untrack(conn net.Conn) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, conn)
	return len(l.conns)
}

// serve owns conn until the worker exits.
func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := l.logger.With("peer", conn.RemoteAddr().String())

	connectCtx, cancel := context.WithTimeout(ctx, l.opts.StoreTimeout)
	sc, err := l.backend.Connect(connectCtx)
	cancel()
	if err != nil {
		l.metrics.StoreFailed(l.entry.Origin())
		logger.Error("failed to open event store connection, closing socket", "error", err)
		return
	}
	defer sc.Close()

	w := &worker{
		conn:    conn,
		store:   sc,
		origin:  l.entry.Origin(),
		opts:    l.opts,
		report:  l.report,
		metrics: l.metrics,
		logger:  logger,
	}
	w.run(ctx)
}
