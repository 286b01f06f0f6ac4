// Package status observes the supervisor's status feed.
//
// The Relay keeps the latest snapshot per server id, mirrors the live flags
// into Prometheus gauges and, when a Mirror is set, into Redis. Snapshots
// cannot express that a server was removed, so the owner of the removal
// calls Forget.
package status

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/eventmon/internal/metrics"
	"github.com/pilot-net/eventmon/pkg/types"
)

const mirrorTimeout = 2 * time.Second

// Mirror receives every snapshot.
type Mirror interface {
	PutStatus(ctx context.Context, st types.ServerStatusInfo) error
	DeleteStatus(ctx context.Context, id types.ServerID) error
}

// Relay drains a status feed.
type Relay struct {
	mirror  Mirror
	metrics *metrics.Ingest
	logger  *slog.Logger

	// publishMu orders gauge and mirror writes of apply against Forget, so
	// a removed server is never published again once Forget returns.
	publishMu sync.Mutex

	mu     sync.RWMutex
	latest map[types.ServerID]types.ServerStatusInfo
	// Removed ids. Snapshots queued before the removal may still arrive, so
	// entries stay until the feed closes. Ids are random and never reused.
	forgotten map[types.ServerID]bool
}

// NewRelay creates a relay. mirror and m may be nil.
func NewRelay(mirror Mirror, m *metrics.Ingest, logger *slog.Logger) *Relay {
	return &Relay{
		mirror:  mirror,
		metrics: m,
		logger:  logger.With("component", "status"),
		latest:  make(map[types.ServerID]types.ServerStatusInfo),

		forgotten: make(map[types.ServerID]bool),
	}
}

// Run consumes feed until it is closed.
func (r *Relay) Run(feed <-chan types.ServerStatusInfo) {
	for st := range feed {
		r.apply(st)
	}

	// No snapshot can arrive any more.
	r.mu.Lock()
	clear(r.forgotten)
	r.mu.Unlock()

	r.logger.Debug("status feed closed")
}

func (r *Relay) apply(st types.ServerStatusInfo) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.mu.Lock()
	if r.forgotten[st.ServerID] {
		r.mu.Unlock()
		return
	}
	r.latest[st.ServerID] = st
	r.mu.Unlock()

	r.metrics.SetServerState(st.ServerID.String(), st.IsRunning, st.IsConnected, st.IsAlive)

	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := r.mirror.PutStatus(ctx, st); err != nil {
		r.logger.Warn("failed to mirror status", "server_id", st.ServerID.String(), "error", err)
	}
}

// Latest returns the most recent snapshot of a server.
func (r *Relay) Latest(id types.ServerID) (types.ServerStatusInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.latest[id]
	return st, ok
}

// All returns the most recent snapshot of every known server, by index.
func (r *Relay) All() []types.ServerStatusInfo {
	r.mu.RLock()
	all := make([]types.ServerStatusInfo, 0, len(r.latest))
	for _, st := range r.latest {
		all = append(all, st)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Idx < all[j].Idx })
	return all
}

// Forget drops a removed server everywhere the relay published it.
func (r *Relay) Forget(ctx context.Context, id types.ServerID) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	r.mu.Lock()
	delete(r.latest, id)
	r.forgotten[id] = true
	r.mu.Unlock()

	r.metrics.ForgetServer(id.String())

	if r.mirror == nil {
		return
	}
	if err := r.mirror.DeleteStatus(ctx, id); err != nil {
		r.logger.Warn("failed to delete mirrored status", "server_id", id.String(), "error", err)
	}
}
