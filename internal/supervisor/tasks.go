package supervisor

import (
	"log/slog"

	"github.com/pilot-net/eventmon/internal/ingest"
	"github.com/pilot-net/eventmon/internal/metrics"
	"github.com/pilot-net/eventmon/internal/store"
	"github.com/pilot-net/eventmon/pkg/types"
)

// ListenerTasks returns a TaskFactory that runs an ingest.Listener per
// server, storing frames in backend. The bind policy chosen by the
// Supervisor overrides opts.BindPolicy.
func ListenerTasks(backend store.Backend, opts ingest.Options, m *metrics.Ingest, logger *slog.Logger) TaskFactory {
	return func(entry types.ServerEntry, policy ingest.BindPolicy, report ingest.Reporter) Task {
		o := opts
		o.BindPolicy = policy
		return ingest.NewListener(entry, backend, o, report, m, logger)
	}
}
