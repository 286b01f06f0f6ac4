package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/eventmon/internal/store"
)

// Health is the process and event store health reported by the API.
type Health struct {
	Status        string    `json:"status"` // healthy, degraded
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Goroutines    int       `json:"goroutines"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	Database      string    `json:"database"` // backend name
	DatabaseOK    bool      `json:"database_ok"`
	DatabaseError string    `json:"database_error,omitempty"`
}

// Collector gathers process health with caching.
type Collector struct {
	backend store.Backend

	startTime time.Time

	mu            sync.Mutex
	cached        *Health
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a health collector. backend may be nil.
func NewCollector(backend store.Backend) *Collector {
	return &Collector{
		backend:       backend,
		startTime:     time.Now(),
		cacheDuration: 10 * time.Second,
	}
}

// Health returns the current health. Results are cached for ten seconds
// because every check opens an event store connection.
func (c *Collector) Health(ctx context.Context) Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Now().Before(c.cacheExpiry) {
		return *c.cached
	}

	h := c.collect(ctx)
	c.cached = &h
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	return h
}

func (c *Collector) collect(ctx context.Context) Health {
	h := Health{
		Status:        "healthy",
		Timestamp:     time.Now(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			h.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			h.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercentWithContext(ctx); err == nil {
			h.MemoryPercent = float64(memPct)
		}
	}

	if c.backend != nil {
		h.Database = c.backend.Name()
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := c.backend.Connect(checkCtx)
		cancel()
		if err != nil {
			h.DatabaseError = err.Error()
		} else {
			h.DatabaseOK = true
			conn.Close()
		}
	}

	if h.MemoryPercent > 90 || h.CPUPercent > 90 || (c.backend != nil && !h.DatabaseOK) {
		h.Status = "degraded"
	}

	return h
}
