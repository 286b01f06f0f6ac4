// Package config handles server configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (EVENTMON_*)
// 3. Config file (YAML)
// 4. Defaults
//
// Values of database.url, redis.url and api.token_hash may be 1Password
// references (op://vault/item/field). They are resolved in memory only; the
// file keeps the reference when the server list is saved.
//
// # Example Config File
//
//	database:
//	  driver: sqlite
//	  path: /var/lib/eventmon/events.db
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	api:
//	  listen: 127.0.0.1:8070
//	  token_hash: op://plant/eventmon-api/token_hash
//
//	listener:
//	  bind_policy: retry
//	  added_bind_policy: once
//	  idle_timeout: 30s
//	  stop_timeout: 5s
//
//	servers:
//	  - id: MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=
//	    name: press-line-1
//	    ip_address: 10.20.0.15
//	    port: 5000
//	    autostart: true
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/eventmon/internal/ingest"
	"github.com/pilot-net/eventmon/internal/secrets"
	"github.com/pilot-net/eventmon/internal/supervisor"
	"github.com/pilot-net/eventmon/pkg/types"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete server configuration.
type Config struct {
	Database DatabaseConfig      `yaml:"database"`
	Redis    RedisConfig         `yaml:"redis"`
	API      APIConfig           `yaml:"api"`
	Listener ListenerConfig      `yaml:"listener"`
	Servers  []types.ServerEntry `yaml:"servers"`
}

// DatabaseConfig selects the event store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`         // sqlite or postgres
	Path   string `yaml:"path,omitempty"` // sqlite file
	URL    string `yaml:"url,omitempty"`  // postgres connection string
}

// RedisConfig enables the status mirror when URL is set.
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// APIConfig defines the operator API.
type APIConfig struct {
	Listen    string `yaml:"listen"`
	TokenHash string `yaml:"token_hash,omitempty"` // bcrypt hash; empty disables auth
}

// ListenerConfig tunes listeners and connection workers.
type ListenerConfig struct {
	BindPolicy      string        `yaml:"bind_policy"`
	AddedBindPolicy string        `yaml:"added_bind_policy"`
	BindRetryDelay  time.Duration `yaml:"bind_retry_delay"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	AcceptRate      float64       `yaml:"accept_rate,omitempty"`
	AcceptBurst     int           `yaml:"accept_burst,omitempty"`
	StrictStore     bool          `yaml:"strict_store"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	opts := ingest.DefaultOptions()
	sup := supervisor.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "eventmon.db",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8070",
		},
		Listener: ListenerConfig{
			BindPolicy:      string(sup.BootBindPolicy),
			AddedBindPolicy: string(sup.AddedBindPolicy),
			BindRetryDelay:  opts.BindRetryDelay,
			IdleTimeout:     opts.IdleTimeout,
			StopTimeout:     sup.StopTimeout,
			ReadBufferSize:  opts.ReadBufferSize,
			AcceptBurst:     opts.AcceptBurst,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use EVENTMON_ prefix:
// - EVENTMON_DATABASE_DRIVER
// - EVENTMON_DATABASE_PATH
// - EVENTMON_DATABASE_URL
// - EVENTMON_REDIS_URL
// - EVENTMON_API_LISTEN
// - EVENTMON_API_TOKEN_HASH
// - EVENTMON_BIND_POLICY
// - EVENTMON_ADDED_BIND_POLICY
// - EVENTMON_STRICT_STORE (true/false)
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("EVENTMON_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("EVENTMON_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("EVENTMON_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("EVENTMON_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("EVENTMON_API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("EVENTMON_API_TOKEN_HASH"); v != "" {
		c.API.TokenHash = v
	}
	if v := os.Getenv("EVENTMON_BIND_POLICY"); v != "" {
		c.Listener.BindPolicy = v
	}
	if v := os.Getenv("EVENTMON_ADDED_BIND_POLICY"); v != "" {
		c.Listener.AddedBindPolicy = v
	}
	if v := os.Getenv("EVENTMON_STRICT_STORE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Listener.StrictStore = b
		}
	}
}

// AssignMissingIDs gives every server without an id a fresh one. It
// reports whether any id was assigned, in which case the caller should
// persist the server list.
func (c *Config) AssignMissingIDs() bool {
	assigned := false
	for i := range c.Servers {
		if c.Servers[i].ID.IsZero() {
			c.Servers[i].ID = types.NewServerID()
			assigned = true
		}
	}
	return assigned
}

// ResolveSecrets replaces op:// references with their values. r may be nil
// when no reference is present.
func (c *Config) ResolveSecrets(ctx context.Context, r secrets.Resolver) error {
	if err := secrets.ResolveAll(ctx, r, &c.Database.URL, &c.Redis.URL, &c.API.TokenHash); err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}
	return nil
}

// HasSecretReferences reports whether any value still needs resolving.
func (c *Config) HasSecretReferences() bool {
	return secrets.IsReference(c.Database.URL) ||
		secrets.IsReference(c.Redis.URL) ||
		secrets.IsReference(c.API.TokenHash)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}

	if _, err := ingest.ParseBindPolicy(c.Listener.BindPolicy); err != nil {
		return fmt.Errorf("listener.bind_policy: %w", err)
	}
	if _, err := ingest.ParseBindPolicy(c.Listener.AddedBindPolicy); err != nil {
		return fmt.Errorf("listener.added_bind_policy: %w", err)
	}
	if c.Listener.BindRetryDelay < 0 || c.Listener.IdleTimeout < 0 || c.Listener.StopTimeout < 0 {
		return fmt.Errorf("listener durations must not be negative")
	}
	if c.Listener.ReadBufferSize < 0 {
		return fmt.Errorf("listener.read_buffer_size must not be negative")
	}
	if c.Listener.AcceptRate < 0 {
		return fmt.Errorf("listener.accept_rate must not be negative")
	}

	seen := make(map[types.ServerID]int, len(c.Servers))
	for i, e := range c.Servers {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
		if j, ok := seen[e.ID]; ok {
			return fmt.Errorf("servers[%d]: duplicate id (also servers[%d])", i, j)
		}
		seen[e.ID] = i
	}
	return nil
}

// ListenerOptions converts the listener section into ingest options. Call
// after Validate.
func (c *Config) ListenerOptions() ingest.Options {
	opts := ingest.DefaultOptions()
	opts.BindRetryDelay = c.Listener.BindRetryDelay
	opts.IdleTimeout = c.Listener.IdleTimeout
	opts.ReadBufferSize = c.Listener.ReadBufferSize
	opts.AcceptRate = c.Listener.AcceptRate
	opts.AcceptBurst = c.Listener.AcceptBurst
	opts.StrictStore = c.Listener.StrictStore
	return opts
}

// SupervisorConfig converts the listener section into lifecycle settings.
// Call after Validate.
func (c *Config) SupervisorConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	if p, err := ingest.ParseBindPolicy(c.Listener.BindPolicy); err == nil {
		cfg.BootBindPolicy = p
	}
	if p, err := ingest.ParseBindPolicy(c.Listener.AddedBindPolicy); err == nil {
		cfg.AddedBindPolicy = p
	}
	if c.Listener.StopTimeout > 0 {
		cfg.StopTimeout = c.Listener.StopTimeout
	}
	return cfg
}
