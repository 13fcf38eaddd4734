package orbit

import (
	"log/slog"
	"time"
)

// Options holds the configuration surface consumed by orm.Init. Options are
// read once at initialization and never re-read afterwards.
type Options struct {
	// Entities lists the entity names to register. When empty every
	// definition handed to orm.Init is registered, unless discovery
	// requires an explicit list.
	Entities []string `mapstructure:"entities" yaml:"entities,omitempty"`

	// DBName is the database (or table prefix) name.
	DBName string `mapstructure:"dbName" yaml:"dbName,omitempty"`

	// ClientURL overrides the connection URL reported in logs.
	ClientURL string `mapstructure:"clientUrl" yaml:"clientUrl,omitempty"`

	// EnsureIndexes runs index creation on init.
	EnsureIndexes bool `mapstructure:"ensureIndexes" yaml:"ensureIndexes"`

	// Debug wraps the driver with a logging driver.
	Debug bool `mapstructure:"debug" yaml:"debug"`

	Discovery DiscoveryOptions `mapstructure:"discovery" yaml:"discovery"`
	Cache     CacheOptions     `mapstructure:"cache" yaml:"cache"`

	// CacheAdapter is the adapter used when Cache.Enabled is set.
	// A nil adapter means the in-memory adapter.
	CacheAdapter Cache `mapstructure:"-" yaml:"-"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `mapstructure:"-" yaml:"-"`
}

// DiscoveryOptions controls how entity metadata is collected.
type DiscoveryOptions struct {
	// DisableDynamicFileAccess forces explicit metadata, disables the
	// result cache and requires the Entities list.
	DisableDynamicFileAccess bool `mapstructure:"disableDynamicFileAccess" yaml:"disableDynamicFileAccess"`

	// RequireEntitiesArray fails initialization when Entities is empty.
	RequireEntitiesArray bool `mapstructure:"requireEntitiesArray" yaml:"requireEntitiesArray"`
}

// CacheOptions controls the read-through result cache.
type CacheOptions struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl,omitempty"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Cache: CacheOptions{TTL: time.Minute},
	}
}

// Normalize applies the derived settings: disabling dynamic file access
// turns the cache off and requires an explicit entity list.
func (o *Options) Normalize() {
	if o.Discovery.DisableDynamicFileAccess {
		o.Discovery.RequireEntitiesArray = true
		o.Cache.Enabled = false
		o.CacheAdapter = nil
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// LockMode selects the concurrency-control mode of a read or lock call.
type LockMode uint8

// Lock modes.
const (
	LockNone LockMode = iota
	LockOptimistic
	LockPessimisticRead
	LockPessimisticWrite
)

// String implements fmt.Stringer.
func (m LockMode) String() string {
	switch m {
	case LockOptimistic:
		return "optimistic"
	case LockPessimisticRead:
		return "pessimistic_read"
	case LockPessimisticWrite:
		return "pessimistic_write"
	default:
		return "none"
	}
}

// Pessimistic reports whether the mode requires a backend lock.
func (m LockMode) Pessimistic() bool {
	return m == LockPessimisticRead || m == LockPessimisticWrite
}
