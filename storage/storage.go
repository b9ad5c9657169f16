package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Store is a small persistent key/value store for client-side state such as
// the auth token and the recent error log.
type Store interface {
	// Get returns the stored value. Serialized backends return []byte.
	Get(ctx context.Context, key string) (bool, any, error)
	// Set stores val under key, replacing any previous value.
	Set(ctx context.Context, key string, val any) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Close releases the backend.
	Close() error
}

// Get retrieves a typed value from the store.
// For the memory store, it performs a direct type assertion.
// For serialized stores (SQLite, Redis), it deserializes from []byte using msgpack.
func Get[T any](ctx context.Context, s Store, key string) (bool, T, error) {
	var zero T
	found, val, err := s.Get(ctx, key)
	if !found || err != nil {
		return false, zero, err
	}
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	if data, ok := val.([]byte); ok {
		var result T
		if err := msgpack.Unmarshal(data, &result); err != nil {
			return false, zero, fmt.Errorf("storage: failed to unmarshal value for %q: %w", key, err)
		}
		return true, result, nil
	}
	return false, zero, fmt.Errorf("storage: cannot convert value of type %T to %T", val, zero)
}

// DefaultQueryTimeout bounds every operation of the I/O backed stores.
const DefaultQueryTimeout = 5 * time.Second

type config struct {
	queryTimeout time.Duration
	prefix       string
}

// Option configures a Store implementation.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{queryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for SQLite and Redis.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix namespaces keys. Applies to the Redis backend.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("storage: unknown driver")

// Config selects and configures a backend for Open.
type Config struct {
	// Driver is one of "memory", "sqlite" or "redis". Empty means memory.
	Driver string `yaml:"driver"`
	// Path is the SQLite database file. Empty or ":memory:" is in-memory.
	Path string `yaml:"path"`
	// URL is a redis:// connection URL.
	URL string `yaml:"url"`
	// Prefix namespaces Redis keys.
	Prefix string `yaml:"prefix"`
}

// Open returns the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(ctx, cfg.Path)
	case "redis":
		return OpenRedis(cfg.URL, WithPrefix(cfg.Prefix))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
