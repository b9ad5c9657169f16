package resilience

import (
	"sort"
	"sync"
)

// Breakers lazily creates one CircuitBreaker per endpoint key. Breakers live
// as long as the registry; distinct keys never share counters.
type Breakers struct {
	config   CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakers returns an empty registry. Every breaker it creates uses config.
func NewBreakers(config CircuitBreakerConfig) *Breakers {
	return &Breakers{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (b *Breakers) Get(key string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[key]
	if !ok {
		cb = NewNamedCircuitBreaker(key, b.config)
		b.breakers[key] = cb
	}
	return cb
}

// Reset forces the breaker for key back to CLOSED. It returns false if no
// breaker exists for key yet.
func (b *Breakers) Reset(key string) bool {
	b.mu.Lock()
	cb, ok := b.breakers[key]
	b.mu.Unlock()
	if ok {
		cb.Reset()
	}
	return ok
}

// ResetAll resets every known breaker.
func (b *Breakers) ResetAll() {
	for _, cb := range b.list() {
		cb.Reset()
	}
}

// Keys returns the known endpoint keys in sorted order.
func (b *Breakers) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.breakers))
	for k := range b.breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns the stats of every known breaker keyed by endpoint.
func (b *Breakers) Snapshot() map[string]CircuitBreakerStats {
	out := make(map[string]CircuitBreakerStats)
	for _, cb := range b.list() {
		out[cb.Name()] = cb.Stats()
	}
	return out
}

func (b *Breakers) list() []*CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		out = append(out, cb)
	}
	return out
}
