// Package cache provides a generic, thread-safe TTL store for last-seen
// records.
//
// Entries carry their own expiry: Put stores a value with an explicit TTL,
// Get never returns a value past its deadline (the expired entry is evicted
// on read), and a single background sweep removes entries that were never
// read again. Keys follow the "<kind>:<id>" convention so GetByPrefix can
// return every live record of one kind.
//
// Statistics are always collected; prometheus metrics are optional via
// WithMetrics.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PyRo1121/hetzner-sub000/errors"
)

// DefaultTTL applies when Put is called with a non-positive TTL.
const DefaultTTL = 5 * time.Minute

// DefaultSweepInterval is how often the background sweep removes expired
// entries that were never read.
const DefaultSweepInterval = time.Minute

// entry is a stored value with its expiry deadline.
type entry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
	expiresAt  time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// EvictCallback is called when an entry is evicted or deleted.
type EvictCallback[V any] func(key string, value V)

// Store is a TTL-keyed map of last-seen values.
type Store[V any] struct {
	mu            sync.RWMutex
	items         map[string]*entry[V]
	defaultTTL    time.Duration
	sweepInterval time.Duration
	stats         *Statistics
	metrics       *storeMetrics
	evictFn       EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Option configures a Store.
type Option[V any] func(*storeOptions[V])

type storeOptions[V any] struct {
	defaultTTL    time.Duration
	sweepInterval time.Duration
	registrar     counterRegistrar
	metricsPrefix string
	evictFn       EvictCallback[V]
}

// WithDefaultTTL overrides the TTL used when Put receives a non-positive one.
func WithDefaultTTL[V any](ttl time.Duration) Option[V] {
	return func(o *storeOptions[V]) {
		if ttl > 0 {
			o.defaultTTL = ttl
		}
	}
}

// WithSweepInterval overrides the background sweep interval.
func WithSweepInterval[V any](interval time.Duration) Option[V] {
	return func(o *storeOptions[V]) {
		if interval > 0 {
			o.sweepInterval = interval
		}
	}
}

// WithMetrics enables prometheus metrics export for store statistics.
func WithMetrics[V any](registrar counterRegistrar, prefix string) Option[V] {
	return func(o *storeOptions[V]) {
		if registrar != nil && prefix != "" {
			o.registrar = registrar
			o.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked for evicted entries.
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(o *storeOptions[V]) {
		o.evictFn = fn
	}
}

// New creates a Store and starts its background sweep. The sweep stops when
// ctx is cancelled or Close is called.
func New[V any](ctx context.Context, opts ...Option[V]) (*Store[V], error) {
	o := &storeOptions[V]{
		defaultTTL:    DefaultTTL,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(o)
	}

	var metrics *storeMetrics
	if o.registrar != nil {
		var err error
		metrics, err = newStoreMetrics(o.registrar, o.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "New", "metrics registration")
		}
	}

	s := &Store[V]{
		items:         make(map[string]*entry[V]),
		defaultTTL:    o.defaultTTL,
		sweepInterval: o.sweepInterval,
		stats:         NewStatistics(),
		metrics:       metrics,
		evictFn:       o.evictFn,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go s.sweep(ctx)

	return s, nil
}

// Key builds the canonical "<kind>:<id>" composite key.
func Key(kind, id string) string {
	return kind + ":" + id
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(fmt.Errorf("empty key"), "cache", "validateKey", "validate key")
	}
	return nil
}

// Put stores a value with the given TTL. A non-positive TTL falls back to
// the store default. Returns true if a new entry was created.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now()

	s.mu.Lock()
	_, exists := s.items[key]
	s.items[key] = &entry[V]{
		key:        key,
		value:      value,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	size := len(s.items)
	s.mu.Unlock()

	s.stats.Set()
	s.stats.UpdateSize(int64(size))
	if s.metrics != nil {
		s.metrics.recordSet()
		s.metrics.updateSize(size)
	}

	return !exists, nil
}

// Get retrieves a live value by key. An expired entry is evicted and
// reported as a miss; the caller never sees a value past its deadline.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V

	s.mu.RLock()
	e, exists := s.items[key]
	s.mu.RUnlock()

	if !exists {
		s.miss()
		return zero, false
	}

	if e.expired(time.Now()) {
		s.evictExpired(key)
		s.miss()
		return zero, false
	}

	s.stats.Hit()
	if s.metrics != nil {
		s.metrics.recordHit()
	}
	return e.value, true
}

// GetByPrefix returns all live values whose key starts with "<prefix>:".
// Results are not ordered.
func (s *Store[V]) GetByPrefix(prefix string) []V {
	needle := prefix + ":"
	now := time.Now()

	s.mu.RLock()
	values := make([]V, 0)
	for key, e := range s.items {
		if strings.HasPrefix(key, needle) && !e.expired(now) {
			values = append(values, e.value)
		}
	}
	s.mu.RUnlock()

	return values
}

// Delete removes an entry by key. Returns true if the key existed.
func (s *Store[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	e, exists := s.items[key]
	if exists {
		delete(s.items, key)
		if s.evictFn != nil {
			defer s.evictFn(key, e.value)
		}
	}
	size := len(s.items)
	s.mu.Unlock()

	if exists {
		s.stats.Delete()
		s.stats.UpdateSize(int64(size))
		if s.metrics != nil {
			s.metrics.recordDelete()
			s.metrics.updateSize(size)
		}
	}
	return exists, nil
}

// Clear removes all entries.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	if s.evictFn != nil {
		for _, e := range s.items {
			s.evictFn(e.key, e.value)
		}
	}
	s.items = make(map[string]*entry[V])
	s.mu.Unlock()

	s.stats.UpdateSize(0)
	if s.metrics != nil {
		s.metrics.updateSize(0)
	}
}

// Size returns the current number of entries, including entries that have
// expired but have not been swept yet.
func (s *Store[V]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Keys returns all keys with live entries.
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(s.items))
	for key, e := range s.items {
		if !e.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns store statistics.
func (s *Store[V]) Stats() *Statistics {
	return s.stats
}

// Close stops the background sweep. Safe to call more than once.
func (s *Store[V]) Close() error {
	s.once.Do(func() {
		close(s.shutdown)
	})

	select {
	case <-s.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for sweep goroutine to finish")
	}
}

func (s *Store[V]) miss() {
	s.stats.Miss()
	if s.metrics != nil {
		s.metrics.recordMiss()
	}
}

// evictExpired removes key if it is still present and still expired.
func (s *Store[V]) evictExpired(key string) {
	s.mu.Lock()
	e, exists := s.items[key]
	if exists && e.expired(time.Now()) {
		delete(s.items, key)
		if s.evictFn != nil {
			defer s.evictFn(key, e.value)
		}
		size := len(s.items)
		s.stats.Eviction()
		s.stats.UpdateSize(int64(size))
		if s.metrics != nil {
			s.metrics.recordEviction()
			s.metrics.updateSize(size)
		}
	}
	s.mu.Unlock()
}

// sweep periodically removes expired entries.
func (s *Store[V]) sweep(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *Store[V]) removeExpired() {
	now := time.Now()
	var expired []*entry[V]

	s.mu.Lock()
	for key, e := range s.items {
		if e.expired(now) {
			expired = append(expired, e)
			delete(s.items, key)
		}
	}
	size := len(s.items)
	s.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	// Callbacks run outside the lock
	if s.evictFn != nil {
		for _, e := range expired {
			s.evictFn(e.key, e.value)
		}
	}

	for range expired {
		s.stats.Eviction()
	}
	s.stats.UpdateSize(int64(size))
	if s.metrics != nil {
		for range expired {
			s.metrics.recordEviction()
		}
		s.metrics.updateSize(size)
	}
}
