// Package transient is a short lived staging area for test objects which
// were created but are not bound to a test run yet.
//
// Entries expire after a fixed TTL measured from insertion. Expired entries
// are never returned, Evict reclaims their memory. Entries are deliberately
// not durable: Stream refuses to serialize them.
package transient

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/etf-validator/etfd/internal/model"
)

const DefaultTTL = 7 * time.Minute

var (
	ErrNotFound   = fmt.Errorf("transient entry %w", model.ErrNotFound)
	ErrNotDurable = fmt.Errorf("transient entry is %w", model.ErrNotDurable)
)

type entry[V any] struct {
	value    V
	inserted time.Time
}

type Cache[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mx      sync.Mutex
	entries map[K]entry[V]
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New returns a cache with the given TTL, values <= 0 mean DefaultTTL.
func New[K comparable, V any](ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[K, V]{
		ttl:     ttl,
		now:     o.now,
		entries: make(map[K]entry[V]),
	}
}

func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Put inserts or replaces the value, the TTL starts again.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.entries[key] = entry[V]{value: value, inserted: c.now()}
}

// Get returns the value or ErrNotFound if the key is missing or expired.
func (c *Cache[K, V]) Get(key K) (V, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	e, ok := c.live(key)
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return e.value, nil
}

func (c *Cache[K, V]) Contains(key K) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, ok := c.live(key)
	return ok
}

// Take removes the entry and returns its value. It is used to promote an
// entry into a durable form, at most one caller gets the value.
func (c *Cache[K, V]) Take(key K) (V, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	e, ok := c.live(key)
	delete(c.entries, key)
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return e.value, nil
}

// Delete removes the entry and reports if a live one existed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, ok := c.live(key)
	delete(c.entries, key)
	return ok
}

// Evict removes all expired entries and returns their number.
func (c *Cache[K, V]) Evict() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	now := c.now()
	var n int
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries including the expired ones
// which were not evicted yet.
func (c *Cache[K, V]) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.entries)
}

// Stream fails for every entry, staged data can't be served as if they were
// durable. ErrNotDurable is returned for live entries, ErrNotFound otherwise.
func (c *Cache[K, V]) Stream(_ io.Writer, key K) error {
	if c.Contains(key) {
		return ErrNotDurable
	}
	return ErrNotFound
}

func (c *Cache[K, V]) live(key K) (entry[V], bool) {
	e, ok := c.entries[key]
	if !ok || c.expired(e, c.now()) {
		return entry[V]{}, false
	}
	return e, true
}

func (c *Cache[K, V]) expired(e entry[V], now time.Time) bool {
	return !now.Before(e.inserted.Add(c.ttl))
}
