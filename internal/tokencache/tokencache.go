/*
Copyright 2026 Devolutions Gateway Core Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tokencache implements the jti -> source address binding the
// token verifier enforces: a given jti may only be reused from the
// source address it was first seen from, and only until the token's own
// exp. The cache is bounded (an LRU over the configured capacity) and
// additionally evicts an entry lazily the first time it is looked up
// after its exp has passed, so replay cannot be revived by eviction
// pressure alone.
package tokencache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
)

// DefaultCapacity bounds the cache when Config.Capacity is zero.
const DefaultCapacity = 100_000

// entry is what the cache stores per jti.
type entry struct {
	sourceAddr string
	expiry     time.Time
}

// Cache is the process-wide, concurrent jti replay cache.
type Cache struct {
	clock clockwork.Clock

	mu    sync.Mutex
	inner *lru.Cache
}

// Config configures a Cache.
type Config struct {
	// Capacity bounds the number of tracked jtis; defaults to DefaultCapacity.
	Capacity int
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

func (c *Config) checkAndSetDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// New builds a Cache per cfg.
func New(cfg Config) (*Cache, error) {
	cfg.checkAndSetDefaults()
	inner, err := lru.New(cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{clock: cfg.Clock, inner: inner}, nil
}

// Outcome is the result of CheckAndRemember.
type Outcome int

const (
	// FirstUse means the jti had not been seen before (or had expired); it
	// is now bound to sourceAddr until expiry.
	FirstUse Outcome = iota
	// ReusedSameSource means the jti was already bound to sourceAddr: a
	// benign retry, allowed.
	ReusedSameSource
	// Replayed means the jti is bound to a different source address: reject.
	Replayed
)

// CheckAndRemember implements the reuse policy: a jti may be reused only
// from the same source address and only until expiry. It atomically
// checks and, on FirstUse or ReusedSameSource, (re)binds the entry.
func (c *Cache) CheckAndRemember(jti, sourceAddr string, expiry time.Time) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if raw, ok := c.inner.Get(jti); ok {
		e := raw.(entry)
		if now.After(e.expiry) {
			// Lazily evict: the binding has expired, so this presentation
			// starts a fresh binding rather than being compared to stale state.
			c.inner.Remove(jti)
		} else if e.sourceAddr == sourceAddr {
			return ReusedSameSource
		} else {
			return Replayed
		}
	}

	c.inner.Add(jti, entry{sourceAddr: sourceAddr, expiry: expiry})
	return FirstUse
}

// Len reports the number of tracked jtis, for observability.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
