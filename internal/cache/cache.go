// Copyright 2026 The Slotgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/slotgate/slotgate/internal/dedup"
)

// Cache is a short-TTL read-through cache holding derived, disposable copies
// of ledger and status reads. Loads are coordinated through the dedup
// registry so a miss storm costs one backing-store execution. Writers call
// Invalidate before reporting success; the per-key generation counter makes
// sure a load that overlapped an invalidation can never publish the
// pre-mutation value.
type Cache struct {
	ttl      time.Duration
	registry *dedup.Registry

	mu      sync.RWMutex
	entries map[string]entry
	gens    map[string]uint64
}

type entry struct {
	value     any
	expiresAt time.Time
}

// New creates a new cache with a per-entry TTL.
func New(ttl time.Duration, registry *dedup.Registry) *Cache {
	return &Cache{
		ttl:      ttl,
		registry: registry,
		entries:  make(map[string]entry),
		gens:     make(map[string]uint64),
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// GetOrLoad returns the cached value for key, invoking loader once on a miss.
// Concurrent misses for the same key share a single loader execution.
func (c *Cache) GetOrLoad(ctx context.Context, key string, loader func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err := c.registry.Do(ctx, "cache:"+key, func() (any, error) {
		// A racing caller may have filled the entry while this one was
		// waiting to start the flight.
		if v, ok := c.Get(key); ok {
			return v, nil
		}

		gen := c.generation(key)
		// The load must finish for every joined waiter even if the
		// initiating caller's context is cancelled.
		v, err := loader(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.store(key, v, gen)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Value, res.Err
}

// Invalidate drops the entries for keys and advances their generations so
// in-flight loads started before the invalidation cannot repopulate them.
// Mutators call this before replying; no caller can hit stale post-write
// state.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		delete(c.entries, key)
		c.gens[key]++
	}
}

func (c *Cache) generation(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[key]
}

// store publishes a loaded value unless the key was invalidated since the
// load began.
func (c *Cache) store(key string, value any, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[key] != gen {
		return
	}
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
