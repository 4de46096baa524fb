// Copyright 2025 PromptSentry
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

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"promptsentry/platform/shared/logger"
)

// BundleSource is the slice of the rule store the cache loads from.
type BundleSource interface {
	GetActiveBundle(ctx context.Context, tenant, channel string) (*PolicyBundle, error)
	ListRules(ctx context.Context, bundleID int64) ([]FilterRule, error)
	ListAllowlist(ctx context.Context, bundleID int64) ([]ListEntry, error)
	ListBlocklist(ctx context.Context, bundleID int64) ([]ListEntry, error)
}

type cacheKey struct {
	tenant  string
	channel string
}

// snapshotEntry is one cache slot. Fields other than done are written only
// by the loading goroutine, strictly before close(done); everyone else reads
// them only after done is closed.
type snapshotEntry struct {
	snapshot *Snapshot
	err      error
	loadedAt time.Time
	done     chan struct{}
}

func (e *snapshotEntry) ready() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *snapshotEntry) fresh(ttl time.Duration, now time.Time) bool {
	return e.ready() && now.Sub(e.loadedAt) < ttl
}

// TenantCache memoizes compiled policy snapshots per (tenant, channel) with
// a TTL. Concurrent misses on the same key share a single loader; reads
// within the TTL never touch the store.
type TenantCache struct {
	source BundleSource
	ttl    time.Duration
	log    *logger.Logger

	mu      sync.RWMutex
	entries map[cacheKey]*snapshotEntry
}

// NewTenantCache builds a cache over source. ttl <= 0 falls back to the
// 300-second default.
func NewTenantCache(source BundleSource, ttl time.Duration) *TenantCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &TenantCache{
		source:  source,
		ttl:     ttl,
		log:     logger.New("tenant-cache"),
		entries: make(map[cacheKey]*snapshotEntry),
	}
}

// Get returns the compiled snapshot for (tenant, channel), loading it on a
// miss or after expiry. A tenant without an active bundle gets an empty
// snapshot (built-in patterns only), cached like any other hit. Load
// failures are returned, not cached, so the next request retries.
func (c *TenantCache) Get(ctx context.Context, tenant, channel string) (*Snapshot, error) {
	key := cacheKey{tenant: tenant, channel: channel}
	now := time.Now()

	c.mu.RLock()
	entry := c.entries[key]
	c.mu.RUnlock()

	if entry != nil && entry.fresh(c.ttl, now) {
		return entry.snapshot, entry.err
	}

	// Miss, expiry, or in-flight load: decide under the write lock.
	c.mu.Lock()
	entry = c.entries[key]
	if entry != nil {
		if entry.fresh(c.ttl, now) {
			c.mu.Unlock()
			return entry.snapshot, entry.err
		}
		if !entry.ready() {
			// Someone else is loading; wait on their result.
			c.mu.Unlock()
			select {
			case <-entry.done:
				return entry.snapshot, entry.err
			case <-ctx.Done():
				return nil, fmt.Errorf("waiting for policy snapshot %s/%s: %w", tenant, channel, ctx.Err())
			}
		}
		// Completed but stale; fall through and become the loader.
	}
	loading := &snapshotEntry{done: make(chan struct{})}
	c.entries[key] = loading
	c.mu.Unlock()

	snap, err := c.load(ctx, tenant, channel)
	loading.snapshot = snap
	loading.err = err
	loading.loadedAt = time.Now()
	close(loading.done)

	if err != nil {
		// Drop the failed entry so the next request retries instead of
		// serving the error for a full TTL.
		c.mu.Lock()
		if c.entries[key] == loading {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, err
	}
	return snap, nil
}

func (c *TenantCache) load(ctx context.Context, tenant, channel string) (*Snapshot, error) {
	start := time.Now()

	bundle, err := c.source.GetActiveBundle(ctx, tenant, channel)
	if errors.Is(err, ErrNotFound) {
		// No active bundle: screen with built-in patterns only.
		return NewSnapshot(nil, nil, nil, nil, time.Now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bundle for %s/%s: %w", tenant, channel, err)
	}

	rules, err := c.source.ListRules(ctx, bundle.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for bundle %d: %w", bundle.ID, err)
	}
	allow, err := c.source.ListAllowlist(ctx, bundle.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load allowlist for bundle %d: %w", bundle.ID, err)
	}
	block, err := c.source.ListBlocklist(ctx, bundle.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocklist for bundle %d: %w", bundle.ID, err)
	}

	snap := NewSnapshot(bundle, rules, allow, block, time.Now())
	for _, w := range snap.Warnings {
		c.log.Warn(tenant, "", "dropped uncompilable pattern", map[string]interface{}{
			"bundle":  bundle.Name,
			"version": bundle.Version,
			"warning": w,
		})
	}
	c.log.InfoWithDuration(tenant, "", "policy snapshot loaded",
		float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"bundle":    bundle.Name,
			"version":   bundle.Version,
			"channel":   channel,
			"rules":     len(rules),
			"allowlist": len(allow),
			"blocklist": len(block),
		})
	return snap, nil
}

// Purge drops every cached snapshot for a tenant; the next access reloads.
func (c *TenantCache) Purge(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.tenant == tenant {
			delete(c.entries, key)
		}
	}
}

// PurgeAll empties the cache. Called after bundle activation so the next
// decide on any pair sees the new active set.
func (c *TenantCache) PurgeAll() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]*snapshotEntry)
	c.mu.Unlock()
}

// Len reports how many snapshots are cached, for the status endpoint.
func (c *TenantCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TTL exposes the configured snapshot lifetime.
func (c *TenantCache) TTL() time.Duration {
	return c.ttl
}
