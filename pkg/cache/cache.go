// Package cache holds the bounded monthly usage history. Merges never
// regress: a field upstream currently reports as absent cannot erase a
// value the cache already knows.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/tedwatch/tedwatch/pkg/types"
)

// Monthly is an in-memory month-keyed cache. Safe for concurrent use.
type Monthly struct {
	mu      sync.RWMutex
	entries map[types.MonthKey]types.CacheEntry

	now func() time.Time
}

// New returns an empty cache.
func New() *Monthly {
	return &Monthly{
		entries: make(map[types.MonthKey]types.CacheEntry),
		now:     time.Now,
	}
}

// Merge upserts rec by its month key. Fields merge non-nil-wins: an
// incoming nil average or total leaves the cached value in place.
func (c *Monthly) Merge(rec types.MonthlyUsageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := rec.Key()
	entry, ok := c.entries[key]
	if !ok {
		entry = types.CacheEntry{Record: rec}
	} else {
		if rec.TotalUsage != nil {
			entry.Record.TotalUsage = rec.TotalUsage
		}
		if rec.BillingUnitAverage != nil {
			entry.Record.BillingUnitAverage = rec.BillingUnitAverage
		}
		if rec.Unit != "" {
			entry.Record.Unit = rec.Unit
		}
	}
	entry.LastRefreshed = c.now()
	c.entries[key] = entry
}

// Get returns the cached record for (year, month).
func (c *Monthly) Get(year, month int) (types.MonthlyUsageRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[types.MonthKey{Year: year, Month: month}]
	if !ok {
		return types.MonthlyUsageRecord{}, false
	}
	return entry.Record, true
}

// SetReading records the cumulative device counter total observed for key's
// month, creating a bare entry if the month has no usage record yet.
func (c *Monthly) SetReading(key types.MonthKey, total float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		entry = types.CacheEntry{Record: types.MonthlyUsageRecord{Year: key.Year, Month: key.Month}}
	}
	entry.MonthEndReading = types.Float64Ptr(total)
	entry.LastRefreshed = c.now()
	c.entries[key] = entry
}

// Reading returns the cumulative counter total recorded for key's month,
// nil when never observed.
func (c *Monthly) Reading(key types.MonthKey) *float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	return entry.MonthEndReading
}

// EvictOlderThan drops entries strictly older than cutoff.
func (c *Monthly) EvictOlderThan(cutoff types.MonthKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}

// Snapshot returns the cached records chronologically ascending.
func (c *Monthly) Snapshot() []types.MonthlyUsageRecord {
	entries := c.Entries()
	out := make([]types.MonthlyUsageRecord, len(entries))
	for i, e := range entries {
		out[i] = e.Record
	}
	return out
}

// Entries returns the full cache contents chronologically ascending, for
// persistence.
func (c *Monthly) Entries() []types.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Record.Key().Before(out[j].Record.Key())
	})
	return out
}

// Restore replaces the cache contents with persisted entries.
func (c *Monthly) Restore(entries []types.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[types.MonthKey]types.CacheEntry, len(entries))
	for _, entry := range entries {
		c.entries[entry.Record.Key()] = entry
	}
}

// Len returns the number of cached months.
func (c *Monthly) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
