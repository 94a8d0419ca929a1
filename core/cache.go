package core

// Multi-tier cache: resolved pointer records with TTL, immutable content by
// CID, per-gateway failure streaks for the circuit breaker, and the
// known-fresh markers that make the zero-RTT read path possible.

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

type recordEntry struct {
	value      *ResolvedRecord
	insertedAt time.Time
}

type failureEntry struct {
	consecutive int
	lastFailure time.Time
}

// Cache is safe for concurrent use. Content entries never expire (a CID is
// immutable); the LRU bound only caps memory.
type Cache struct {
	mu sync.Mutex

	records    map[string]recordEntry
	content    *lru.Cache[string, TxfData]
	failures   map[string]failureEntry
	knownFresh map[string]time.Time

	recordTTL        time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	freshWindow      time.Duration

	clk clock.Clock
}

// NewCache builds a cache from normalized options. clk may be a mock in tests;
// nil selects the wall clock.
func NewCache(o Options, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	content, err := lru.New[string, TxfData](defaultContentCacheEntries)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &Cache{
		records:          make(map[string]recordEntry),
		content:          content,
		failures:         make(map[string]failureEntry),
		knownFresh:       make(map[string]time.Time),
		recordTTL:        o.RecordCacheTTL,
		breakerThreshold: o.BreakerThreshold,
		breakerCooldown:  o.BreakerCooldown,
		freshWindow:      o.KnownFreshWindow,
		clk:              clk,
	}
}

// Record returns the cached pointer record for name, or nil once the TTL has
// elapsed (the stale entry is dropped on the way out).
func (c *Cache) Record(name string) *ResolvedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records[name]
	if !ok {
		return nil
	}
	if c.clk.Now().Sub(e.insertedAt) >= c.recordTTL {
		delete(c.records, name)
		return nil
	}
	return e.value
}

// RecordIgnoreTTL returns the cached record regardless of age. Used for the
// stale-read fallback when every gateway is unreachable.
func (c *Cache) RecordIgnoreTTL(name string) *ResolvedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.records[name]; ok {
		return e.value
	}
	return nil
}

// PutRecord caches rec under name, resetting the TTL window.
func (c *Cache) PutRecord(name string, rec *ResolvedRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[name] = recordEntry{value: rec, insertedAt: c.clk.Now()}
}

// InvalidateRecord drops the cached record for name.
func (c *Cache) InvalidateRecord(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, name)
}

// Content returns the cached document for cid.
func (c *Cache) Content(cid string) (TxfData, bool) {
	return c.content.Get(cid)
}

// PutContent caches doc under cid.
func (c *Cache) PutContent(cid string, doc TxfData) {
	c.content.Add(cid, doc)
}

// RecordFailure bumps gateway's consecutive-failure streak.
func (c *Cache) RecordFailure(gateway string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.failures[gateway]
	e.consecutive++
	e.lastFailure = c.clk.Now()
	c.failures[gateway] = e
}

// RecordSuccess clears gateway's failure streak.
func (c *Cache) RecordSuccess(gateway string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, gateway)
}

// InCooldown reports whether gateway is tripped. An elapsed cooldown clears
// the streak so the gateway re-enters rotation with a clean slate.
func (c *Cache) InCooldown(gateway string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.failures[gateway]
	if !ok || e.consecutive < c.breakerThreshold {
		return false
	}
	if c.clk.Now().Sub(e.lastFailure) >= c.breakerCooldown {
		delete(c.failures, gateway)
		return false
	}
	return true
}

// MarkFresh records that we just wrote (or were pushed) the newest pointer
// for name.
func (c *Cache) MarkFresh(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownFresh[name] = c.clk.Now()
}

// KnownFresh reports whether name is inside the zero-RTT window.
func (c *Cache) KnownFresh(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.knownFresh[name]
	if !ok {
		return false
	}
	if c.clk.Now().Sub(at) >= c.freshWindow {
		delete(c.knownFresh, name)
		return false
	}
	return true
}

// Clear empties every tier.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]recordEntry)
	c.failures = make(map[string]failureEntry)
	c.knownFresh = make(map[string]time.Time)
	c.content.Purge()
}
