// Package cache implements shard storage with TTL expiry, tier-budget and
// global-cap eviction, and a demand-signal bias on eviction priority.
// Eviction is strictly priority-deterministic: ties are broken by
// lexicographically smaller shard id, so independently-running nodes
// holding the same state evict the same entries under peer pressure.
package cache

import (
	"bytes"
	"sort"
	"sync"

	"github.com/veil-project/veil-node/policy"
)

// ShardID is the 32-byte BLAKE3 digest of a canonical-CBOR-encoded shard.
type ShardID [32]byte

// Entry is one cached shard.
type Entry struct {
	Bytes        []byte
	ExpiryStep   uint64
	LastSeenStep uint64
}

// EvictReason labels why an entry was removed by the eviction machinery.
type EvictReason string

const (
	EvictExpired    EvictReason = "expired"
	EvictTierBudget EvictReason = "tier_budget"
	EvictGlobalCap  EvictReason = "global_cap"
)

// Cache holds shard bytes plus the replica/tier/demand side-tables the
// eviction policy reads. All four maps are sibling fields on this one
// owner rather than cross-referencing structs, so inbox, cache, replica,
// and eviction state only ever mutate inside Cache's own methods.
type Cache struct {
	mu sync.Mutex

	cfg policy.Config

	entries   map[ShardID]*Entry
	replica   map[ShardID]uint64
	tier      map[ShardID]policy.TrustTier
	requested map[ShardID]uint64

	onEvict func(id ShardID, reason EvictReason)
}

// New builds an empty Cache governed by cfg's per-tier storage budgets and
// global cap.
func New(cfg policy.Config) *Cache {
	return &Cache{
		cfg:       cfg,
		entries:   make(map[ShardID]*Entry),
		replica:   make(map[ShardID]uint64),
		tier:      make(map[ShardID]policy.TrustTier),
		requested: make(map[ShardID]uint64),
	}
}

// SetEvictionObserver registers fn to be called once per evicted entry
// with the reason it was removed. fn runs with the cache lock held and
// must not call back into the cache. Explicit Invalidate calls are not
// reported; only TTL expiry and budget/cap pressure are.
func (c *Cache) SetEvictionObserver(fn func(id ShardID, reason EvictReason)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Has reports whether id is currently cached.
func (c *Cache) Has(id ShardID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Get returns the cached bytes for id, if present.
func (c *Cache) Get(id ShardID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.Bytes, true
}

// Len returns the number of cached shards.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ShardIDs returns every currently cached shard id, in unspecified order.
// Used by the Bloom exchange (C14) to summarize local cache contents.
func (c *Cache) ShardIDs() []ShardID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ShardID, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	return out
}

// TierOf returns the recorded trust tier for id, if any.
func (c *Cache) TierOf(id ShardID) (policy.TrustTier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tier[id]
	return t, ok
}

// ReplicaEstimate returns the current replica count estimate for id.
func (c *Cache) ReplicaEstimate(id ShardID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica[id]
}

// Put upserts id with bytes, resetting its TTL, then runs the full
// expiry/budget/global-cap eviction pass. It reports whether id was
// already present (the idempotent-accept path relies on this to answer
// IgnoredDuplicate upstream).
func (c *Cache) Put(id ShardID, data []byte, now, ttl uint64, tier policy.TrustTier) (alreadyPresent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, alreadyPresent = c.entries[id]
	c.entries[id] = &Entry{Bytes: data, ExpiryStep: now + ttl, LastSeenStep: now}
	if tier == policy.Trusted || tier == policy.Known {
		c.replica[id]++
	} else if _, ok := c.replica[id]; !ok {
		c.replica[id] = 0
	}
	c.tier[id] = tier

	c.evictExpiredLocked(now)
	c.evictOverBudgetLocked()
	c.evictOverGlobalCapLocked()
	return alreadyPresent
}

// NoteRequested bumps the demand counter for id, reducing its future
// eviction priority.
func (c *Cache) NoteRequested(id ShardID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		c.requested[id]++
	}
}

// RequestedCount returns the demand counter for id.
func (c *Cache) RequestedCount(id ShardID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested[id]
}

// ExportedShard is one cache entry flattened with its replica/tier/demand
// side-table values, the shape the snapshot store persists and restores.
type ExportedShard struct {
	ID           ShardID
	Bytes        []byte
	ExpiryStep   uint64
	LastSeenStep uint64
	Tier         policy.TrustTier
	Replicas     uint64
	Requested    uint64
}

// Export returns every cached entry with its side-table state, sorted by
// shard id so snapshots of equal caches are byte-identical.
func (c *Cache) Export() []ExportedShard {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ExportedShard, 0, len(c.entries))
	for id, e := range c.entries {
		out = append(out, ExportedShard{
			ID:           id,
			Bytes:        append([]byte(nil), e.Bytes...),
			ExpiryStep:   e.ExpiryStep,
			LastSeenStep: e.LastSeenStep,
			Tier:         c.tier[id],
			Replicas:     c.replica[id],
			Requested:    c.requested[id],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// RestoreShards reinserts previously exported entries, then reruns the
// tier-budget and global-cap passes so a snapshot taken under a looser
// policy still lands within the current one. TTL expiry is left to the
// next Put, which knows the current step.
func (c *Cache) RestoreShards(shards []ExportedShard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range shards {
		c.entries[s.ID] = &Entry{
			Bytes:        append([]byte(nil), s.Bytes...),
			ExpiryStep:   s.ExpiryStep,
			LastSeenStep: s.LastSeenStep,
		}
		c.tier[s.ID] = s.Tier
		c.replica[s.ID] = s.Replicas
		if s.Requested > 0 {
			c.requested[s.ID] = s.Requested
		}
	}
	c.evictOverBudgetLocked()
	c.evictOverGlobalCapLocked()
}

// Invalidate explicitly removes id from the cache.
func (c *Cache) Invalidate(id ShardID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(id)
}

func (c *Cache) deleteLocked(id ShardID) {
	delete(c.entries, id)
	delete(c.replica, id)
	delete(c.tier, id)
	delete(c.requested, id)
}

func (c *Cache) evictLocked(id ShardID, reason EvictReason) {
	c.deleteLocked(id)
	if c.onEvict != nil {
		c.onEvict(id, reason)
	}
}

func (c *Cache) evictExpiredLocked(now uint64) {
	for id, e := range c.entries {
		if e.ExpiryStep <= now {
			c.evictLocked(id, EvictExpired)
		}
	}
}

func (c *Cache) priorityLocked(id ShardID, now uint64) float64 {
	e := c.entries[id]
	age := uint64(0)
	if e != nil && now > e.LastSeenStep {
		age = now - e.LastSeenStep
	}
	return policy.EvictionPriority(c.tier[id], c.replica[id], age, c.requested[id])
}

// highestPriorityLocked scans candidates (or, if candidates is nil, every
// cached entry) and returns the shard id with the highest eviction
// priority; on a priority tie it returns the lexicographically larger id,
// so the smaller one is kept.
func (c *Cache) highestPriorityLocked(candidates []ShardID, now uint64) (ShardID, bool) {
	var best ShardID
	var bestPriority float64 = -1
	found := false

	// On a priority tie, the lexicographically smaller id is kept, so the
	// larger id is preferred as the eviction victim.
	consider := func(id ShardID) {
		p := c.priorityLocked(id, now)
		if !found || p > bestPriority || (p == bestPriority && bytes.Compare(id[:], best[:]) > 0) {
			best = id
			bestPriority = p
			found = true
		}
	}

	if candidates == nil {
		for id := range c.entries {
			consider(id)
		}
	} else {
		for _, id := range candidates {
			if _, ok := c.entries[id]; ok {
				consider(id)
			}
		}
	}
	return best, found
}

func (c *Cache) countByTierLocked() map[policy.TrustTier]int {
	counts := make(map[policy.TrustTier]int)
	for id := range c.entries {
		counts[c.tier[id]]++
	}
	return counts
}

// evictOverBudgetLocked repeatedly picks the tier with the largest budget
// overshoot and evicts its single highest-priority entry. Age is scored
// against the greatest LastSeenStep observed, standing in for "now" since
// eviction always runs inline with Put.
func (c *Cache) evictOverBudgetLocked() {
	now := c.latestSeenLocked()
	for {
		counts := c.countByTierLocked()
		overTier, overshoot, any := c.worstOvershootLocked(counts)
		if !any || overshoot <= 0 {
			return
		}
		candidates := make([]ShardID, 0)
		for id, t := range c.tier {
			if t == overTier {
				candidates = append(candidates, id)
			}
		}
		victim, ok := c.highestPriorityLocked(candidates, now)
		if !ok {
			return
		}
		c.evictLocked(victim, EvictTierBudget)
	}
}

func (c *Cache) worstOvershootLocked(counts map[policy.TrustTier]int) (policy.TrustTier, int, bool) {
	var worstTier policy.TrustTier
	worst := 0
	any := false
	for tier, count := range counts {
		budget, ok := c.cfg.StorageBudget[tier]
		if !ok {
			continue
		}
		over := count - budget
		if over > 0 && (!any || over > worst) {
			worst = over
			worstTier = tier
			any = true
		}
	}
	return worstTier, worst, any
}

func (c *Cache) evictOverGlobalCapLocked() {
	if c.cfg.GlobalCap <= 0 {
		return
	}
	now := c.latestSeenLocked()
	for len(c.entries) > c.cfg.GlobalCap {
		victim, ok := c.highestPriorityLocked(nil, now)
		if !ok {
			return
		}
		c.evictLocked(victim, EvictGlobalCap)
	}
}

func (c *Cache) latestSeenLocked() uint64 {
	var max uint64
	for _, e := range c.entries {
		if e.LastSeenStep > max {
			max = e.LastSeenStep
		}
	}
	return max
}
