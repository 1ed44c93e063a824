package cache

import (
	"testing"

	"github.com/veil-project/veil-node/policy"
)

func id(b byte) ShardID {
	var s ShardID
	for i := range s {
		s[i] = b
	}
	return s
}

func TestPutAndGet(t *testing.T) {
	c := New(policy.DefaultConfig())
	a := id(1)
	if already := c.Put(a, []byte("x"), 0, 100, policy.Known); already {
		t.Fatal("expected first put to report not-already-present")
	}
	got, ok := c.Get(a)
	if !ok || string(got) != "x" {
		t.Fatalf("get mismatch: %q, %v", got, ok)
	}
}

func TestIdempotentAccept(t *testing.T) {
	c := New(policy.DefaultConfig())
	a := id(1)
	c.Put(a, []byte("x"), 0, 100, policy.Known)
	already := c.Put(a, []byte("x"), 1, 100, policy.Known)
	if !already {
		t.Fatal("expected second put of same id to report already-present")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestReplicaEstimateOnlyIncrementsForTrustedOrKnown(t *testing.T) {
	c := New(policy.DefaultConfig())
	a := id(1)
	c.Put(a, []byte("x"), 0, 100, policy.Unknown)
	if got := c.ReplicaEstimate(a); got != 0 {
		t.Fatalf("expected 0 replica for Unknown tier, got %d", got)
	}
	c.Put(a, []byte("x"), 0, 100, policy.Trusted)
	if got := c.ReplicaEstimate(a); got != 1 {
		t.Fatalf("expected replica estimate 1 after Trusted put, got %d", got)
	}
}

func TestExpiryEviction(t *testing.T) {
	c := New(policy.DefaultConfig())
	a := id(1)
	c.Put(a, []byte("x"), 0, 10, policy.Known)
	c.Put(id(2), []byte("y"), 20, 10, policy.Known) // triggers expiry sweep at now=20
	if c.Has(a) {
		t.Fatal("expected expired entry to be evicted")
	}
}

func TestBudgetEnforcement(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.StorageBudget[policy.Unknown] = 2
	cfg.GlobalCap = 1000
	c := New(cfg)
	for i := 0; i < 5; i++ {
		c.Put(id(byte(i)), []byte{byte(i)}, uint64(i), 100000, policy.Unknown)
	}
	counts := 0
	for i := 0; i < 5; i++ {
		if c.Has(id(byte(i))) {
			counts++
		}
	}
	if counts > cfg.StorageBudget[policy.Unknown] {
		t.Fatalf("tier budget violated: %d entries present, budget %d", counts, cfg.StorageBudget[policy.Unknown])
	}
}

func TestGlobalCapEnforcement(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.GlobalCap = 3
	for k := range cfg.StorageBudget {
		cfg.StorageBudget[k] = 1000
	}
	c := New(cfg)
	for i := 0; i < 10; i++ {
		c.Put(id(byte(i)), []byte{byte(i)}, uint64(i), 100000, policy.Known)
	}
	if c.Len() > cfg.GlobalCap {
		t.Fatalf("global cap violated: %d entries present, cap %d", c.Len(), cfg.GlobalCap)
	}
}

func TestNoteRequestedLowersEvictionOdds(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.StorageBudget[policy.Unknown] = 1
	cfg.GlobalCap = 1000
	c := New(cfg)
	keep := id(1)
	c.Put(keep, []byte("keep"), 0, 100000, policy.Unknown)
	c.NoteRequested(keep)
	for i := 0; i < 16; i++ {
		c.NoteRequested(keep)
	}
	c.Put(id(2), []byte("evict-candidate"), 0, 100000, policy.Unknown)
	if !c.Has(keep) {
		t.Fatal("expected heavily-requested entry to survive eviction")
	}
}

func TestEvictionDeterministicTieBreak(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.StorageBudget[policy.Unknown] = 1
	cfg.GlobalCap = 1000
	c := New(cfg)
	lower := id(0x01)
	higher := id(0xFF)
	c.Put(higher, []byte("h"), 0, 100000, policy.Unknown)
	c.Put(lower, []byte("l"), 0, 100000, policy.Unknown)
	// Equal priority (same tier, replica, age, demand): lexicographically
	// smaller id (lower) must be retained, higher evicted first.
	if c.Has(higher) == c.Has(lower) {
		t.Fatalf("expected exactly one survivor")
	}
	if !c.Has(lower) {
		t.Fatal("expected lexicographically smaller id to survive the tie-break")
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	c := New(policy.DefaultConfig())
	a, b := id(1), id(2)
	c.Put(a, []byte("aa"), 5, 100, policy.Trusted)
	c.Put(b, []byte("bb"), 6, 100, policy.Unknown)
	c.NoteRequested(b)

	exported := c.Export()
	if len(exported) != 2 {
		t.Fatalf("expected 2 exported entries, got %d", len(exported))
	}
	if exported[0].ID != a || exported[1].ID != b {
		t.Fatal("expected export sorted by shard id")
	}

	restored := New(policy.DefaultConfig())
	restored.RestoreShards(exported)
	got, ok := restored.Get(a)
	if !ok || string(got) != "aa" {
		t.Fatalf("restored entry mismatch: %q %v", got, ok)
	}
	if tier, _ := restored.TierOf(a); tier != policy.Trusted {
		t.Fatalf("restored tier mismatch: %v", tier)
	}
	if restored.ReplicaEstimate(a) != 1 {
		t.Fatalf("restored replica estimate mismatch: %d", restored.ReplicaEstimate(a))
	}
	if restored.RequestedCount(b) != 1 {
		t.Fatalf("restored requested count mismatch: %d", restored.RequestedCount(b))
	}
}

func TestRestoreShardsReappliesBudgets(t *testing.T) {
	loose := policy.DefaultConfig()
	loose.GlobalCap = 1000
	loose.StorageBudget[policy.Unknown] = 1000
	c := New(loose)
	for i := 0; i < 10; i++ {
		c.Put(id(byte(i)), []byte{byte(i)}, uint64(i), 100000, policy.Unknown)
	}

	tight := policy.DefaultConfig()
	tight.GlobalCap = 3
	for k := range tight.StorageBudget {
		tight.StorageBudget[k] = 1000
	}
	restored := New(tight)
	restored.RestoreShards(c.Export())
	if restored.Len() > tight.GlobalCap {
		t.Fatalf("restore violated global cap: %d > %d", restored.Len(), tight.GlobalCap)
	}
}

func TestEvictionObserverReportsReasons(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.StorageBudget[policy.Unknown] = 1
	cfg.GlobalCap = 1000
	c := New(cfg)

	reasons := make(map[EvictReason]int)
	c.SetEvictionObserver(func(_ ShardID, reason EvictReason) {
		reasons[reason]++
	})

	c.Put(id(1), []byte("x"), 0, 10, policy.Known)
	c.Put(id(2), []byte("y"), 20, 100000, policy.Known) // expiry sweep at now=20
	if reasons[EvictExpired] != 1 {
		t.Fatalf("expected 1 expired eviction, got %d", reasons[EvictExpired])
	}

	c.Put(id(3), []byte("a"), 20, 100000, policy.Unknown)
	c.Put(id(4), []byte("b"), 20, 100000, policy.Unknown) // Unknown budget is 1
	if reasons[EvictTierBudget] != 1 {
		t.Fatalf("expected 1 tier-budget eviction, got %d", reasons[EvictTierBudget])
	}
}
