package noderuntime

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/veil-project/veil-node/ack"
	"github.com/veil-project/veil-node/batch"
	"github.com/veil-project/veil-node/cache"
	"github.com/veil-project/veil-node/nodemetrics"
	"github.com/veil-project/veil-node/persistence"
	"github.com/veil-project/veil-node/policy"
	"github.com/veil-project/veil-node/publish"
	"github.com/veil-project/veil-node/receive"
	"github.com/veil-project/veil-node/state"
	"github.com/veil-project/veil-node/transport"
	"github.com/veil-project/veil-node/veilcrypto"
)

type duoHarness struct {
	pubFast, nodeFast         *transport.MemoryAdapter
	pubFallback, nodeFallback *transport.MemoryAdapter
	publisher                 *PublisherRuntime
	node                      *NodeRuntime
	pubReceiver               *receive.Pipeline
	tag                       [32]byte
	key                       [32]byte
}

func (h *duoHarness) ackObserver() *receive.Pipeline { return h.pubReceiver }

func newDuoHarness(t *testing.T) *duoHarness {
	t.Helper()

	pubFast := transport.NewMemoryAdapter("pub", 0, 0)
	nodeFast := transport.NewMemoryAdapter("node", 0, 0)
	pubFast.ConnectPeer("node", nodeFast)
	nodeFast.ConnectPeer("pub", pubFast)

	pubFallback := transport.NewMemoryAdapter("pub-fb", 0, 0)
	nodeFallback := transport.NewMemoryAdapter("node-fb", 0, 0)
	pubFallback.ConnectPeer("node", nodeFallback)
	nodeFallback.ConnectPeer("pub", pubFallback)

	var key [32]byte
	for i := range key {
		key[i] = byte(i + 11)
	}
	tag := [32]byte{0x77}

	b := batch.New(batch.DefaultConfig())
	pubAcks := ack.NewRegistry()
	pipeline := publish.New(publish.DefaultConfig(), b, veilcrypto.XChaCha20Poly1305Cipher{}, nil, pubAcks)
	publisher := NewPublisherRuntime(PublisherConfig{
		Namespace:          1,
		Tag:                tag,
		Key:                key,
		BaseFallbackFanout: 2,
	}, pipeline, pubAcks)

	rcfg := receive.DefaultConfig()
	rcfg.Subscriptions[tag] = key
	c := cache.New(policy.DefaultConfig())
	wot := policy.NewEngine(policy.DefaultConfig())
	nodeAcks := ack.NewRegistry()
	recv := receive.New(rcfg, c, wot, nodeAcks, veilcrypto.XChaCha20Poly1305Cipher{}, nil)

	ncfg := DefaultConfig()
	ncfg.Receive = rcfg
	ncfg.BloomIntervalSteps = 0 // deterministic tests don't want surprise bloom traffic
	node := New(ncfg, c, wot, nodeAcks, recv, veilcrypto.XChaCha20Poly1305Cipher{}, map[[32]byte][32]byte{tag: key})

	pubRcfg := receive.DefaultConfig()
	pubRcfg.Subscriptions[tag] = key
	pubReceiver := receive.New(pubRcfg, cache.New(policy.DefaultConfig()), policy.NewEngine(policy.DefaultConfig()), pubAcks, veilcrypto.XChaCha20Poly1305Cipher{}, nil)

	return &duoHarness{
		pubFast: pubFast, nodeFast: nodeFast,
		pubFallback: pubFallback, nodeFallback: nodeFallback,
		publisher: publisher, node: node, pubReceiver: pubReceiver,
		tag: tag, key: key,
	}
}

func (h *duoHarness) publisherTick(t *testing.T, epoch uint32, now uint64) *PublisherTickResult {
	t.Helper()
	result, err := h.publisher.PublisherTick(epoch, now, true, h.pubFast, []string{"node"}, h.pubFallback, []string{"node"})
	if err != nil {
		t.Fatalf("PublisherTick: %v", err)
	}
	return result
}

// drainNodeTicks runs RuntimeTick repeatedly until a Delivered event surfaces
// or both lanes run dry.
func (h *duoHarness) drainNodeTicks(t *testing.T) *receive.Delivered {
	t.Helper()
	for i := 0; i < 64; i++ {
		result, err := h.node.RuntimeTick(h.nodeFast, []string{"pub"}, h.nodeFallback, []string{"pub"})
		if err != nil {
			t.Fatalf("RuntimeTick: %v", err)
		}
		if result.Delivered != nil {
			return result.Delivered
		}
		if h.nodeFast.HealthSnapshot().OutboundQueued == 0 {
			break
		}
	}
	return nil
}

func TestEndToEndPublishAndDeliver(t *testing.T) {
	h := newDuoHarness(t)
	h.publisher.Enqueue([]byte("hello node"))
	result := h.publisherTick(t, 1, 0)
	if result.Publish == nil {
		t.Fatal("expected a publish result")
	}

	d := h.drainNodeTicks(t)
	if d == nil {
		t.Fatal("expected a Delivered event")
	}
	if string(d.Payload) != "hello node" {
		t.Fatalf("payload mismatch: got %q", d.Payload)
	}
}

func TestAckRoundTripClearsPendingEntry(t *testing.T) {
	h := newDuoHarness(t)
	h.publisher.cfg.Flags = 0x4 // FlagAckRequested

	h.publisher.Enqueue([]byte("ack round trip"))
	result := h.publisherTick(t, 1, 0)
	if result.Publish == nil || !result.Publish.AckTracked {
		t.Fatal("expected the publish to register a pending ACK")
	}
	if h.publisher.PendingAckCount() != 1 {
		t.Fatalf("expected exactly one pending ACK, got %d", h.publisher.PendingAckCount())
	}

	d := h.drainNodeTicks(t)
	if d == nil {
		t.Fatal("expected the object to be delivered to the node")
	}

	// The node auto-emits an ACK back to the publisher as a side effect of
	// delivery; a further publisher tick drains that reply via its own
	// fast-lane recv -- but PublisherRuntime has no recv step of its own
	// (only NodeRuntime does), so the ACK object is fed through the same
	// receive machinery the node used, mirroring how a publisher process
	// would also run a NodeRuntime on its own inbound lane in practice.
	for i := 0; i < 8; i++ {
		peer, payload, ok := h.pubFast.Recv()
		if !ok {
			break
		}
		outcome, delivered, err := h.ackObserver().Receive(peer, payload, receive.FastLane, 0, receive.LanePeers{})
		if err != nil && outcome != receive.OutcomeBuffered {
			t.Fatalf("unexpected error processing ack shard: %v", err)
		}
		if delivered != nil {
			if err := h.ackObserver().HandleDeliveredSideEffects(delivered, peer, nil, &h.key, 0); err != nil {
				t.Fatalf("HandleDeliveredSideEffects: %v", err)
			}
		}
	}

	if h.publisher.PendingAckCount() != 0 {
		t.Fatalf("expected pending ACK to clear after round trip, got %d remaining", h.publisher.PendingAckCount())
	}
}

func TestRuntimeTickAdvancesStep(t *testing.T) {
	h := newDuoHarness(t)
	if h.node.Step() != 0 {
		t.Fatalf("expected initial step 0, got %d", h.node.Step())
	}
	if _, err := h.node.RuntimeTick(h.nodeFast, []string{"pub"}, h.nodeFallback, []string{"pub"}); err != nil {
		t.Fatalf("RuntimeTick: %v", err)
	}
	if h.node.Step() != 1 {
		t.Fatalf("expected step to advance to 1, got %d", h.node.Step())
	}
}

// TestAckRetryPumpSendsOverFallback checks that a pending ACK is left alone
// before its retry deadline and escalated (and, once its shard queue is
// exhausted, dropped from the registry) once nowStep reaches it. With the
// smallest FEC profile every shard is already spent on the fast/fallback
// first wave (fallbackEnd == n), so the withheld-shard queue is empty and
// the very first due escalation also retires the entry -- this still
// proves the pump only fires once its deadline arrives, which is what the
// retry-batch contents are not needed to show (those are covered by ack's
// own unit tests).
func TestAckRetryPumpSendsOverFallback(t *testing.T) {
	h := newDuoHarness(t)
	h.publisher.cfg.Flags = 0x4 // FlagAckRequested

	h.publisher.Enqueue([]byte("needs ack"))
	first := h.publisherTick(t, 1, 0)
	if first.Publish == nil || !first.Publish.AckTracked {
		t.Fatal("expected the publish to register a pending ACK")
	}
	if first.AckBatchesSent != 0 {
		t.Fatalf("expected no escalation before the retry deadline, got %d", first.AckBatchesSent)
	}

	notYet := h.publisherTick(t, 1, 1)
	if notYet.AckBatchesSent != 0 {
		t.Fatalf("expected no escalation before the retry deadline, got %d", notYet.AckBatchesSent)
	}
	if h.publisher.PendingAckCount() != 1 {
		t.Fatalf("expected the entry to still be pending, got %d", h.publisher.PendingAckCount())
	}

	due := h.publisherTick(t, 1, 10_000)
	if due.AckBatchesSent == 0 {
		t.Fatal("expected the ack retry pump to escalate the overdue entry")
	}
	if h.publisher.PendingAckCount() != 0 {
		t.Fatalf("expected the exhausted entry to be retired, got %d remaining", h.publisher.PendingAckCount())
	}
}

func TestMetricsWiring(t *testing.T) {
	h := newDuoHarness(t)
	m := nodemetrics.New(nodemetrics.DefaultConfig())
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.node.AttachMetrics(m)
	h.publisher.AttachMetrics(m)

	h.publisher.Enqueue([]byte("metrics payload"))
	h.publisherTick(t, 1, 0)
	if d := h.drainNodeTicks(t); d == nil {
		t.Fatal("expected a Delivered event")
	}

	if got := testutil.ToFloat64(m.PublishTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("publish_total{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PublishShardsTotal); got == 0 {
		t.Fatal("expected publish_shards_total > 0")
	}
	if got := testutil.ToFloat64(m.RuntimeTicksTotal); got == 0 {
		t.Fatal("expected runtime_ticks_total > 0")
	}
	if got := testutil.ToFloat64(m.ReceiveOutcomes.WithLabelValues("Delivered")); got != 1 {
		t.Fatalf("receive_outcomes_total{Delivered} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheSize); got == 0 {
		t.Fatal("expected cache_shards > 0 after delivery")
	}
}

func TestPersistAndRestoreSnapshot(t *testing.T) {
	h := newDuoHarness(t)
	h.publisher.Enqueue([]byte("durable payload"))
	h.publisherTick(t, 1, 0)
	if d := h.drainNodeTicks(t); d == nil {
		t.Fatal("expected a Delivered event")
	}
	cachedBefore := h.node.HealthSnapshot(nil, nil).CacheSize
	if cachedBefore == 0 {
		t.Fatal("expected shards in the cache before persisting")
	}
	stepBefore := h.node.Step()

	path := filepath.Join(t.TempDir(), "node.snapshot")
	st := state.New(state.IdentityRecord{PublicKeyHex: "pub"})
	if err := h.node.Persist(path, st); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	snap, err := persistence.Load(path, state.IdentityRecord{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Identity.PublicKeyHex != "pub" {
		t.Fatalf("identity mismatch: %+v", snap.Identity)
	}

	h2 := newDuoHarness(t)
	h2.node.RestoreSnapshot(snap)
	if h2.node.Step() != stepBefore {
		t.Fatalf("step not restored: got %d want %d", h2.node.Step(), stepBefore)
	}
	if got := h2.node.HealthSnapshot(nil, nil).CacheSize; got != cachedBefore {
		t.Fatalf("cache not restored: got %d want %d", got, cachedBefore)
	}
}
