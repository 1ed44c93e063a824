// Package noderuntime composes the per-step receive pipeline, ACK retry
// pump, and Bloom exchange into a single runtime tick, and owns the
// stateful façades a process builds one of per publishing identity
// (PublisherRuntime) or per listening node (NodeRuntime): each façade owns
// its own state, adapters, and config for a single driving loop.
package noderuntime

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/veil-project/veil-node/ack"
	"github.com/veil-project/veil-node/bloom"
	"github.com/veil-project/veil-node/cache"
	veillog "github.com/veil-project/veil-node/log"
	"github.com/veil-project/veil-node/nodemetrics"
	"github.com/veil-project/veil-node/persistence"
	"github.com/veil-project/veil-node/policy"
	"github.com/veil-project/veil-node/receive"
	"github.com/veil-project/veil-node/state"
	"github.com/veil-project/veil-node/transport"
	"github.com/veil-project/veil-node/veilcrypto"
)

// Config gathers everything one NodeRuntime needs for its tick: the
// receive-pipeline subscription/forwarding knobs, the ACK retry pump's
// fallback fanout, and the Bloom exchange's cadence and sizing.
type Config struct {
	Receive receive.Config

	// BaseFallbackFanout bounds how many fallback peers each due ACK
	// escalation batch shard is sent to: fanout = max(1, BaseFallbackFanout).
	BaseFallbackFanout int

	// BloomIntervalSteps is how often (in ticks) a Bloom summary of the
	// local cache is built and sent to every fast peer. 0 disables it.
	BloomIntervalSteps uint64
	// BloomFalsePositiveRate parameterizes the filter sizing formula.
	BloomFalsePositiveRate float64
	// BloomResponseCap bounds how many missing shards are sent back in
	// response to a peer's Bloom filter; <=0 means unbounded.
	BloomResponseCap int
}

// DefaultConfig returns sane single-node defaults.
func DefaultConfig() Config {
	return Config{
		Receive:                receive.DefaultConfig(),
		BaseFallbackFanout:     2,
		BloomIntervalSteps:     200,
		BloomFalsePositiveRate: 0.01,
		BloomResponseCap:       64,
	}
}

// NodeRuntime is the receiving half of one node: it owns the cache, WoT
// engine, pending-ACK registry, and receive.Pipeline, and drives all of
// them from one RuntimeTick call. It also owns the logical step clock,
// since all mutable state belongs to exactly one runtime façade.
type NodeRuntime struct {
	mu sync.Mutex

	cfg     Config
	cache   *cache.Cache
	wot     *policy.Engine
	acks    *ack.Registry
	recv    *receive.Pipeline
	cipher  veilcrypto.Cipher
	keyFor  map[[32]byte][32]byte // tag -> symmetric key, for ACK side effects
	log     *veillog.Logger
	metrics *nodemetrics.Collectors // nil until AttachMetrics

	nowStep         uint64
	stepsSinceBloom uint64
	epoch           uint32
}

// New builds a NodeRuntime. keyFor supplies the symmetric key for each
// subscribed tag, used to build outbound ACK objects on delivery (the
// receive.Pipeline itself only needs keys for decrypting inbound objects,
// but HandleDeliveredSideEffects also needs the key to encrypt the ACK it
// sends back).
func New(cfg Config, c *cache.Cache, wot *policy.Engine, acks *ack.Registry, recv *receive.Pipeline, cipher veilcrypto.Cipher, keyFor map[[32]byte][32]byte) *NodeRuntime {
	return &NodeRuntime{
		cfg:    cfg,
		cache:  c,
		wot:    wot,
		acks:   acks,
		recv:   recv,
		cipher: cipher,
		keyFor: keyFor,
		log:    veillog.Default().Module("runtime"),
	}
}

// AttachMetrics wires a Collectors bundle into this runtime: tick,
// receive-outcome, ACK, Bloom, and cache counters are updated from then
// on, including per-reason cache eviction counts via the cache's
// eviction observer.
func (r *NodeRuntime) AttachMetrics(m *nodemetrics.Collectors) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
	r.cache.SetEvictionObserver(func(_ cache.ShardID, reason cache.EvictReason) {
		m.CacheEvictions.WithLabelValues(string(reason)).Inc()
	})
}

// Step returns the runtime's current logical step clock.
func (r *NodeRuntime) Step() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nowStep
}

// SetStep overrides the logical step clock, used on boot to resume from a
// restored snapshot's last-known step.
func (r *NodeRuntime) SetStep(step uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowStep = step
}

// SetEpoch records the current epoch, stamped into outgoing Bloom packets
// only -- the receive pipeline itself does not gate on it (tag acceptance
// already encodes epoch via the rendezvous-tag derivation in tags.go).
func (r *NodeRuntime) SetEpoch(epoch uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch = epoch
}

// TickResult reports what one RuntimeTick call did, for callers that want
// to log or export metrics without re-deriving it from Receive's return.
type TickResult struct {
	Outcome        receive.Outcome
	Delivered      *receive.Delivered
	AckBatchesSent int
	BloomSent      bool
}

// RuntimeTick runs exactly one step of the node: try a fast-lane recv then
// a fallback-lane recv (processing whichever arrives), pump due ACK
// escalation batches over the fallback lane, periodically broadcast a
// Bloom summary of the local cache over the fast lane, and finally bump
// the internal step clock.
func (r *NodeRuntime) RuntimeTick(fastAdapter transport.Adapter, fastPeers []string, fallbackAdapter transport.Adapter, fallbackPeers []string) (*TickResult, error) {
	r.mu.Lock()
	now := r.nowStep
	m := r.metrics
	r.mu.Unlock()

	if m != nil {
		m.RuntimeTicksTotal.Inc()
	}

	lanes := receive.LanePeers{
		FastAdapter:     fastAdapter,
		FastPeers:       fastPeers,
		FallbackAdapter: fallbackAdapter,
		FallbackPeers:   fallbackPeers,
	}

	result := &TickResult{}

	processed := false
	if peer, data, ok := recvNonNil(fastAdapter); ok {
		processed = true
		outcome, delivered, err := r.processInbound(peer, data, receive.FastLane, now, lanes, fastAdapter)
		result.Outcome, result.Delivered = outcome, delivered
		if err != nil {
			r.log.Warn("inbound processing failed", "peer", peer, "lane", "fast", "err", err)
			return result, err
		}
	} else if peer, data, ok := recvNonNil(fallbackAdapter); ok {
		processed = true
		outcome, delivered, err := r.processInbound(peer, data, receive.FallbackLane, now, lanes, fallbackAdapter)
		result.Outcome, result.Delivered = outcome, delivered
		if err != nil {
			r.log.Warn("inbound processing failed", "peer", peer, "lane", "fallback", "err", err)
			return result, err
		}
	}
	if processed {
		if m != nil {
			m.ReceiveOutcomes.WithLabelValues(result.Outcome.String()).Inc()
		}
		if result.Delivered != nil {
			r.log.Debug("object delivered", "namespace", result.Delivered.Namespace, "epoch", result.Delivered.Epoch, "payload_len", len(result.Delivered.Payload))
		}
	}

	fanout := r.cfg.BaseFallbackFanout
	if fanout < 1 {
		fanout = 1
	}
	for {
		root, batch, ok := r.acks.NextAckEscalationBatch(now)
		if !ok {
			break
		}
		sendBatch(fallbackAdapter, fallbackPeers, batch, fanout)
		result.AckBatchesSent++
		if m != nil {
			m.AckRetriesTotal.Inc()
			if !r.acks.Has(root) {
				m.AckExhaustedTotal.Inc()
			}
		}
		r.log.Debug("ack escalation batch sent", veillog.ID("root", root), "shards", len(batch))
	}

	r.mu.Lock()
	r.stepsSinceBloom++
	dueForBloom := r.cfg.BloomIntervalSteps > 0 && r.stepsSinceBloom >= r.cfg.BloomIntervalSteps
	if dueForBloom {
		r.stepsSinceBloom = 0
	}
	r.mu.Unlock()

	if dueForBloom {
		if err := r.sendBloomSummary(fastAdapter, fastPeers); err != nil {
			r.log.Warn("bloom summary send failed", "err", err)
			return result, err
		}
		result.BloomSent = true
		if m != nil {
			m.BloomExchangeTotal.WithLabelValues("sent").Inc()
		}
	}

	if m != nil {
		m.CacheSize.Set(float64(r.cache.Len()))
		m.AckPending.Set(float64(r.acks.Len()))
	}

	r.mu.Lock()
	r.nowStep++
	r.mu.Unlock()

	return result, nil
}

// processInbound dispatches one inbound message: a Bloom-exchange packet
// is handed to the Bloom responder; everything else goes through
// receive.Pipeline.Receive, followed by the Delivered side effects (ACK
// clear / auto-ACK).
func (r *NodeRuntime) processInbound(peer string, data []byte, lane receive.Lane, now uint64, lanes receive.LanePeers, replyAdapter transport.Adapter) (receive.Outcome, *receive.Delivered, error) {
	if pkt, err := bloom.Decode(data); err == nil {
		r.mu.Lock()
		m := r.metrics
		r.mu.Unlock()
		if m != nil {
			m.BloomExchangeTotal.WithLabelValues("received").Inc()
		}
		return receive.OutcomeRelayed, nil, r.respondToBloomPacket(peer, pkt, replyAdapter)
	}

	outcome, delivered, err := r.recv.Receive(peer, data, lane, now, lanes)
	if outcome != receive.OutcomeDelivered || delivered == nil {
		return outcome, delivered, err
	}

	key := r.keyFor[delivered.Tag]
	var replyLane transport.Adapter
	switch lane {
	case receive.FastLane:
		replyLane = lanes.FastAdapter
	default:
		replyLane = lanes.FallbackAdapter
	}
	if sideErr := r.recv.HandleDeliveredSideEffects(delivered, peer, replyLane, &key, now); sideErr != nil {
		return outcome, delivered, sideErr
	}
	return outcome, delivered, nil
}

// sendBloomSummary builds a Bloom filter over the local cache's shard ids
// and broadcasts it to every fast peer.
func (r *NodeRuntime) sendBloomSummary(fastAdapter transport.Adapter, fastPeers []string) error {
	if fastAdapter == nil || len(fastPeers) == 0 {
		return nil
	}
	ids := r.cache.ShardIDs()
	if len(ids) == 0 {
		return nil
	}

	var salt [bloom.SaltLen]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("noderuntime: generate bloom salt: %w", err)
	}
	filter, err := bloom.New(len(ids), r.cfg.BloomFalsePositiveRate, salt)
	if err != nil {
		return fmt.Errorf("noderuntime: build bloom filter: %w", err)
	}
	for _, id := range ids {
		filter.Insert([32]byte(id))
	}

	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()
	encoded, err := bloom.Encode(&bloom.Packet{Epoch: epoch, Filter: filter})
	if err != nil {
		return fmt.Errorf("noderuntime: encode bloom packet: %w", err)
	}
	for _, peer := range fastPeers {
		_ = fastAdapter.Send(peer, encoded)
	}
	return nil
}

// respondToBloomPacket computes which locally cached shards the sender's
// filter does not claim to hold and sends those shard bytes back over
// replyAdapter -- the only solicited retransmission path.
func (r *NodeRuntime) respondToBloomPacket(peer string, pkt *bloom.Packet, replyAdapter transport.Adapter) error {
	if replyAdapter == nil {
		return nil
	}
	local := r.cache.ShardIDs()
	localArr := make([][32]byte, len(local))
	for i, id := range local {
		localArr[i] = [32]byte(id)
	}
	missing := bloom.Missing(pkt.Filter, localArr, r.cfg.BloomResponseCap)
	for _, id := range missing {
		if data, ok := r.cache.Get(cache.ShardID(id)); ok {
			_ = replyAdapter.Send(peer, data)
		}
	}
	return nil
}

// Persist captures this runtime's cache, pending-ACK registry, and step
// clock together with st into one snapshot and atomically writes it to
// path. A write failure is logged and returned; the caller's next
// periodic save retries.
func (r *NodeRuntime) Persist(path string, st *state.NodeState) error {
	snap := persistence.Capture(st, r.cache, r.acks, r.Step())
	if err := persistence.Save(path, snap); err != nil {
		r.log.Warn("snapshot write failed", "path", path, "err", err)
		return err
	}
	return nil
}

// RestoreSnapshot reloads the runtime-owned portions of a boot snapshot:
// cache contents (re-subjected to the current budgets), pending ACKs, and
// the logical step clock. The NodeState portions (identity,
// subscriptions, contacts, policy overrides) are the caller's to restore
// via persistence.Restore, since the runtime does not own them.
func (r *NodeRuntime) RestoreSnapshot(snap persistence.Snapshot) {
	r.cache.RestoreShards(snap.CachedShardExports())
	r.acks.Restore(snap.PendingAckExports())
	r.SetStep(snap.Step)
}

// HealthSnapshot aggregates adapter health with this runtime's own cache
// size and pending-ACK count, mirroring PublisherRuntime.HealthSnapshot.
func (r *NodeRuntime) HealthSnapshot(fastAdapter, fallbackAdapter transport.Adapter) Health {
	h := Health{PendingAcks: r.acks.Len(), CacheSize: r.cache.Len()}
	if fastAdapter != nil {
		h.Fast = fastAdapter.HealthSnapshot()
	}
	if fallbackAdapter != nil {
		h.Fallback = fallbackAdapter.HealthSnapshot()
	}
	return h
}

func recvNonNil(a transport.Adapter) (peer string, data []byte, ok bool) {
	if a == nil {
		return "", nil, false
	}
	return a.Recv()
}

func sendBatch(adapter transport.Adapter, peers []string, batch [][]byte, fanout int) {
	if adapter == nil || fanout <= 0 || len(peers) == 0 {
		return
	}
	n := fanout
	if n > len(peers) {
		n = len(peers)
	}
	for _, shardBytes := range batch {
		for i := 0; i < n; i++ {
			_ = adapter.Send(peers[i], shardBytes)
		}
	}
}
