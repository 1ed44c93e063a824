// Package receive implements the inbound pipeline: shard decode, dedup and
// subscription gating, trust classification, cache admission, tier-scaled
// forwarding, inbox assembly, FEC reconstruction, signature verification,
// AEAD decryption, and the ACK-clear/auto-ACK side effects.
package receive

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/veil-project/veil-node/ack"
	"github.com/veil-project/veil-node/cache"
	"github.com/veil-project/veil-node/codec"
	"github.com/veil-project/veil-node/fec"
	"github.com/veil-project/veil-node/policy"
	"github.com/veil-project/veil-node/transport"
	"github.com/veil-project/veil-node/veilcrypto"
)

// Lane identifies which lane a shard arrived on, which also governs which
// peer list it is forwarded over.
type Lane int

const (
	FastLane Lane = iota
	FallbackLane
)

// Outcome classifies how Receive handled one inbound message. Exactly one
// outcome is reported per call, and the corresponding Stats counter is
// always incremented alongside it.
type Outcome int

const (
	OutcomeMalformed Outcome = iota
	OutcomeIgnoredDuplicate
	OutcomeIgnoredNotSubscribed
	OutcomeRelayed
	OutcomeBuffered
	OutcomeInvalidShardSet
	OutcomeSignatureInvalid
	OutcomeAeadFailed
	OutcomeDelivered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMalformed:
		return "Malformed"
	case OutcomeIgnoredDuplicate:
		return "IgnoredDuplicate"
	case OutcomeIgnoredNotSubscribed:
		return "IgnoredNotSubscribed"
	case OutcomeRelayed:
		return "Relayed"
	case OutcomeBuffered:
		return "Buffered"
	case OutcomeInvalidShardSet:
		return "InvalidShardSet"
	case OutcomeSignatureInvalid:
		return "SignatureInvalid"
	case OutcomeAeadFailed:
		return "AeadFailed"
	case OutcomeDelivered:
		return "Delivered"
	default:
		return "Unknown"
	}
}

// Delivered is the event surfaced to the application once an object has
// been reconstructed, verified and decrypted.
type Delivered struct {
	ObjectRoot [32]byte // the wire root
	Payload    []byte
	Namespace  uint16
	Epoch      uint32
	Tag        [32]byte
	Flags      uint16
}

// Stats holds per-branch counters, incremented on every call to Receive
// regardless of outcome.
type Stats struct {
	Malformed            atomic.Uint64
	IgnoredDuplicate     atomic.Uint64
	IgnoredNotSubscribed atomic.Uint64
	Relayed              atomic.Uint64
	Buffered             atomic.Uint64
	InvalidShardSet      atomic.Uint64
	SignatureInvalid     atomic.Uint64
	AeadFailed           atomic.Uint64
	Delivered            atomic.Uint64
	AckMessages          atomic.Uint64
}

// Config configures one Pipeline's subscription set, trust-tier forwarding
// knobs, and the cache TTL applied on admission.
type Config struct {
	// Subscriptions maps a tag this node can fully process (cache, forward,
	// reconstruct, decrypt) to the feed's symmetric key.
	Subscriptions map[[32]byte][32]byte
	// AcceptAllTags, when true, causes every tag (even one absent from
	// Subscriptions) to pass the subscription gate for caching/forwarding
	// purposes, without ever attempting reconstruction -- the per-node
	// relay-everything mode.
	AcceptAllTags bool
	// PeerPublisher binds a peer id to the publisher pubkey it claims,
	// consulted for WoT classification. An unbound peer classifies as the
	// zero Pubkey (ordinarily Unknown, unless explicitly overridden).
	PeerPublisher map[string]policy.Pubkey

	CacheTTLSteps uint64

	ProbabilisticForwarding bool
	MinProbability          float64
	ReplicaDivisor          float64

	// FallbackRedundancyFanout additionally fans shards received on the
	// fast lane out to this many fallback peers.
	FallbackRedundancyFanout int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		Subscriptions:            make(map[[32]byte][32]byte),
		PeerPublisher:            make(map[string]policy.Pubkey),
		CacheTTLSteps:            20_000,
		ProbabilisticForwarding:  true,
		MinProbability:           0.1,
		ReplicaDivisor:           4,
		FallbackRedundancyFanout: 0,
	}
}

type inboxEntry struct {
	namespace uint16
	epoch     uint32
	tag       [32]byte
	k, n      int
	shards    map[int][]byte
}

// Pipeline owns one node's inbox, cache, WoT engine, and pending-ACK
// registry. Safe for concurrent use.
type Pipeline struct {
	mu sync.Mutex

	cfg      Config
	cache    *cache.Cache
	wot      *policy.Engine
	acks     *ack.Registry
	cipher   veilcrypto.Cipher
	verifier veilcrypto.Verifier

	inbox map[[32]byte]*inboxEntry

	Stats Stats
}

// New builds a Pipeline. verifier may be nil if this node never subscribes
// to a SIGNED feed.
func New(cfg Config, c *cache.Cache, wot *policy.Engine, acks *ack.Registry, cipher veilcrypto.Cipher, verifier veilcrypto.Verifier) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		cache:    c,
		wot:      wot,
		acks:     acks,
		cipher:   cipher,
		verifier: verifier,
		inbox:    make(map[[32]byte]*inboxEntry),
	}
}

// LanePeers is the forwarding target set for one Receive call: the peer
// list and adapter matching the arrival lane, plus (for the fast lane) an
// optional fallback redundancy fanout.
type LanePeers struct {
	FastAdapter     transport.Adapter
	FastPeers       []string
	FallbackAdapter transport.Adapter
	FallbackPeers   []string
}

// Receive processes one inbound (peer, bytes) pair arriving on lane. now is
// the logical step clock (used for cache TTL and the forwarded-shard
// demand bookkeeping elsewhere); sourcePeer's own address is excluded from
// every forwarding set.
func (p *Pipeline) Receive(sourcePeer string, data []byte, lane Lane, now uint64, lanes LanePeers) (Outcome, *Delivered, error) {
	shard, err := codec.DecodeShard(data)
	if err != nil {
		p.Stats.Malformed.Add(1)
		return OutcomeMalformed, nil, err
	}

	shardID, err := codec.ShardID(shard)
	if err != nil {
		p.Stats.Malformed.Add(1)
		return OutcomeMalformed, nil, err
	}

	if p.cache.Has(shardID) {
		p.Stats.IgnoredDuplicate.Add(1)
		return OutcomeIgnoredDuplicate, nil, nil
	}

	key, subscribed := p.cfg.Subscriptions[shard.Tag]
	if !subscribed && !p.cfg.AcceptAllTags {
		p.Stats.IgnoredNotSubscribed.Add(1)
		return OutcomeIgnoredNotSubscribed, nil, nil
	}

	publisher := p.cfg.PeerPublisher[sourcePeer]
	tier := p.wot.Classify(publisher)
	p.cache.Put(shardID, data, now, p.cfg.CacheTTLSteps, tier)

	p.forward(sourcePeer, data, lane, tier, shardID, lanes)

	if !subscribed {
		p.Stats.Relayed.Add(1)
		return OutcomeRelayed, nil, nil
	}

	return p.assemble(shard, key, now)
}

func (p *Pipeline) forward(sourcePeer string, data []byte, lane Lane, tier policy.TrustTier, shardID [32]byte, lanes LanePeers) {
	fanout := policy.EffectiveFanout(p.wot.BaseFanout(), tier)
	if p.cfg.ProbabilisticForwarding {
		replica := p.cache.ReplicaEstimate(shardID)
		scale := p.cfg.MinProbability
		if divisor := p.cfg.ReplicaDivisor; divisor > 0 {
			denom := float64(replica) / divisor
			if denom < 1 {
				denom = 1
			}
			if prob := 1.0 / denom; prob > scale {
				scale = prob
			}
		}
		fanout = int(math.Ceil(float64(fanout) * scale))
	}

	switch lane {
	case FastLane:
		sendExcluding(lanes.FastAdapter, lanes.FastPeers, sourcePeer, data, fanout)
		if p.cfg.FallbackRedundancyFanout > 0 {
			sendExcluding(lanes.FallbackAdapter, lanes.FallbackPeers, sourcePeer, data, p.cfg.FallbackRedundancyFanout)
		}
	case FallbackLane:
		sendExcluding(lanes.FallbackAdapter, lanes.FallbackPeers, sourcePeer, data, fanout)
	}
}

// sendExcluding sends data to up to fanout peers from peers, in list order,
// skipping sourcePeer -- a forwarded shard is never sent back to its
// source.
func sendExcluding(adapter transport.Adapter, peers []string, sourcePeer string, data []byte, fanout int) {
	if adapter == nil || fanout <= 0 {
		return
	}
	sent := 0
	for _, peer := range peers {
		if sent >= fanout {
			return
		}
		if peer == sourcePeer {
			continue
		}
		_ = adapter.Send(peer, data)
		sent++
	}
}

func (p *Pipeline) assemble(shard *codec.ShardV1, key [32]byte, now uint64) (Outcome, *Delivered, error) {
	p.mu.Lock()
	entry, ok := p.inbox[shard.ObjectRoot]
	if !ok {
		entry = &inboxEntry{
			namespace: shard.Namespace,
			epoch:     shard.Epoch,
			tag:       shard.Tag,
			k:         int(shard.K),
			n:         int(shard.N),
			shards:    make(map[int][]byte),
		}
		p.inbox[shard.ObjectRoot] = entry
	}
	if entry.k != int(shard.K) || entry.n != int(shard.N) || entry.namespace != shard.Namespace || entry.epoch != shard.Epoch || entry.tag != shard.Tag {
		delete(p.inbox, shard.ObjectRoot)
		p.mu.Unlock()
		p.Stats.InvalidShardSet.Add(1)
		return OutcomeInvalidShardSet, nil, fec.ErrMixedShardSet
	}
	entry.shards[int(shard.Index)] = shard.Payload

	if len(entry.shards) < entry.k {
		p.mu.Unlock()
		p.Stats.Buffered.Add(1)
		return OutcomeBuffered, nil, nil
	}

	shards := entry.shards
	k, n := entry.k, entry.n
	namespace, epoch, tag := entry.namespace, entry.epoch, entry.tag
	delete(p.inbox, shard.ObjectRoot)
	p.mu.Unlock()

	padded, err := fec.Reconstruct(shards, k, n)
	if err != nil {
		p.Stats.InvalidShardSet.Add(1)
		return OutcomeInvalidShardSet, nil, err
	}

	obj, _, err := codec.DecodeObjectPrefix(padded)
	if err != nil {
		p.Stats.InvalidShardSet.Add(1)
		return OutcomeInvalidShardSet, nil, err
	}

	if obj.Signed() {
		if p.verifier == nil {
			p.Stats.SignatureInvalid.Add(1)
			return OutcomeSignatureInvalid, nil, fmt.Errorf("receive: SIGNED object but no verifier configured")
		}
		digest, err := codec.SignatureDigest(obj)
		if err != nil {
			p.Stats.SignatureInvalid.Add(1)
			return OutcomeSignatureInvalid, nil, err
		}
		ok, err := p.verifier.Verify(obj.SenderPubkey, digest, obj.Signature)
		if err != nil || !ok {
			p.Stats.SignatureInvalid.Add(1)
			return OutcomeSignatureInvalid, nil, veilcrypto.ErrDecryptFailed
		}
	}

	aad := veilcrypto.BuildAAD(obj.Tag, obj.Namespace, obj.Epoch)
	k32 := key
	plaintext, err := p.cipher.Decrypt(&k32, obj.Nonce, aad, obj.Ciphertext)
	if err != nil {
		p.Stats.AeadFailed.Add(1)
		return OutcomeAeadFailed, nil, err
	}

	p.Stats.Delivered.Add(1)
	return OutcomeDelivered, &Delivered{
		ObjectRoot: shard.ObjectRoot,
		Payload:    plaintext,
		Namespace:  namespace,
		Epoch:      epoch,
		Tag:        tag,
		Flags:      obj.Flags,
	}, nil
}

// HandleDeliveredSideEffects implements the independent side effects
// attached to a successful Delivered event:
//   - if the payload parses as an endorsement bundle and the endorser's
//     authority check passes, add the edge and re-classify;
//   - if the payload parses as an ACK, clear the matching pending entry;
//   - if the object requested an ACK, build and send ACK shards back to
//     sourcePeer over replyAdapter.
//
// Callers invoke this once per Delivered event, after Receive returns.
func (p *Pipeline) HandleDeliveredSideEffects(d *Delivered, sourcePeer string, replyAdapter transport.Adapter, key *[32]byte, nowStep uint64) error {
	if ingested, _, err := p.wot.IngestEndorsement(d.Payload, p.verifier); ingested || err != nil {
		return err
	}

	if root, err := ack.DecodePayload(d.Payload); err == nil {
		if p.acks.AckReceived(root) {
			p.Stats.AckMessages.Add(1)
		}
		return nil
	}

	if d.Flags&codec.FlagAckRequested == 0 {
		return nil
	}

	payload := ack.EncodePayload(d.ObjectRoot)
	nonce := veilcrypto.DeriveAckNonce([]byte("veil-ack-v1"), d.ObjectRoot)
	aad := veilcrypto.BuildAAD(d.Tag, d.Namespace, d.Epoch)
	envelope, err := p.cipher.Encrypt(key, nonce, aad, payload)
	if err != nil {
		return fmt.Errorf("receive: encrypt ack payload: %w", err)
	}

	ackObjectRoot := blake3.Sum256(payload)
	obj := &codec.ObjectV1{
		Version:    codec.ObjectVersion,
		Namespace:  d.Namespace,
		Epoch:      d.Epoch,
		Flags:      0,
		Tag:        d.Tag,
		ObjectRoot: ackObjectRoot,
		Nonce:      nonce,
		Ciphertext: envelope.Ciphertext,
	}
	encodedObject, err := codec.EncodeObject(obj)
	if err != nil {
		return fmt.Errorf("receive: encode ack object: %w", err)
	}
	wireRoot := codec.WireRoot(encodedObject)

	shards, err := fec.SplitObject(encodedObject, d.Namespace, d.Epoch, d.Tag, wireRoot, codec.Systematic, false)
	if err != nil {
		return fmt.Errorf("receive: shard ack object: %w", err)
	}
	for _, s := range shards {
		b, err := codec.EncodeShard(s)
		if err != nil {
			return fmt.Errorf("receive: encode ack shard: %w", err)
		}
		_ = replyAdapter.Send(sourcePeer, b)
	}
	return nil
}
