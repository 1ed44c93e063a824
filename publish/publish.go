// Package publish implements the outbound pipeline: drain the batcher,
// build and optionally sign an ObjectV1, AEAD-encrypt its payload, shard it
// via FEC, send the first wave over the fast and fallback lanes, and
// register any unsent shards as ACK retry ammunition.
package publish

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/veil-project/veil-node/ack"
	"github.com/veil-project/veil-node/batch"
	"github.com/veil-project/veil-node/codec"
	"github.com/veil-project/veil-node/fec"
	"github.com/veil-project/veil-node/transport"
	"github.com/veil-project/veil-node/veilcrypto"
)

// ErrMissingSigner is returned when flags request SIGNED but no Signer was
// configured. This fails the publish outright; nothing is enqueued for
// retry.
var ErrMissingSigner = errors.New("publish: SIGNED flag set but no signer configured")

// Config holds the first-wave fanout targets and the ACK registration
// parameters applied to every object published with ACK_REQUESTED.
type Config struct {
	// BaseFastFanout is how many fast-lane peers each first-wave data
	// shard is sent to.
	BaseFastFanout int
	// BaseFallbackFanout is how many fallback-lane peers each of the
	// (up to 2) fallback first-wave shards is sent to.
	BaseFallbackFanout int
	// ErasureMode is the mode recorded in every shard header; the shards
	// themselves are always encoded systematically (see fec.SplitObject).
	ErasureMode codec.ErasureMode
	// BucketJitter enables the profile bucket-size jitter on sharding.
	BucketJitter bool

	// AckInitialTimeoutSteps, AckMaxRetries, AckRetryBatchSize and
	// AckBackoffStep parameterize the pending-ACK entry registered when
	// ACK_REQUESTED is set.
	AckInitialTimeoutSteps uint64
	AckMaxRetries          uint32
	AckRetryBatchSize      int
	AckBackoffStep         uint64
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		BaseFastFanout:         3,
		BaseFallbackFanout:     2,
		ErasureMode:            codec.Systematic,
		BucketJitter:           false,
		AckInitialTimeoutSteps: 10_000,
		AckMaxRetries:          3,
		AckRetryBatchSize:      4,
		AckBackoffStep:         5_000,
	}
}

// PublishResult summarizes the outcome of one publish tick.
type PublishResult struct {
	ObjectRoot     [32]byte // the wire root; shards carry this as ObjectRoot
	ShardsTotal    int
	SentFast       int
	SentFallback   int
	FailedFast     int
	FailedFallback int
	AckTracked     bool
}

// Pipeline owns the batcher, AEAD cipher, optional signer, and ACK registry
// for one publishing identity/feed.
type Pipeline struct {
	cfg     Config
	batcher *batch.Batcher
	cipher  veilcrypto.Cipher
	signer  veilcrypto.Signer // nil if this pipeline never signs
	acks    *ack.Registry
}

// New builds a Pipeline. signer may be nil; Publish then fails with
// ErrMissingSigner whenever called with the SIGNED flag set.
func New(cfg Config, batcher *batch.Batcher, cipher veilcrypto.Cipher, signer veilcrypto.Signer, acks *ack.Registry) *Pipeline {
	return &Pipeline{cfg: cfg, batcher: batcher, cipher: cipher, signer: signer, acks: acks}
}

// Enqueue appends an application payload to the batcher.
func (p *Pipeline) Enqueue(payload []byte) {
	p.batcher.Enqueue(payload)
}

// Publish runs one publish tick against the given namespace/epoch/tag/key,
// draining the batcher (one item if interactiveFlush, else a full batch),
// and sends the resulting shards over the supplied lanes. It returns
// (nil, nil) if the batcher had nothing to drain.
func (p *Pipeline) Publish(
	namespace uint16,
	epoch uint32,
	tag [32]byte,
	key *[32]byte,
	nowStep uint64,
	flags uint16,
	interactiveFlush bool,
	fastAdapter transport.Adapter,
	fastPeers []string,
	fallbackAdapter transport.Adapter,
	fallbackPeers []string,
) (*PublishResult, error) {
	items, err := p.drain(interactiveFlush)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	payload := items[0]
	if len(items) > 1 {
		encoded, err := cbor.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("publish: encode batched items: %w", err)
		}
		payload = encoded
		flags |= codec.FlagBatched
	}

	if flags&codec.FlagSigned != 0 && p.signer == nil {
		return nil, ErrMissingSigner
	}

	nonce := veilcrypto.DeriveObjectNonce(tag, namespace, epoch, nowStep, payload)
	aad := veilcrypto.BuildAAD(tag, namespace, epoch)
	envelope, err := p.cipher.Encrypt(key, nonce, aad, payload)
	if err != nil {
		return nil, fmt.Errorf("publish: encrypt payload: %w", err)
	}

	obj := &codec.ObjectV1{
		Version:    codec.ObjectVersion,
		Namespace:  namespace,
		Epoch:      epoch,
		Flags:      flags,
		Tag:        tag,
		ObjectRoot: blake3.Sum256(payload),
		Nonce:      nonce,
		Ciphertext: envelope.Ciphertext,
	}

	if obj.Signed() {
		obj.SenderPubkey = p.signer.PublicKey()
		digest, err := codec.SignatureDigest(obj)
		if err != nil {
			return nil, fmt.Errorf("publish: compute signature digest: %w", err)
		}
		sig, err := p.signer.Sign(digest)
		if err != nil {
			return nil, fmt.Errorf("publish: sign: %w", err)
		}
		obj.Signature = sig
	}

	encodedObject, err := codec.EncodeObject(obj)
	if err != nil {
		return nil, fmt.Errorf("publish: encode object: %w", err)
	}
	wireRoot := codec.WireRoot(encodedObject)

	shards, err := fec.SplitObject(encodedObject, namespace, epoch, tag, wireRoot, p.cfg.ErasureMode, p.cfg.BucketJitter)
	if err != nil {
		return nil, fmt.Errorf("publish: shard object: %w", err)
	}

	result := &PublishResult{ObjectRoot: wireRoot, ShardsTotal: len(shards)}

	k := int(shards[0].K)
	n := len(shards)
	fastCount := k + 2
	if fastCount > n {
		fastCount = n
	}
	fallbackEnd := fastCount + 2
	if fallbackEnd > n {
		fallbackEnd = n
	}

	for i := 0; i < fastCount; i++ {
		b, err := codec.EncodeShard(shards[i])
		if err != nil {
			return nil, fmt.Errorf("publish: encode shard %d: %w", i, err)
		}
		sent, failed := sendToPeers(fastAdapter, fastPeers, b, p.cfg.BaseFastFanout)
		result.SentFast += sent
		result.FailedFast += failed
	}
	for i := fastCount; i < fallbackEnd; i++ {
		b, err := codec.EncodeShard(shards[i])
		if err != nil {
			return nil, fmt.Errorf("publish: encode shard %d: %w", i, err)
		}
		sent, failed := sendToPeers(fallbackAdapter, fallbackPeers, b, p.cfg.BaseFallbackFanout)
		result.SentFallback += sent
		result.FailedFallback += failed
	}

	if flags&codec.FlagAckRequested != 0 {
		remaining := make([][]byte, 0, n-fallbackEnd)
		for i := fallbackEnd; i < n; i++ {
			b, err := codec.EncodeShard(shards[i])
			if err != nil {
				return nil, fmt.Errorf("publish: encode shard %d: %w", i, err)
			}
			remaining = append(remaining, b)
		}
		p.acks.Register(wireRoot, remaining, nowStep, p.cfg.AckInitialTimeoutSteps, p.cfg.AckMaxRetries, p.cfg.AckRetryBatchSize, p.cfg.AckBackoffStep)
		result.AckTracked = true
	}

	return result, nil
}

func (p *Pipeline) drain(interactiveFlush bool) ([][]byte, error) {
	if interactiveFlush {
		item, ok := p.batcher.InteractiveFlush()
		if !ok {
			return nil, nil
		}
		return [][]byte{item}, nil
	}
	return p.batcher.DrainBatch(), nil
}

// sendToPeers sends payload to up to fanout peers from the front of peers,
// returning the number of successful and failed sends.
func sendToPeers(adapter transport.Adapter, peers []string, payload []byte, fanout int) (sent, failed int) {
	if adapter == nil || fanout <= 0 {
		return 0, 0
	}
	n := fanout
	if n > len(peers) {
		n = len(peers)
	}
	for i := 0; i < n; i++ {
		if err := adapter.Send(peers[i], payload); err != nil {
			failed++
			continue
		}
		sent++
	}
	return sent, failed
}
