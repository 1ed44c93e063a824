// Package ack implements the pending-ACK registry and retry escalation
// machine for objects published with ACK_REQUESTED, plus the tiny
// fixed-format ACK payload exchanged over the same object/shard pipeline
// as ordinary application data.
package ack

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

// ackMagic prefixes every ACK payload. The full payload is magic + a
// 32-byte acknowledged wire root, 43 bytes total.
var ackMagic = []byte("VEIL_ACK_V1")

// AckPayloadLen is the fixed length of an encoded ACK payload.
const AckPayloadLen = 11 + 32

// ErrNotAnAck is returned by DecodePayload when b is not a validly-shaped
// ACK payload (wrong length or wrong magic).
var ErrNotAnAck = errors.New("ack: payload is not a VEIL_ACK_V1 record")

// EncodePayload builds the 43-byte cleartext ACK payload for root. This is
// the payload handed to the publish pipeline for encryption, signing (never,
// ACKs are unsigned) and sharding -- it is not itself a wire record.
func EncodePayload(root [32]byte) []byte {
	out := make([]byte, 0, AckPayloadLen)
	out = append(out, ackMagic...)
	out = append(out, root[:]...)
	return out
}

// DecodePayload parses b as an ACK payload, requiring an exact length match
// and an exact magic match.
func DecodePayload(b []byte) (root [32]byte, err error) {
	if len(b) != AckPayloadLen || !bytes.Equal(b[:len(ackMagic)], ackMagic) {
		return root, ErrNotAnAck
	}
	copy(root[:], b[len(ackMagic):])
	return root, nil
}

// PendingAck tracks the retry state for one acknowledged wire root,
// registered by the publish pipeline when ACK_REQUESTED is set and
// populated with the shards withheld from the first send wave.
type PendingAck struct {
	UnsentShards   [][]byte
	NextRetryStep  uint64
	Retries        uint32
	MaxRetries     uint32
	RetryBatchSize int
	BackoffStep    uint64
}

func (p *PendingAck) exhausted() bool {
	return len(p.UnsentShards) == 0 || p.Retries >= p.MaxRetries
}

// Registry is the pending-ACK table. All methods are safe for concurrent
// use.
type Registry struct {
	mu      sync.Mutex
	pending map[[32]byte]*PendingAck
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[[32]byte]*PendingAck)}
}

// Register adds a pending ACK entry for root. An existing entry for the
// same root is replaced.
func (r *Registry) Register(root [32]byte, unsentShards [][]byte, now uint64, initialTimeoutSteps uint64, maxRetries uint32, retryBatchSize int, backoffStep uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[root] = &PendingAck{
		UnsentShards:   unsentShards,
		NextRetryStep:  now + initialTimeoutSteps,
		Retries:        0,
		MaxRetries:     maxRetries,
		RetryBatchSize: retryBatchSize,
		BackoffStep:    backoffStep,
	}
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Has reports whether root has a pending entry.
func (r *Registry) Has(root [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[root]
	return ok
}

// AckReceived removes the pending entry for root, reporting whether it
// existed.
func (r *Registry) AckReceived(root [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[root]; !ok {
		return false
	}
	delete(r.pending, root)
	return true
}

// NextAckEscalationBatch finds the single due root (next_retry_step <= now),
// takes up to RetryBatchSize shards from the front of its queue, increments
// retries, and reschedules next_retry_step. The entry is removed once its
// queue empties or its retry count reaches max, checked AFTER the
// increment: an entry can emit its max_retries-th batch and still be
// dropped in the same call.
//
// Returns ok=false if no root is currently due.
func (r *Registry) NextAckEscalationBatch(now uint64) (root [32]byte, batch [][]byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dueRoot [32]byte
	var due *PendingAck
	for id, p := range r.pending {
		if p.NextRetryStep <= now {
			dueRoot, due = id, p
			break
		}
	}
	if due == nil {
		return root, nil, false
	}

	n := due.RetryBatchSize
	if n > len(due.UnsentShards) {
		n = len(due.UnsentShards)
	}
	batch = due.UnsentShards[:n]
	due.UnsentShards = due.UnsentShards[n:]
	due.Retries++
	due.NextRetryStep = now + due.BackoffStep

	if due.exhausted() {
		delete(r.pending, dueRoot)
	}
	return dueRoot, batch, true
}

// ExportedPending pairs a wire root with its retry state, the shape the
// snapshot store persists so pending ACKs survive a restart.
type ExportedPending struct {
	Root    [32]byte
	Pending PendingAck
}

// Export returns every pending entry, sorted by root so snapshots of equal
// registries are byte-identical.
func (r *Registry) Export() []ExportedPending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ExportedPending, 0, len(r.pending))
	for root, p := range r.pending {
		cp := *p
		cp.UnsentShards = make([][]byte, len(p.UnsentShards))
		for i, s := range p.UnsentShards {
			cp.UnsentShards[i] = append([]byte(nil), s...)
		}
		out = append(out, ExportedPending{Root: root, Pending: cp})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Root[:], out[j].Root[:]) < 0
	})
	return out
}

// Restore reinserts previously exported entries, replacing any existing
// entry for the same root. Entries that were already exhausted when
// exported are skipped rather than resurrected.
func (r *Registry) Restore(entries []ExportedPending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		p := e.Pending
		if p.exhausted() {
			continue
		}
		p.UnsentShards = make([][]byte, len(e.Pending.UnsentShards))
		for i, s := range e.Pending.UnsentShards {
			p.UnsentShards[i] = append([]byte(nil), s...)
		}
		cp := p
		r.pending[e.Root] = &cp
	}
}
