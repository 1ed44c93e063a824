// Package persistence implements the node's snapshot store: a single CBOR
// blob written via temp-file + atomic rename, loaded with default-on-missing
// and fatal-on-decode-failure semantics.
package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/veil-project/veil-node/ack"
	"github.com/veil-project/veil-node/cache"
	"github.com/veil-project/veil-node/discovery"
	"github.com/veil-project/veil-node/policy"
	"github.com/veil-project/veil-node/state"
)

// Snapshot is the CBOR-serializable shape of one node's durable state:
// identity record, exported policy overrides, known contacts, subscription
// set, a rolling event buffer (≤256 envelopes), the shard cache with its
// eviction side-tables, the pending-ACK registry, and the logical step
// clock, all under one canonical CBOR encoding for the whole store.
type Snapshot struct {
	Identity        state.IdentityRecord      `cbor:"1,keyasint"`
	Subscriptions   []subscriptionEntry       `cbor:"2,keyasint"`
	PolicyOverrides []policyOverrideEntry     `cbor:"3,keyasint"`
	Contacts        []discovery.ContactBundle `cbor:"4,keyasint"`
	FeedHistory     []state.FeedEvent         `cbor:"5,keyasint"`
	CachedShards    []cachedShardEntry        `cbor:"6,keyasint"`
	PendingAcks     []pendingAckEntry         `cbor:"7,keyasint"`
	Step            uint64                    `cbor:"8,keyasint"`
}

// subscriptionEntry flattens the tag->key map, since CBOR map keys must be
// one of its native key types and [32]byte is not one without a custom
// codec path; a slice of pairs round-trips losslessly instead.
type subscriptionEntry struct {
	Tag [32]byte `cbor:"1,keyasint"`
	Key [32]byte `cbor:"2,keyasint"`
}

type policyOverrideEntry struct {
	Pubkey policy.Pubkey    `cbor:"1,keyasint"`
	Tier   policy.TrustTier `cbor:"2,keyasint"`
}

type cachedShardEntry struct {
	ID           [32]byte         `cbor:"1,keyasint"`
	Bytes        []byte           `cbor:"2,keyasint"`
	ExpiryStep   uint64           `cbor:"3,keyasint"`
	LastSeenStep uint64           `cbor:"4,keyasint"`
	Tier         policy.TrustTier `cbor:"5,keyasint"`
	Replicas     uint64           `cbor:"6,keyasint"`
	Requested    uint64           `cbor:"7,keyasint"`
}

type pendingAckEntry struct {
	Root           [32]byte `cbor:"1,keyasint"`
	UnsentShards   [][]byte `cbor:"2,keyasint"`
	NextRetryStep  uint64   `cbor:"3,keyasint"`
	Retries        uint32   `cbor:"4,keyasint"`
	MaxRetries     uint32   `cbor:"5,keyasint"`
	RetryBatchSize int      `cbor:"6,keyasint"`
	BackoffStep    uint64   `cbor:"7,keyasint"`
}

// ErrDecodeFailed wraps any CBOR decode failure on Load. A decode failure
// is treated as fatal for the existing snapshot (callers should abort
// startup rather than silently discard it), distinct from a simply-missing
// file.
var ErrDecodeFailed = errors.New("persistence: snapshot decode failed")

// ToSnapshot flattens a NodeState into its wire Snapshot shape.
func ToSnapshot(s *state.NodeState) Snapshot {
	subs := make([]subscriptionEntry, 0, len(s.Subscriptions))
	for tag, key := range s.Subscriptions {
		subs = append(subs, subscriptionEntry{Tag: tag, Key: key})
	}
	overrides := make([]policyOverrideEntry, 0, len(s.PolicyOverrides))
	for _, o := range s.PolicyOverrides {
		overrides = append(overrides, policyOverrideEntry{Pubkey: o.Pubkey, Tier: o.Tier})
	}
	return Snapshot{
		Identity:        s.Identity,
		Subscriptions:   subs,
		PolicyOverrides: overrides,
		Contacts:        s.Contacts,
		FeedHistory:     s.FeedHistory(),
	}
}

// Capture flattens everything one node must carry across a restart into a
// Snapshot: s plus the shard cache, the pending-ACK registry, and the
// runtime's logical step clock. c and acks may be nil for publisher-only
// processes that own neither.
func Capture(s *state.NodeState, c *cache.Cache, acks *ack.Registry, step uint64) Snapshot {
	snap := ToSnapshot(s)
	snap.Step = step
	if c != nil {
		for _, e := range c.Export() {
			snap.CachedShards = append(snap.CachedShards, cachedShardEntry{
				ID:           e.ID,
				Bytes:        e.Bytes,
				ExpiryStep:   e.ExpiryStep,
				LastSeenStep: e.LastSeenStep,
				Tier:         e.Tier,
				Replicas:     e.Replicas,
				Requested:    e.Requested,
			})
		}
	}
	if acks != nil {
		for _, e := range acks.Export() {
			snap.PendingAcks = append(snap.PendingAcks, pendingAckEntry{
				Root:           e.Root,
				UnsentShards:   e.Pending.UnsentShards,
				NextRetryStep:  e.Pending.NextRetryStep,
				Retries:        e.Pending.Retries,
				MaxRetries:     e.Pending.MaxRetries,
				RetryBatchSize: e.Pending.RetryBatchSize,
				BackoffStep:    e.Pending.BackoffStep,
			})
		}
	}
	return snap
}

// CachedShardExports returns the snapshot's cache section in the shape
// cache.RestoreShards consumes.
func (snap Snapshot) CachedShardExports() []cache.ExportedShard {
	out := make([]cache.ExportedShard, 0, len(snap.CachedShards))
	for _, e := range snap.CachedShards {
		out = append(out, cache.ExportedShard{
			ID:           e.ID,
			Bytes:        e.Bytes,
			ExpiryStep:   e.ExpiryStep,
			LastSeenStep: e.LastSeenStep,
			Tier:         e.Tier,
			Replicas:     e.Replicas,
			Requested:    e.Requested,
		})
	}
	return out
}

// PendingAckExports returns the snapshot's pending-ACK section in the
// shape ack.Registry.Restore consumes.
func (snap Snapshot) PendingAckExports() []ack.ExportedPending {
	out := make([]ack.ExportedPending, 0, len(snap.PendingAcks))
	for _, e := range snap.PendingAcks {
		out = append(out, ack.ExportedPending{
			Root: e.Root,
			Pending: ack.PendingAck{
				UnsentShards:   e.UnsentShards,
				NextRetryStep:  e.NextRetryStep,
				Retries:        e.Retries,
				MaxRetries:     e.MaxRetries,
				RetryBatchSize: e.RetryBatchSize,
				BackoffStep:    e.BackoffStep,
			},
		})
	}
	return out
}

// Restore rebuilds a NodeState from a decoded Snapshot.
func Restore(snap Snapshot) *state.NodeState {
	s := state.New(snap.Identity)
	for _, e := range snap.Subscriptions {
		s.Subscriptions[e.Tag] = e.Key
	}
	for _, e := range snap.PolicyOverrides {
		s.PolicyOverrides = append(s.PolicyOverrides, state.PolicyOverride{Pubkey: e.Pubkey, Tier: e.Tier})
	}
	s.Contacts = snap.Contacts
	for _, ev := range snap.FeedHistory {
		s.RecordEvent(ev.Version, ev.Event, ev.Data)
	}
	return s
}

// Save encodes snap as CBOR and atomically replaces the file at path via a
// temp-file-in-the-same-directory + os.Rename: write + sync the temp file,
// close it, then rename over the destination so a crash never observes a
// partially written snapshot.
func Save(path string, snap Snapshot) error {
	encoded, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persistence: encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: rename temp file: %w", err)
	}
	return nil
}

// Load reads and decodes the snapshot at path. A missing file returns an
// empty snapshot carrying defaultIdentity (no error). Any other read
// failure returns the wrapped read error, and a CBOR decode failure returns
// an ErrDecodeFailed-wrapped error; callers should treat either as fatal -- an existing-but-corrupt
// snapshot must be explicitly discarded by the operator, not silently
// dropped by this package.
func Load(path string, defaultIdentity state.IdentityRecord) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{Identity: defaultIdentity}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("persistence: read snapshot: %w", err)
	}

	var snap Snapshot
	if err := cbor.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return snap, nil
}
