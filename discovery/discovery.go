// Package discovery implements the XOR-distance contact table: contact key
// derivation, lookup/sample, and the announce/lookup/response/gossip
// message shapes exchanged on the discovery namespace.
package discovery

import (
	"encoding/hex"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
)

// ContactBundle describes one known peer, including optional LAN addresses
// and an RPC URL hint alongside its overlay addresses.
type ContactBundle struct {
	PeerID    string
	PubkeyHex string // 64-hex-char x-only pubkey if known; may be empty
	Addrs     []string
	LanAddrs  []string
	RPCURL    *string
	LastSeen  uint64
}

// ContactKey derives the 32-byte XOR-distance key for a contact: its x-only
// pubkey if PubkeyHex decodes to exactly 32 bytes, else BLAKE3(peer_id),
// taken verbatim from the original's discovery.rs fallback rule.
func (c ContactBundle) ContactKey() [32]byte {
	if len(c.PubkeyHex) == 64 {
		if raw, err := hex.DecodeString(c.PubkeyHex); err == nil && len(raw) == 32 {
			var key [32]byte
			copy(key[:], raw)
			return key
		}
	}
	return blake3.Sum256([]byte(c.PeerID))
}

// Table owns the set of known contacts, keyed by ContactKey.
type Table struct {
	mu       sync.RWMutex
	contacts map[[32]byte]ContactBundle
	rng      func(n int) []int // injected for deterministic tests; see NewWithRand
}

// New builds an empty Table using a default pseudo-random sampler.
func New() *Table {
	return &Table{contacts: make(map[[32]byte]ContactBundle), rng: defaultShuffleIndices}
}

// NewWithRand builds a Table with an injected index-shuffling function, for
// deterministic tests of Sample.
func NewWithRand(shuffle func(n int) []int) *Table {
	return &Table{contacts: make(map[[32]byte]ContactBundle), rng: shuffle}
}

// Upsert inserts or replaces the contact entry for c's key.
func (t *Table) Upsert(c ContactBundle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contacts[c.ContactKey()] = c
}

// Remove drops the contact with the given key, if present.
func (t *Table) Remove(key [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.contacts, key)
}

// Len reports the number of known contacts.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.contacts)
}

func xorDistance(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func lessDistance(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Lookup returns up to limit contacts sorted ascending by XOR-distance to
// key.
func (t *Table) Lookup(key [32]byte, limit int) []ContactBundle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	type scored struct {
		dist [32]byte
		c    ContactBundle
	}
	all := make([]scored, 0, len(t.contacts))
	for ck, c := range t.contacts {
		all = append(all, scored{dist: xorDistance(key, ck), c: c})
	}
	sort.Slice(all, func(i, j int) bool { return lessDistance(all[i].dist, all[j].dist) })

	if limit > len(all) || limit < 0 {
		limit = len(all)
	}
	out := make([]ContactBundle, limit)
	for i := 0; i < limit; i++ {
		out[i] = all[i].c
	}
	return out
}

// Sample returns a uniform random subset of up to max contacts.
func (t *Table) Sample(max int) []ContactBundle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(t.contacts)
	if max > n {
		max = n
	}
	if max <= 0 {
		return nil
	}

	all := make([]ContactBundle, 0, n)
	for _, c := range t.contacts {
		all = append(all, c)
	}
	order := t.rng(n)
	out := make([]ContactBundle, 0, max)
	for _, idx := range order[:max] {
		out = append(out, all[idx])
	}
	return out
}

func defaultShuffleIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rand.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return idx
}

// MessageKind enumerates the discovery message shapes exchanged on the
// discovery namespace.
type MessageKind int

const (
	MessageAnnounce MessageKind = iota
	MessageLookup
	MessageResponse
	MessageGossip
)

// Message is the payload shape carried on the discovery namespace. TTL is
// always 1 (single hop).
type Message struct {
	Kind     MessageKind
	From     ContactBundle
	LookupOf *[32]byte       // set when Kind == MessageLookup
	Contacts []ContactBundle // set when Kind == MessageResponse or MessageGossip
	TTL      uint8
}

// NewAnnounce / NewLookup / NewResponse / NewGossip build single-hop
// discovery messages.
func NewAnnounce(self ContactBundle) Message {
	return Message{Kind: MessageAnnounce, From: self, TTL: 1}
}

func NewLookup(self ContactBundle, of [32]byte) Message {
	return Message{Kind: MessageLookup, From: self, LookupOf: &of, TTL: 1}
}

func NewResponse(self ContactBundle, contacts []ContactBundle) Message {
	return Message{Kind: MessageResponse, From: self, Contacts: contacts, TTL: 1}
}

func NewGossip(self ContactBundle, contacts []ContactBundle) Message {
	return Message{Kind: MessageGossip, From: self, Contacts: contacts, TTL: 1}
}

// HandleMessage feeds an inbound discovery Message back into the contact
// store (announce/response/gossip all upsert their carried contacts; a
// lookup message does not itself produce contacts) and, for a lookup this
// table can answer, returns the response payload to send back. Since TTL
// is always 1, a lookup is only ever answered once, never relayed further.
func (t *Table) HandleMessage(self ContactBundle, msg Message, limit int) (response *Message, forward bool) {
	t.Upsert(msg.From)
	switch msg.Kind {
	case MessageAnnounce:
		return nil, false
	case MessageResponse, MessageGossip:
		for _, c := range msg.Contacts {
			t.Upsert(c)
		}
		return nil, false
	case MessageLookup:
		if msg.LookupOf == nil {
			return nil, false
		}
		contacts := t.Lookup(*msg.LookupOf, limit)
		r := NewResponse(self, contacts)
		return &r, false
	default:
		return nil, false
	}
}
