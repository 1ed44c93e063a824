// Package bloom implements the cache-summary Bloom filter exchange: sizing
// a filter for a target false-positive rate, salted multi-round BLAKE3
// indexing, the wire packet format, and the diff-and-request-missing logic
// a runtime tick drives on receipt of a peer's filter.
package bloom

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// PacketMagic prefixes every encoded Packet on the wire, distinguishing it
// from a ShardV1 record during C11 step 1's dispatch.
var PacketMagic = []byte("VEIL_BLOOM_V1")

var (
	// ErrNotABloomPacket is returned by Decode when the bytes do not carry
	// PacketMagic.
	ErrNotABloomPacket = errors.New("bloom: not a bloom exchange packet")
	// ErrUnsupportedVersion is returned by Decode for any version other
	// than the one this package emits.
	ErrUnsupportedVersion = errors.New("bloom: unsupported packet version")
	// ErrInvalidParams guards against a degenerate filter (n=0 or p<=0).
	ErrInvalidParams = errors.New("bloom: n and false-positive rate must be positive")
)

// PacketVersion is the only version this package emits or accepts.
const PacketVersion = 1

// MinBits is the filter's minimum bit-vector length regardless of the
// sizing formula's output.
const MinBits = 256

// SaltLen is the fixed salt length.
const SaltLen = 16

// indexDomain is the BLAKE3 domain-separation tag for bit-index derivation.
var indexDomain = []byte("bloom-v1")

// Filter is a salted Bloom filter over 32-byte shard IDs.
type Filter struct {
	Salt [SaltLen]byte
	M    uint64 // bit vector length
	K    int    // number of hash rounds, clamped [1,16]
	bits *bitset.BitSet
}

// New builds an empty Filter sized for n expected items at false-positive
// rate p, using the standard optimal-bit-count/hash-round formula, with
// salt supplied by the caller (callers draw it from their own CSPRNG; this
// package never generates randomness itself so it stays deterministically
// testable).
func New(n int, p float64, salt [SaltLen]byte) (*Filter, error) {
	if n <= 0 || p <= 0 || p >= 1 {
		return nil, ErrInvalidParams
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < MinBits {
		m = MinBits
	}
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &Filter{Salt: salt, M: m, K: k, bits: bitset.New(uint(m))}, nil
}

// indices returns the k bit positions shardID hashes to.
func (f *Filter) indices(shardID [32]byte) []uint64 {
	out := make([]uint64, f.K)
	for i := 0; i < f.K; i++ {
		h := blake3.New()
		h.Write(indexDomain)
		h.Write(f.Salt[:])
		h.Write(shardID[:])
		var round [8]byte
		putUint64BE(round[:], uint64(i))
		h.Write(round[:])
		digest := h.Sum(nil)
		idx := uint64BE(digest[:8]) % f.M
		out[i] = idx
	}
	return out
}

// Insert sets the bits for shardID.
func (f *Filter) Insert(shardID [32]byte) {
	for _, idx := range f.indices(shardID) {
		f.bits.Set(uint(idx))
	}
}

// MightContain reports whether shardID could be a member; false is
// authoritative, true may be a false positive.
func (f *Filter) MightContain(shardID [32]byte) bool {
	for _, idx := range f.indices(shardID) {
		if !f.bits.Test(uint(idx)) {
			return false
		}
	}
	return true
}

func putUint64BE(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func uint64BE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// wireFilter is the CBOR-serializable shape of a Filter.
type wireFilter struct {
	Salt  []byte `cbor:"1,keyasint"`
	M     uint64 `cbor:"2,keyasint"`
	K     int    `cbor:"3,keyasint"`
	Words []byte `cbor:"4,keyasint"`
}

// wirePacket is the CBOR body following PacketMagic.
type wirePacket struct {
	Version int        `cbor:"1,keyasint"`
	Epoch   uint32      `cbor:"2,keyasint"`
	Filter  wireFilter `cbor:"3,keyasint"`
}

// Packet pairs a Filter with the epoch it summarizes, ready to Encode.
type Packet struct {
	Epoch  uint32
	Filter *Filter
}

// Encode serializes p as magic ‖ CBOR(wirePacket).
func Encode(p *Packet) ([]byte, error) {
	wordBytes, err := p.Filter.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("bloom: marshal bitset: %w", err)
	}
	body := wirePacket{
		Version: PacketVersion,
		Epoch:   p.Epoch,
		Filter: wireFilter{
			Salt:  p.Filter.Salt[:],
			M:     p.Filter.M,
			K:     p.Filter.K,
			Words: wordBytes,
		},
	}
	encoded, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bloom: encode packet: %w", err)
	}
	return append(append([]byte(nil), PacketMagic...), encoded...), nil
}

// Decode parses a Packet, returning ErrNotABloomPacket if data lacks the
// magic prefix and ErrUnsupportedVersion for any other schema version.
func Decode(data []byte) (*Packet, error) {
	if len(data) < len(PacketMagic) || !bytes.Equal(data[:len(PacketMagic)], PacketMagic) {
		return nil, ErrNotABloomPacket
	}
	var body wirePacket
	if err := cbor.Unmarshal(data[len(PacketMagic):], &body); err != nil {
		return nil, fmt.Errorf("bloom: decode packet: %w", err)
	}
	if body.Version != PacketVersion {
		return nil, ErrUnsupportedVersion
	}
	if len(body.Filter.Salt) != SaltLen {
		return nil, fmt.Errorf("bloom: salt length %d != %d", len(body.Filter.Salt), SaltLen)
	}
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(body.Filter.Words); err != nil {
		return nil, fmt.Errorf("bloom: unmarshal bitset: %w", err)
	}
	f := &Filter{M: body.Filter.M, K: body.Filter.K, bits: bs}
	copy(f.Salt[:], body.Filter.Salt)
	return &Packet{Epoch: body.Epoch, Filter: f}, nil
}

// Missing returns the subset of local that the peer filter does not claim
// to hold, in local's iteration order -- the set a node offers back over
// the same lane as the only solicited retransmission path. maxResults
// bounds the number of entries returned; <=0 means unbounded.
func Missing(peerFilter *Filter, local [][32]byte, maxResults int) [][32]byte {
	var out [][32]byte
	for _, sid := range local {
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
		if !peerFilter.MightContain(sid) {
			out = append(out, sid)
		}
	}
	return out
}
