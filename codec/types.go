// Package codec implements the canonical CBOR encoding of the overlay's
// wire records (ObjectV1, ShardV1), the signed-header preimage used for
// signature verification, and flag/bucket validation.
package codec

import "errors"

// Flag bits on ObjectV1.Flags. Adding a new bit requires a version bump.
const (
	FlagSigned       uint16 = 0x1
	FlagPublic       uint16 = 0x2
	FlagAckRequested uint16 = 0x4
	FlagBatched      uint16 = 0x8

	knownFlagMask = FlagSigned | FlagPublic | FlagAckRequested | FlagBatched
)

// ErasureMode selects systematic vs. hardened non-systematic sharding.
type ErasureMode uint8

const (
	// Systematic emits k data shards verbatim plus n-k parity shards.
	// Only safe when every shard stays on an encrypted transport.
	Systematic ErasureMode = iota
	// HardenedNonSystematic is recorded in every shard header by
	// fec.SplitObject, but the shards are encoded exactly as in Systematic
	// mode: the k data shards still carry the object bytes verbatim.
	HardenedNonSystematic
)

// ObjectVersion is the only version accepted by this codec.
const ObjectVersion uint16 = 1

// ShardVersion is the only version accepted by this codec. The project's
// own FFI test fixtures still reference a v1 shard schema; that is legacy
// test input, not a second supported wire version.
const ShardVersion uint16 = 2

// Allowed shard bucket sizes, in bytes.
var AllowedBucketSizes = [...]uint32{2 << 10, 4 << 10, 8 << 10, 16 << 10, 32 << 10, 64 << 10}

// Sentinel errors returned by Validate and the decoders.
var (
	ErrUnsupportedVersion  = errors.New("codec: unsupported version")
	ErrUnknownFlagBits     = errors.New("codec: unknown flag bits set")
	ErrSignedFieldsMissing = errors.New("codec: SIGNED flag set but sender_pubkey/signature missing")
	ErrSignedFieldsPresent = errors.New("codec: sender_pubkey/signature present but SIGNED flag unset")
	ErrEmptyCiphertext     = errors.New("codec: ciphertext must be non-empty")
	ErrEmptyPayload        = errors.New("codec: shard payload must be non-empty")
	ErrInvalidBucketSize   = errors.New("codec: bucket size not in allowed bucket size set")
	ErrBucketLengthMismatch = errors.New("codec: serialized shard length does not equal its bucket size")
	ErrInvalidKN           = errors.New("codec: require 0 < k <= n")
	ErrIndexOutOfRange     = errors.New("codec: shard index out of range")
	ErrTruncated           = errors.New("codec: truncated record")
	ErrTrailingNonZero     = errors.New("codec: trailing bytes after record are not zero padding")
)

// ObjectV1 is the canonical application-level record: an encrypted,
// optionally signed payload addressed by tag.
type ObjectV1 struct {
	Version      uint16
	Namespace    uint16
	Epoch        uint32
	Flags        uint16
	Tag          [32]byte
	ObjectRoot   [32]byte
	SenderPubkey [32]byte // only meaningful when Flags&FlagSigned != 0
	Signature    [64]byte // only meaningful when Flags&FlagSigned != 0
	Nonce        [24]byte
	Ciphertext   []byte
	Padding      []byte
}

// Signed reports whether o carries the SIGNED flag.
func (o *ObjectV1) Signed() bool { return o.Flags&FlagSigned != 0 }

// Validate checks the structural invariants on the object header.
func (o *ObjectV1) Validate() error {
	if o.Version != ObjectVersion {
		return ErrUnsupportedVersion
	}
	if o.Flags&^knownFlagMask != 0 {
		return ErrUnknownFlagBits
	}
	if len(o.Ciphertext) == 0 {
		return ErrEmptyCiphertext
	}
	if o.Signed() && (o.SenderPubkey == [32]byte{} || o.Signature == [64]byte{}) {
		return ErrSignedFieldsMissing
	}
	return nil
}

// ShardV1 is one erasure-coded, padded fragment of an encoded ObjectV1.
type ShardV1 struct {
	Version     uint16
	Namespace   uint16
	Epoch       uint32
	Tag         [32]byte
	ObjectRoot  [32]byte // BLAKE3 of the encoded ObjectV1 wire bytes ("wire root")
	ProfileID   uint16
	ErasureMode ErasureMode
	BucketSize  uint32
	K           uint16
	N           uint16
	Index       uint16
	Payload     []byte
}

// Validate checks the structural invariants on the shard header, including
// that the serialized length of the record exactly equals BucketSize.
// encodedLen is the length of the shard as it will appear on the wire
// (header + payload), supplied by the caller since it depends on the
// concrete encoding.
func (s *ShardV1) Validate(encodedLen int) error {
	if s.Version != ShardVersion {
		return ErrUnsupportedVersion
	}
	if len(s.Payload) == 0 {
		return ErrEmptyPayload
	}
	if !isAllowedBucketSize(s.BucketSize) {
		return ErrInvalidBucketSize
	}
	if uint32(encodedLen) != s.BucketSize {
		return ErrBucketLengthMismatch
	}
	if s.K == 0 || s.K > s.N {
		return ErrInvalidKN
	}
	if s.Index >= s.N {
		return ErrIndexOutOfRange
	}
	return nil
}

func isAllowedBucketSize(b uint32) bool {
	for _, v := range AllowedBucketSizes {
		if v == b {
			return true
		}
	}
	return false
}
