package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Field order below is the fixed canonical order; the
// `,toarray` struct tag makes fxamacker/cbor encode the struct as a CBOR
// array in declaration order, so there is no map-key-ordering decision to
// make or to get wrong across implementations.

type objectWire struct {
	_            struct{} `cbor:",toarray"`
	Version      uint16
	Namespace    uint16
	Epoch        uint32
	Flags        uint16
	Tag          []byte
	ObjectRoot   []byte
	SenderPubkey []byte
	Signature    []byte
	Nonce        []byte
	Ciphertext   []byte
	Padding      []byte
}

// objectHeaderWire is the signed-header subset: version..nonce, no
// ciphertext/padding.
type objectHeaderWire struct {
	_            struct{} `cbor:",toarray"`
	Version      uint16
	Namespace    uint16
	Epoch        uint32
	Flags        uint16
	Tag          []byte
	ObjectRoot   []byte
	SenderPubkey []byte
	Signature    []byte
	Nonce        []byte
}

type shardWire struct {
	_           struct{} `cbor:",toarray"`
	Version     uint16
	Namespace   uint16
	Epoch       uint32
	Tag         []byte
	ObjectRoot  []byte
	ProfileID   uint16
	ErasureMode uint8
	BucketSize  uint32
	K           uint16
	N           uint16
	Index       uint16
	Payload     []byte
}

var encMode = func() cbor.EncMode {
	m, err := cbor.EncOptions{
		Sort: cbor.SortNone,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build cbor enc mode: %v", err))
	}
	return m
}()

var decMode = func() cbor.DecMode {
	m, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build cbor dec mode: %v", err))
	}
	return m
}()

func toObjectWire(o *ObjectV1) objectWire {
	w := objectWire{
		Version:    o.Version,
		Namespace:  o.Namespace,
		Epoch:      o.Epoch,
		Flags:      o.Flags,
		Tag:        o.Tag[:],
		ObjectRoot: o.ObjectRoot[:],
		Nonce:      o.Nonce[:],
		Ciphertext: o.Ciphertext,
		Padding:    o.Padding,
	}
	if o.Signed() {
		w.SenderPubkey = o.SenderPubkey[:]
		w.Signature = o.Signature[:]
	} else {
		w.SenderPubkey = []byte{}
		w.Signature = []byte{}
	}
	return w
}

// EncodeObject serializes o to canonical CBOR bytes. It does not call
// Validate; callers that need a guaranteed-valid record should validate
// first.
func EncodeObject(o *ObjectV1) ([]byte, error) {
	return encMode.Marshal(toObjectWire(o))
}

// DecodeObject decodes exactly one ObjectV1 from b and validates it.
// Trailing bytes after the record are accepted only if they are all zero.
func DecodeObject(b []byte) (*ObjectV1, error) {
	o, n, err := decodeObjectPrefix(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		if err := checkZeroPadding(b[n:]); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// DecodeObjectPrefix decodes one ObjectV1 from the start of b, tolerating
// trailing bytes (which are not inspected), and returns the number of bytes
// consumed. This is the entry point FEC reconstruction output (a zero
// padded k*chunk_len block) should use.
func DecodeObjectPrefix(b []byte) (*ObjectV1, int, error) {
	return decodeObjectPrefix(b)
}

func decodeObjectPrefix(b []byte) (*ObjectV1, int, error) {
	var w objectWire
	rest, err := decMode.UnmarshalFirst(b, &w)
	if err != nil {
		return nil, 0, err
	}
	o, err := fromObjectWire(&w)
	if err != nil {
		return nil, 0, err
	}
	if err := o.Validate(); err != nil {
		return nil, 0, err
	}
	return o, len(b) - len(rest), nil
}

func fromObjectWire(w *objectWire) (*ObjectV1, error) {
	o := &ObjectV1{
		Version:   w.Version,
		Namespace: w.Namespace,
		Epoch:     w.Epoch,
		Flags:     w.Flags,
	}
	if err := copyFixed(o.Tag[:], w.Tag, "tag"); err != nil {
		return nil, err
	}
	if err := copyFixed(o.ObjectRoot[:], w.ObjectRoot, "object_root"); err != nil {
		return nil, err
	}
	if err := copyFixed(o.Nonce[:], w.Nonce, "nonce"); err != nil {
		return nil, err
	}
	signed := o.Flags&FlagSigned != 0
	hasPub := len(w.SenderPubkey) != 0
	hasSig := len(w.Signature) != 0
	if signed != (hasPub && hasSig) {
		if signed {
			return nil, ErrSignedFieldsMissing
		}
		return nil, ErrSignedFieldsPresent
	}
	if hasPub {
		if err := copyFixed(o.SenderPubkey[:], w.SenderPubkey, "sender_pubkey"); err != nil {
			return nil, err
		}
	}
	if hasSig {
		if err := copyFixed(o.Signature[:], w.Signature, "signature"); err != nil {
			return nil, err
		}
	}
	o.Ciphertext = w.Ciphertext
	o.Padding = w.Padding
	return o, nil
}

func copyFixed(dst []byte, src []byte, field string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("codec: field %s has wrong length %d, want %d", field, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

func checkZeroPadding(b []byte) error {
	for _, c := range b {
		if c != 0 {
			return ErrTrailingNonZero
		}
	}
	return nil
}

// SignedHeaderBytes serializes the signed-header subset (version..nonce,
// excluding ciphertext/padding) in canonical form.
func SignedHeaderBytes(o *ObjectV1) ([]byte, error) {
	w := objectHeaderWire{
		Version:   o.Version,
		Namespace: o.Namespace,
		Epoch:     o.Epoch,
		Flags:     o.Flags,
		Tag:       o.Tag[:],
		Nonce:     o.Nonce[:],
	}
	w.ObjectRoot = o.ObjectRoot[:]
	if o.Signed() {
		w.SenderPubkey = o.SenderPubkey[:]
		zeroSig := [64]byte{}
		w.Signature = zeroSig[:] // signature field is zeroed during signing
	} else {
		w.SenderPubkey = []byte{}
		w.Signature = []byte{}
	}
	return encMode.Marshal(w)
}

// SignatureDigest computes BLAKE3(canonical_header ‖ BLAKE3(ciphertext)),
// the preimage signed over and verified against.
func SignatureDigest(o *ObjectV1) ([32]byte, error) {
	header, err := SignedHeaderBytes(o)
	if err != nil {
		return [32]byte{}, err
	}
	ciphertextHash := blake3.Sum256(o.Ciphertext)
	preimage := make([]byte, 0, len(header)+32)
	preimage = append(preimage, header...)
	preimage = append(preimage, ciphertextHash[:]...)
	return blake3.Sum256(preimage), nil
}

// ---------------------------------------------------------------------------
// ShardV1
// ---------------------------------------------------------------------------

func toShardWire(s *ShardV1) shardWire {
	return shardWire{
		Version:     s.Version,
		Namespace:   s.Namespace,
		Epoch:       s.Epoch,
		Tag:         s.Tag[:],
		ObjectRoot:  s.ObjectRoot[:],
		ProfileID:   s.ProfileID,
		ErasureMode: uint8(s.ErasureMode),
		BucketSize:  s.BucketSize,
		K:           s.K,
		N:           s.N,
		Index:       s.Index,
		Payload:     s.Payload,
	}
}

// EncodeShard serializes s to canonical CBOR bytes.
func EncodeShard(s *ShardV1) ([]byte, error) {
	return encMode.Marshal(toShardWire(s))
}

// DecodeShard decodes exactly one ShardV1 from b and validates it against
// its own encoded length.
func DecodeShard(b []byte) (*ShardV1, error) {
	s, n, err := decodeShardPrefix(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		if err := checkZeroPadding(b[n:]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DecodeShardPrefix decodes one ShardV1 from the start of b, tolerating
// trailing bytes, and returns the number of bytes consumed.
func DecodeShardPrefix(b []byte) (*ShardV1, int, error) {
	return decodeShardPrefix(b)
}

func decodeShardPrefix(b []byte) (*ShardV1, int, error) {
	var w shardWire
	rest, err := decMode.UnmarshalFirst(b, &w)
	if err != nil {
		return nil, 0, err
	}
	consumed := len(b) - len(rest)
	s := &ShardV1{
		Version:     w.Version,
		Namespace:   w.Namespace,
		Epoch:       w.Epoch,
		ProfileID:   w.ProfileID,
		ErasureMode: ErasureMode(w.ErasureMode),
		BucketSize:  w.BucketSize,
		K:           w.K,
		N:           w.N,
		Index:       w.Index,
		Payload:     w.Payload,
	}
	if err := copyFixed(s.Tag[:], w.Tag, "tag"); err != nil {
		return nil, 0, err
	}
	if err := copyFixed(s.ObjectRoot[:], w.ObjectRoot, "object_root"); err != nil {
		return nil, 0, err
	}
	if err := s.Validate(consumed); err != nil {
		return nil, 0, err
	}
	return s, consumed, nil
}

// ShardID computes BLAKE3 of the canonical-CBOR-encoded shard.
func ShardID(s *ShardV1) ([32]byte, error) {
	b, err := EncodeShard(s)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(b), nil
}

// WireRoot computes BLAKE3 of the encoded ObjectV1 wire bytes.
func WireRoot(encodedObject []byte) [32]byte {
	return blake3.Sum256(encodedObject)
}
