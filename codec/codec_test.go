package codec

import (
	"bytes"
	"reflect"
	"testing"
)

func fullObject() *ObjectV1 {
	o := &ObjectV1{
		Version:    ObjectVersion,
		Namespace:  42,
		Epoch:      123456,
		Flags:      FlagSigned | FlagAckRequested,
		Ciphertext: bytes.Repeat([]byte{0x44}, 48),
		Padding:    bytes.Repeat([]byte{0x55}, 16),
	}
	fill(o.Tag[:], 0x11)
	fill(o.ObjectRoot[:], 0x22)
	fill(o.SenderPubkey[:], 0xAA)
	fill(o.Signature[:], 0xBB)
	fill(o.Nonce[:], 0x33)
	return o
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func TestObjectRoundTrip(t *testing.T) {
	o := fullObject()
	enc, err := EncodeObject(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeObject(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(dec, o) {
		t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", dec, o)
	}
}

func TestObjectPrefixDecodeTolerance(t *testing.T) {
	o := fullObject()
	enc, err := EncodeObject(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	padded := append(append([]byte{}, enc...), make([]byte, 37)...)
	dec, n, err := DecodeObjectPrefix(padded)
	if err != nil {
		t.Fatalf("decode_prefix: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d bytes, want %d", n, len(enc))
	}
	if !reflect.DeepEqual(dec, o) {
		t.Fatalf("round-trip mismatch via decode_prefix")
	}
}

func TestObjectUnsignedRoundTrip(t *testing.T) {
	o := &ObjectV1{
		Version:    ObjectVersion,
		Namespace:  7,
		Epoch:      1,
		Flags:      FlagBatched,
		Ciphertext: []byte{1, 2, 3},
	}
	enc, err := EncodeObject(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeObject(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(dec, o) {
		t.Fatalf("round-trip mismatch")
	}
}

func TestObjectSignedDisciplineViolations(t *testing.T) {
	o := &ObjectV1{Version: ObjectVersion, Flags: FlagSigned, Ciphertext: []byte{1}}
	enc, err := EncodeObject(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeObject(enc); err == nil {
		t.Fatal("expected decode error for SIGNED without sender/signature")
	}
}

func TestObjectUnknownFlagBits(t *testing.T) {
	o := &ObjectV1{Version: ObjectVersion, Flags: 0x8000, Ciphertext: []byte{1}}
	if err := o.Validate(); err == nil {
		t.Fatal("expected ErrUnknownFlagBits")
	}
}

func TestObjectEmptyCiphertextInvalid(t *testing.T) {
	o := &ObjectV1{Version: ObjectVersion}
	if err := o.Validate(); err == nil {
		t.Fatal("expected ErrEmptyCiphertext")
	}
}

func TestSignatureDigestDeterministic(t *testing.T) {
	o := fullObject()
	d1, err := SignatureDigest(o)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := SignatureDigest(o)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if d1 != d2 {
		t.Fatal("signature digest is not deterministic")
	}
}

func shardFixture(bucket uint32, payloadLen int) *ShardV1 {
	s := &ShardV1{
		Version:     ShardVersion,
		Namespace:   7,
		Epoch:       1,
		ProfileID:   1,
		ErasureMode: Systematic,
		BucketSize:  bucket,
		K:           6,
		N:           10,
		Index:       0,
		Payload:     make([]byte, payloadLen),
	}
	fill(s.Tag[:], 0x11)
	fill(s.ObjectRoot[:], 0x22)
	return s
}

func TestShardRoundTrip(t *testing.T) {
	// Size the payload so the encoded shard exactly fills its bucket, as
	// the sharder does; the decoder checks the record length against it.
	probe, err := EncodeShard(shardFixture(16<<10, 300))
	if err != nil {
		t.Fatalf("encode probe: %v", err)
	}
	overhead := len(probe) - 300
	s := shardFixture(16<<10, 16<<10-overhead)
	enc, err := EncodeShard(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeShard(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Version != s.Version || dec.K != s.K || dec.N != s.N || len(dec.Payload) != len(s.Payload) {
		t.Fatalf("round-trip mismatch: %+v vs %+v", dec, s)
	}
}

func TestShardInvalidBucketSize(t *testing.T) {
	s := shardFixture(12345, 100)
	enc, _ := EncodeShard(s)
	if _, err := DecodeShard(enc); err == nil {
		t.Fatal("expected ErrInvalidBucketSize")
	}
}

func TestShardBucketLengthMismatch(t *testing.T) {
	s := shardFixture(16<<10, 100)
	enc, _ := EncodeShard(s)
	// One byte short of the declared bucket size.
	short := append(append([]byte{}, enc...), make([]byte, int(s.BucketSize)-len(enc)-1)...)
	if _, err := DecodeShard(short); err == nil {
		t.Fatal("expected bucket length mismatch error")
	}
}

func TestShardIDDeterministic(t *testing.T) {
	s := shardFixture(16<<10, 100)
	id1, err := ShardID(s)
	if err != nil {
		t.Fatalf("shard id: %v", err)
	}
	id2, err := ShardID(s)
	if err != nil {
		t.Fatalf("shard id: %v", err)
	}
	if id1 != id2 {
		t.Fatal("shard id is not deterministic")
	}
}

// TestObjectGoldenVector pins the canonical wire encoding of the reference
// object byte-for-byte: an array of eleven fields in declaration order,
// shortest-form integers, definite-length byte strings. Any codec change
// that shifts these bytes breaks wire compatibility and needs a version
// bump, not a vector update.
func TestObjectGoldenVector(t *testing.T) {
	enc, err := EncodeObject(fullObject())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var expect []byte
	expect = append(expect,
		0x8B,                         // array(11)
		0x01,                         // version = 1
		0x18, 0x2A,                   // namespace = 42
		0x1A, 0x00, 0x01, 0xE2, 0x40, // epoch = 123456
		0x05, // flags = SIGNED|ACK_REQUESTED
	)
	expect = append(expect, 0x58, 0x20)
	expect = append(expect, bytes.Repeat([]byte{0x11}, 32)...) // tag
	expect = append(expect, 0x58, 0x20)
	expect = append(expect, bytes.Repeat([]byte{0x22}, 32)...) // object_root
	expect = append(expect, 0x58, 0x20)
	expect = append(expect, bytes.Repeat([]byte{0xAA}, 32)...) // sender_pubkey
	expect = append(expect, 0x58, 0x40)
	expect = append(expect, bytes.Repeat([]byte{0xBB}, 64)...) // signature
	expect = append(expect, 0x58, 0x18)
	expect = append(expect, bytes.Repeat([]byte{0x33}, 24)...) // nonce
	expect = append(expect, 0x58, 0x30)
	expect = append(expect, bytes.Repeat([]byte{0x44}, 48)...) // ciphertext
	expect = append(expect, 0x50)
	expect = append(expect, bytes.Repeat([]byte{0x55}, 16)...) // padding

	if !bytes.Equal(enc, expect) {
		t.Fatalf("golden vector mismatch:\n got %x\nwant %x", enc, expect)
	}
}

// TestShardGoldenVector pins the reference shard's canonical encoding the
// same way: an array of twelve fields in declaration order.
func TestShardGoldenVector(t *testing.T) {
	s := &ShardV1{
		Version:     ShardVersion,
		Namespace:   42,
		Epoch:       123456,
		ProfileID:   1,
		ErasureMode: Systematic,
		BucketSize:  16384,
		K:           6,
		N:           10,
		Index:       3,
		Payload:     bytes.Repeat([]byte{0x44}, 48),
	}
	fill(s.Tag[:], 0x11)
	fill(s.ObjectRoot[:], 0x22)

	enc, err := EncodeShard(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var expect []byte
	expect = append(expect,
		0x8C,                         // array(12)
		0x02,                         // version = 2
		0x18, 0x2A,                   // namespace = 42
		0x1A, 0x00, 0x01, 0xE2, 0x40, // epoch = 123456
	)
	expect = append(expect, 0x58, 0x20)
	expect = append(expect, bytes.Repeat([]byte{0x11}, 32)...) // tag
	expect = append(expect, 0x58, 0x20)
	expect = append(expect, bytes.Repeat([]byte{0x22}, 32)...) // object_root
	expect = append(expect,
		0x01,             // profile_id = 1
		0x00,             // erasure_mode = systematic
		0x19, 0x40, 0x00, // bucket_size = 16384
		0x06, // k
		0x0A, // n
		0x03, // index
	)
	expect = append(expect, 0x58, 0x30)
	expect = append(expect, bytes.Repeat([]byte{0x44}, 48)...) // payload

	if !bytes.Equal(enc, expect) {
		t.Fatalf("golden vector mismatch:\n got %x\nwant %x", enc, expect)
	}
}
