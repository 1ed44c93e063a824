package fec

import (
	"errors"

	"github.com/veil-project/veil-node/codec"
)

// ErrMixedShardSet is returned by ReconstructObject when the supplied
// shards do not share (namespace, epoch, tag, object_root, k, n).
var ErrMixedShardSet = errors.New("fec: shard set has mismatched namespace/epoch/tag/object_root/k/n")

// ErrTruncatedObject is returned when the reconstructed block is shorter
// than the caller-supplied object_len.
var ErrTruncatedObject = errors.New("fec: reconstructed block shorter than object_len")

// maxEncodeAdjustIterations bounds the payload-length search in
// fitPayloadToBucket; CBOR byte-string length prefixes only grow at a
// handful of size thresholds, so convergence takes at most a few steps.
const maxEncodeAdjustIterations = 8

// fitPayloadToBucket finds the payload length L such that a ShardV1 sharing
// the given header fields, once CBOR-encoded, has length exactly bucket.
func fitPayloadToBucket(header codec.ShardV1, bucket uint32) (int, error) {
	guess := int(bucket) - HeaderOverheadEstimate
	if guess < 1 {
		guess = 1
	}
	for i := 0; i < maxEncodeAdjustIterations; i++ {
		s := header
		s.Payload = make([]byte, guess)
		enc, err := codec.EncodeShard(&s)
		if err != nil {
			return 0, err
		}
		diff := int(bucket) - len(enc)
		if diff == 0 {
			return guess, nil
		}
		guess += diff
		if guess < 1 {
			return 0, ErrObjectTooLarge
		}
	}
	return 0, ErrObjectTooLarge
}

// SplitObject shards encodedObject (the CBOR-encoded ObjectV1 wire bytes)
// into n ShardV1 records sharing (namespace, epoch, tag, objectRoot, k, n,
// profileID, erasureMode, bucketSize). mode is only recorded in the
// headers; every set is encoded systematically.
func SplitObject(encodedObject []byte, namespace uint16, epoch uint32, tag, objectRoot [32]byte, mode codec.ErasureMode, bucketJitter bool) ([]*codec.ShardV1, error) {
	profile, bucket, err := SelectProfile(len(encodedObject), HeaderOverheadEstimate, bucketJitter)
	if err != nil {
		return nil, err
	}
	k, n := int(profile.K), int(profile.N)

	header := codec.ShardV1{
		Version:     codec.ShardVersion,
		Namespace:   namespace,
		Epoch:       epoch,
		Tag:         tag,
		ObjectRoot:  objectRoot,
		ProfileID:   profile.ID,
		ErasureMode: mode,
		BucketSize:  bucket,
		K:           uint16(k),
		N:           uint16(n),
	}
	chunkLen, err := fitPayloadToBucket(header, bucket)
	if err != nil {
		return nil, err
	}

	chunks, _, err := Split(encodedObject, k, n, chunkLen)
	if err != nil {
		return nil, err
	}

	shards := make([]*codec.ShardV1, n)
	for i := 0; i < n; i++ {
		s := header
		s.Index = uint16(i)
		s.Payload = chunks[i]
		shards[i] = &s
	}
	return shards, nil
}

// ReconstructObject recovers the encoded ObjectV1 bytes (truncated to
// objectLen) from a set of shards sharing one object, requiring all shards
// to agree on (namespace, epoch, tag, objectRoot, k, n) and to have equal
// chunk lengths.
func ReconstructObject(shards []*codec.ShardV1, objectLen int) ([]byte, error) {
	if len(shards) == 0 {
		return nil, ErrNotEnoughShards
	}
	first := shards[0]
	byIndex := make(map[int][]byte, len(shards))
	for _, s := range shards {
		if s.Namespace != first.Namespace || s.Epoch != first.Epoch ||
			s.Tag != first.Tag || s.ObjectRoot != first.ObjectRoot ||
			s.K != first.K || s.N != first.N {
			return nil, ErrMixedShardSet
		}
		byIndex[int(s.Index)] = s.Payload
	}

	padded, err := Reconstruct(byIndex, int(first.K), int(first.N))
	if err != nil {
		return nil, err
	}
	if len(padded) < objectLen {
		return nil, ErrTruncatedObject
	}
	return padded[:objectLen], nil
}
