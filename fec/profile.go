package fec

import "errors"

// ErrObjectTooLarge is returned when no profile/bucket combination can hold
// an object, even at the largest bucket size.
var ErrObjectTooLarge = errors.New("fec: object too large for any profile")

// Profile is a fixed (k, n, allowed_bucket_sizes) tier keyed by object size.
// This table reproduces the known reference test vector
// choose_profile_and_bucket(1024) == (k=6,n=10,16KiB) and extends it with
// two larger tiers (see DESIGN.md "Open Questions" for the rationale).
type Profile struct {
	ID             uint16
	K              uint16
	N              uint16
	MaxObjectLen   int
	AllowedBuckets []uint32
}

// HeaderOverheadEstimate is a conservative upper bound on the fixed-field
// portion of an encoded ShardV1 (everything but Payload), used only for
// bucket sizing; the codec computes and enforces the real header length at
// encode time.
const HeaderOverheadEstimate = 160

// Profiles is the fixed profile table, ordered by ascending capacity.
var Profiles = []Profile{
	{ID: 1, K: 6, N: 10, MaxObjectLen: 16<<10*6 - HeaderOverheadEstimate*6, AllowedBuckets: []uint32{16 << 10}},
	{ID: 2, K: 10, N: 16, MaxObjectLen: 32<<10*10 - HeaderOverheadEstimate*10, AllowedBuckets: []uint32{16 << 10, 32 << 10}},
	{ID: 3, K: 17, N: 24, MaxObjectLen: 64<<10*17 - HeaderOverheadEstimate*17, AllowedBuckets: []uint32{32 << 10, 64 << 10}},
}

// SelectProfile picks the smallest bucket size >= ceil(objectLen/k) +
// headerLen among a profile's allowed buckets, trying profiles in
// ascending order; bucketJitter may bump the chosen bucket to the next
// larger allowed size (rounding up demand to blend into a busier crowd).
func SelectProfile(objectLen int, headerLen int, bucketJitter bool) (Profile, uint32, error) {
	for _, p := range Profiles {
		chunkNeeded := ceilDiv(objectLen, int(p.K)) + headerLen
		for i, bucket := range p.AllowedBuckets {
			if int(bucket) >= chunkNeeded {
				if bucketJitter && i+1 < len(p.AllowedBuckets) {
					return p, p.AllowedBuckets[i+1], nil
				}
				return p, bucket, nil
			}
		}
	}
	return Profile{}, 0, ErrObjectTooLarge
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
