package fec

import "errors"

// ErrNotEnoughShards is returned by Reconstruct when fewer than k shards
// are supplied.
var ErrNotEnoughShards = errors.New("fec: not enough shards")

// ErrChunkLengthMismatch is returned when supplied shards have differing
// payload lengths.
var ErrChunkLengthMismatch = errors.New("fec: mismatched chunk lengths")

// ErrIndexRange is returned when a shard index falls outside [0, n).
var ErrIndexRange = errors.New("fec: shard index out of range")

// Split pads data to k*chunkLen (chunkLen = ceil(len(data)/k)) and returns n
// byte chunks: the first k are the zero-padded data shards verbatim
// (systematic), the remaining n-k are parity computed from a Cauchy-derived
// coding matrix (see buildSystematicMatrix).
// chunkLen, when non-zero, fixes the per-shard payload length (used by the
// sharder to hit an exact bucket size); when zero it is computed as
// ceil(len(data)/k).
func Split(data []byte, k, n, chunkLen int) (chunks [][]byte, usedChunkLen int, err error) {
	if k <= 0 || n < k {
		return nil, 0, ErrInvalidKN
	}
	if chunkLen == 0 {
		chunkLen = ceilDiv(len(data), k)
	}
	if chunkLen == 0 {
		chunkLen = 1
	}
	if chunkLen*k < len(data) {
		return nil, 0, ErrObjectTooLarge
	}
	padded := make([]byte, k*chunkLen)
	copy(padded, data)

	dataShards := make([][]byte, k)
	for i := 0; i < k; i++ {
		dataShards[i] = padded[i*chunkLen : (i+1)*chunkLen]
	}

	sys, err := buildSystematicMatrix(n, k)
	if err != nil {
		return nil, 0, err
	}

	out := make([][]byte, n)
	for i := 0; i < k; i++ {
		out[i] = dataShards[i]
	}
	for i := k; i < n; i++ {
		parity := make([]byte, chunkLen)
		for j := 0; j < k; j++ {
			coeff := sys[i][j]
			if coeff == 0 {
				continue
			}
			row := dataShards[j]
			for p := 0; p < chunkLen; p++ {
				parity[p] = gfAdd(parity[p], gfMul(coeff, row[p]))
			}
		}
		out[i] = parity
	}
	return out, chunkLen, nil
}

// ErrInvalidKN mirrors codec.ErrInvalidKN's condition for the fec package's
// own entry points (Split/Reconstruct are usable independently of codec).
var ErrInvalidKN = errors.New("fec: require 0 < k <= n")

// Reconstruct recovers the padded k*chunkLen data block from any k or more
// of the n shards sharing one object, keyed by their original index.
// Shards beyond the first k (by ascending index) are ignored; any k
// distinct indices suffice because the underlying coding matrix is an MDS
// (Cauchy-derived) code.
func Reconstruct(shards map[int][]byte, k, n int) ([]byte, error) {
	if k <= 0 || n < k {
		return nil, ErrInvalidKN
	}
	if len(shards) < k {
		return nil, ErrNotEnoughShards
	}

	chunkLen := -1
	indices := make([]int, 0, len(shards))
	for idx, s := range shards {
		if idx < 0 || idx >= n {
			return nil, ErrIndexRange
		}
		if chunkLen == -1 {
			chunkLen = len(s)
		} else if len(s) != chunkLen {
			return nil, ErrChunkLengthMismatch
		}
		indices = append(indices, idx)
	}
	sortInts(indices)
	indices = indices[:k]

	sys, err := buildSystematicMatrix(n, k)
	if err != nil {
		return nil, err
	}

	sub := newMatrix(k, k)
	stacked := make([][]byte, k)
	for r, idx := range indices {
		copy(sub[r], sys[idx])
		stacked[r] = shards[idx]
	}

	inv, err := invert(sub)
	if err != nil {
		return nil, err
	}

	out := make([]byte, k*chunkLen)
	for i := 0; i < k; i++ {
		row := out[i*chunkLen : (i+1)*chunkLen]
		for j := 0; j < k; j++ {
			coeff := inv[i][j]
			if coeff == 0 {
				continue
			}
			src := stacked[j]
			for p := 0; p < chunkLen; p++ {
				row[p] = gfAdd(row[p], gfMul(coeff, src[p]))
			}
		}
	}
	return out, nil
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
