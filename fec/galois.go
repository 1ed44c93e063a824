// Package fec implements Reed-Solomon (k,n) erasure coding over GF(2^8),
// bucket-sized padding, FEC profile selection, and the ShardV1 split/
// reconstruct operations that sit on top of codec.ShardV1.
//
// The field arithmetic uses the same irreducible polynomial and
// log/exp table construction as a standard GF(2^8) Reed-Solomon
// implementation, built as a private package-level table rather than an
// imported erasure-coding library.
package fec

import "sync"

// gf256Modulus is the irreducible polynomial x^8 + x^4 + x^3 + x^2 + 1.
const gf256Modulus = 0x11D

// gf256Order is the number of non-zero elements in GF(2^8).
const gf256Order = 255

// gf256Generator is a primitive element of GF(2^8) for this modulus.
const gf256Generator = 2

var (
	gf256Log     [256]uint8
	gf256Exp     [512]uint8
	gf256InitOne sync.Once
)

func initGF256() {
	gf256InitOne.Do(func() {
		x := uint16(1)
		for i := 0; i < gf256Order; i++ {
			gf256Exp[i] = uint8(x)
			gf256Log[x] = uint8(i)
			x <<= 1
			if x&0x100 != 0 {
				x ^= gf256Modulus
			}
		}
		for i := 0; i < gf256Order; i++ {
			gf256Exp[i+gf256Order] = gf256Exp[i]
		}
	})
}

func gfAdd(a, b byte) byte { return a ^ b }

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	initGF256()
	sum := int(gf256Log[a]) + int(gf256Log[b])
	if sum >= gf256Order {
		sum -= gf256Order
	}
	return gf256Exp[sum]
}

func gfDiv(a, b byte) byte {
	if b == 0 {
		panic("fec: division by zero in GF(2^8)")
	}
	if a == 0 {
		return 0
	}
	initGF256()
	diff := int(gf256Log[a]) - int(gf256Log[b])
	if diff < 0 {
		diff += gf256Order
	}
	return gf256Exp[diff]
}

func gfInv(a byte) byte {
	if a == 0 {
		panic("fec: inverse of zero in GF(2^8)")
	}
	initGF256()
	return gf256Exp[gf256Order-int(gf256Log[a])]
}
