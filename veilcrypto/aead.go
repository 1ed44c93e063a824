// Package veilcrypto provides the AEAD envelope, nonce derivation, and
// pluggable signing/verification capabilities used by the publish and
// receive pipelines.
package veilcrypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCiphertextTooShort is returned when decrypting a ciphertext shorter
// than the AEAD authentication tag.
var ErrCiphertextTooShort = errors.New("veilcrypto: ciphertext too short")

// ErrDecryptFailed is returned when AEAD authentication fails.
var ErrDecryptFailed = errors.New("veilcrypto: decryption failed")

// Envelope holds the nonce and ciphertext produced by an AEAD encryption.
type Envelope struct {
	Nonce      [24]byte
	Ciphertext []byte
}

// Cipher is the pluggable AEAD capability injected into publish/receive
// pipelines, instead of a process-wide singleton.
type Cipher interface {
	Encrypt(key *[32]byte, nonce [24]byte, aad, plaintext []byte) (Envelope, error)
	Decrypt(key *[32]byte, nonce [24]byte, aad, ciphertext []byte) ([]byte, error)
}

// XChaCha20Poly1305Cipher implements Cipher using XChaCha20-Poly1305.
type XChaCha20Poly1305Cipher struct{}

// Encrypt seals plaintext under key/nonce/aad.
func (XChaCha20Poly1305Cipher) Encrypt(key *[32]byte, nonce [24]byte, aad, plaintext []byte) (Envelope, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("veilcrypto: construct aead: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, aad)
	return Envelope{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt opens ciphertext under key/nonce/aad.
func (XChaCha20Poly1305Cipher) Decrypt(key *[32]byte, nonce [24]byte, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("veilcrypto: construct aead: %w", err)
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// BuildAAD builds the 38-byte deterministic AAD tag‖namespace_be‖epoch_be.
func BuildAAD(tag [32]byte, namespace uint16, epoch uint32) []byte {
	aad := make([]byte, 0, 38)
	aad = append(aad, tag[:]...)
	aad = binary.BigEndian.AppendUint16(aad, namespace)
	aad = binary.BigEndian.AppendUint32(aad, epoch)
	return aad
}

// DeriveObjectNonce derives the deterministic per-object nonce:
// BLAKE3("objnonce-v1" ‖ tag ‖ namespace_be ‖ epoch_be ‖ now_step_be ‖
// BLAKE3(payload))[..24].
func DeriveObjectNonce(tag [32]byte, namespace uint16, epoch uint32, nowStep uint64, payload []byte) [24]byte {
	payloadHash := blake3.Sum256(payload)

	preimage := make([]byte, 0, 11+32+2+4+8+32)
	preimage = append(preimage, "objnonce-v1"...)
	preimage = append(preimage, tag[:]...)
	preimage = binary.BigEndian.AppendUint16(preimage, namespace)
	preimage = binary.BigEndian.AppendUint32(preimage, epoch)
	preimage = binary.BigEndian.AppendUint64(preimage, nowStep)
	preimage = append(preimage, payloadHash[:]...)

	hash := blake3.Sum256(preimage)
	var nonce [24]byte
	copy(nonce[:], hash[:24])
	return nonce
}

// DeriveAckNonce derives the special deterministic nonce used for ACK
// objects: BLAKE3(magic ‖ acked_root)[..24].
func DeriveAckNonce(magic []byte, ackedRoot [32]byte) [24]byte {
	seed := make([]byte, 0, len(magic)+32)
	seed = append(seed, magic...)
	seed = append(seed, ackedRoot[:]...)
	hash := blake3.Sum256(seed)
	var nonce [24]byte
	copy(nonce[:], hash[:24])
	return nonce
}
