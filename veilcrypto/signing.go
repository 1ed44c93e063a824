package veilcrypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/zeebo/blake3"
)

// ErrInvalidSecretKey is returned when a signer cannot be constructed from
// the supplied secret key material.
var ErrInvalidSecretKey = errors.New("veilcrypto: invalid secret key")

// Signer produces a 64-byte signature over an arbitrary 32-byte digest and
// exposes the corresponding 32-byte public key.
type Signer interface {
	PublicKey() [32]byte
	Sign(digest [32]byte) ([64]byte, error)
}

// Verifier checks a 64-byte signature over a 32-byte digest against a
// 32-byte public key.
type Verifier interface {
	Verify(pubkey [32]byte, digest [32]byte, sig [64]byte) (bool, error)
}

// ---------------------------------------------------------------------------
// Ed25519
// ---------------------------------------------------------------------------

// Ed25519Signer signs with a standard Ed25519 keypair derived from a 32-byte
// seed.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  [32]byte
}

// NewEd25519Signer derives an Ed25519 signer from a 32-byte secret seed.
func NewEd25519Signer(secret [32]byte) (*Ed25519Signer, error) {
	priv := ed25519.NewKeyFromSeed(secret[:])
	var pub [32]byte
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// PublicKey returns the 32-byte Ed25519 public key.
func (s *Ed25519Signer) PublicKey() [32]byte { return s.pub }

// Sign signs digest, returning a 64-byte Ed25519 signature.
func (s *Ed25519Signer) Sign(digest [32]byte) ([64]byte, error) {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(s.priv, digest[:]))
	return sig, nil
}

// Ed25519Verifier verifies Ed25519 signatures.
type Ed25519Verifier struct{}

// Verify checks sig over digest against pubkey.
func (Ed25519Verifier) Verify(pubkey [32]byte, digest [32]byte, sig [64]byte) (bool, error) {
	return ed25519.Verify(ed25519.PublicKey(pubkey[:]), digest[:], sig[:]), nil
}

// ---------------------------------------------------------------------------
// Nostr-style Schnorr over secp256k1 x-only keys
// ---------------------------------------------------------------------------

// NostrSigner signs with Schnorr over secp256k1, using an x-only public key
// as is conventional in Nostr-style identities. Signatures come from the
// dcrd schnorr package (EC-Schnorr-DCRv0) and are not BIP-340 signatures.
type NostrSigner struct {
	priv *secp256k1.PrivateKey
	pub  [32]byte
}

// NewNostrSigner derives a Schnorr signer from a 32-byte secret scalar.
func NewNostrSigner(secret [32]byte) (*NostrSigner, error) {
	priv := secp256k1.PrivKeyFromBytes(secret[:])
	if priv == nil {
		return nil, ErrInvalidSecretKey
	}
	pub := priv.PubKey()
	var xonly [32]byte
	copy(xonly[:], pub.SerializeCompressed()[1:])
	return &NostrSigner{priv: priv, pub: xonly}, nil
}

// PublicKey returns the 32-byte x-only public key.
func (s *NostrSigner) PublicKey() [32]byte { return s.pub }

// Sign produces an EC-Schnorr-DCRv0 signature over digest.
func (s *NostrSigner) Sign(digest [32]byte) ([64]byte, error) {
	sig, err := schnorr.Sign(s.priv, digest[:])
	if err != nil {
		return [64]byte{}, fmt.Errorf("veilcrypto: schnorr sign: %w", err)
	}
	var out [64]byte
	copy(out[:], sig.Serialize())
	return out, nil
}

// NostrVerifier verifies EC-Schnorr-DCRv0 signatures over x-only pubkeys.
type NostrVerifier struct{}

// Verify checks sig over digest against the x-only pubkey. The key is lifted
// to both curve points with that x coordinate, and sig is accepted if it
// verifies against either.
func (NostrVerifier) Verify(pubkey [32]byte, digest [32]byte, sig [64]byte) (bool, error) {
	parsedSig, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false, fmt.Errorf("veilcrypto: parse schnorr signature: %w", err)
	}
	for _, prefix := range []byte{0x02, 0x03} {
		parsed, err := secp256k1.ParsePubKey(append([]byte{prefix}, pubkey[:]...))
		if err != nil {
			return false, fmt.Errorf("veilcrypto: parse x-only pubkey: %w", err)
		}
		if parsedSig.Verify(digest[:], parsed) {
			return true, nil
		}
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// ECDH direct-message key derivation (not on the hot path)
// ---------------------------------------------------------------------------

// DeriveDMKey derives a 32-byte symmetric key from a secp256k1 ECDH shared
// point: BLAKE3("veil-dm-v1:" ‖ shared_x).
func DeriveDMKey(secret [32]byte, peerPubkey [32]byte) ([32]byte, error) {
	priv := secp256k1.PrivKeyFromBytes(secret[:])
	if priv == nil {
		return [32]byte{}, ErrInvalidSecretKey
	}
	pub, err := secp256k1.ParsePubKey(append([]byte{0x02}, peerPubkey[:]...))
	if err != nil {
		return [32]byte{}, fmt.Errorf("veilcrypto: parse peer pubkey: %w", err)
	}

	var peerPoint, sharedPoint secp256k1.JacobianPoint
	pub.AsJacobian(&peerPoint)
	secp256k1.ScalarMultNonConst(&priv.Key, &peerPoint, &sharedPoint)
	sharedPoint.ToAffine()

	xBytes := sharedPoint.X.Bytes()
	preimage := append([]byte("veil-dm-v1:"), xBytes[:]...)
	return blake3.Sum256(preimage), nil
}

// WrapGroupKey AEAD-wraps a 32-byte group key under the DM key with the
// fixed AAD "veil-group-key-share-v1".
func WrapGroupKey(cipher Cipher, dmKey [32]byte, nonce [24]byte, groupKey [32]byte) (Envelope, error) {
	return cipher.Encrypt(&dmKey, nonce, []byte("veil-group-key-share-v1"), groupKey[:])
}

// UnwrapGroupKey reverses WrapGroupKey.
func UnwrapGroupKey(cipher Cipher, dmKey [32]byte, nonce [24]byte, ciphertext []byte) ([32]byte, error) {
	plaintext, err := cipher.Decrypt(&dmKey, nonce, []byte("veil-group-key-share-v1"), ciphertext)
	if err != nil {
		return [32]byte{}, err
	}
	if len(plaintext) != 32 {
		return [32]byte{}, fmt.Errorf("veilcrypto: unwrapped group key has wrong length %d", len(plaintext))
	}
	var key [32]byte
	copy(key[:], plaintext)
	return key, nil
}
