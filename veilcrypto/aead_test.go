package veilcrypto

import (
	"bytes"
	"testing"
)

func TestXChaCha20Poly1305RoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	var tag [32]byte
	for i := range tag {
		tag[i] = 0x9a
	}
	aad := BuildAAD(tag, 7, 42)
	nonce := DeriveObjectNonce(tag, 7, 42, 1000, []byte("hello object"))

	cipher := XChaCha20Poly1305Cipher{}
	env, err := cipher.Encrypt(&key, nonce, aad, []byte("hello object"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := cipher.Decrypt(&key, env.Nonce, aad, env.Ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello object")) {
		t.Fatalf("got %q want %q", plaintext, "hello object")
	}
}

func TestDecryptFailsOnWrongAAD(t *testing.T) {
	var key [32]byte
	var tag [32]byte
	nonce := DeriveObjectNonce(tag, 1, 1, 1, []byte("payload"))
	cipher := XChaCha20Poly1305Cipher{}
	env, err := cipher.Encrypt(&key, nonce, BuildAAD(tag, 1, 1), []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := cipher.Decrypt(&key, env.Nonce, BuildAAD(tag, 2, 1), env.Ciphertext); err == nil {
		t.Fatalf("expected decryption failure with mismatched aad")
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	var key [32]byte
	cipher := XChaCha20Poly1305Cipher{}
	if _, err := cipher.Decrypt(&key, [24]byte{}, nil, []byte("x")); err == nil {
		t.Fatalf("expected error for short ciphertext")
	}
}

func TestBuildAADLayout(t *testing.T) {
	var tag [32]byte
	for i := range tag {
		tag[i] = 0x01
	}
	aad := BuildAAD(tag, 0x0203, 0x04050607)
	if len(aad) != 38 {
		t.Fatalf("aad length = %d want 38", len(aad))
	}
	if !bytes.Equal(aad[:32], tag[:]) {
		t.Fatalf("aad tag prefix mismatch")
	}
	if aad[32] != 0x02 || aad[33] != 0x03 {
		t.Fatalf("namespace not big-endian: %x %x", aad[32], aad[33])
	}
	if aad[34] != 0x04 || aad[35] != 0x05 || aad[36] != 0x06 || aad[37] != 0x07 {
		t.Fatalf("epoch not big-endian: %x", aad[34:38])
	}
}

func TestObjectNonceIsDeterministicAndPayloadBound(t *testing.T) {
	var tag [32]byte
	nonceA := DeriveObjectNonce(tag, 1, 1, 1, []byte("a"))
	nonceA2 := DeriveObjectNonce(tag, 1, 1, 1, []byte("a"))
	if nonceA != nonceA2 {
		t.Fatalf("object nonce must be deterministic")
	}
	nonceB := DeriveObjectNonce(tag, 1, 1, 1, []byte("b"))
	if nonceA == nonceB {
		t.Fatalf("object nonce must bind to payload hash")
	}
}

func TestAckNonceDerivation(t *testing.T) {
	var root [32]byte
	for i := range root {
		root[i] = 0x44
	}
	n1 := DeriveAckNonce([]byte("VEIL_ACK_V1"), root)
	n2 := DeriveAckNonce([]byte("VEIL_ACK_V1"), root)
	if n1 != n2 {
		t.Fatalf("ack nonce must be deterministic")
	}
	var otherRoot [32]byte
	otherRoot[0] = 1
	if n1 == DeriveAckNonce([]byte("VEIL_ACK_V1"), otherRoot) {
		t.Fatalf("ack nonce must bind to acked root")
	}
}
