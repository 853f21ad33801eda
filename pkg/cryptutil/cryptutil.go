// Package cryptutil implements the SHDC cryptographic primitives:
// Ed25519 signing, AES-256-GCM sealing with the protocol's fixed nonce
// and AAD construction, HKDF-SHA256 derivation, and the X25519 sealed
// envelope used for JOIN_RESPONSE.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// GenerateIdentity creates a fresh Ed25519 identity keypair from the OS
// CSRNG.
func GenerateIdentity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("shdc: cryptutil: generate identity: %w", shdcerr.ErrCryptoInitFailure)
	}
	return pub, priv, nil
}

// Sign computes the 64-byte Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) [proto.SignatureSize]byte {
	var sig [proto.SignatureSize]byte
	copy(sig[:], ed25519.Sign(priv, msg))
	return sig
}

// Verify reports whether sig is a valid Ed25519 signature over msg under pub.
func Verify(pub ed25519.PublicKey, msg []byte, sig [proto.SignatureSize]byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig[:])
}

// BuildAEADNonce constructs the 12-byte GCM nonce mandated for
// session/broadcast/rotation payloads: Timestamp(4B) ∥ DeviceId(4B) ∥
// Nonce(3B) ∥ 0x00.
func BuildAEADNonce(h proto.Header) [12]byte {
	var n [12]byte
	n[0] = byte(h.Timestamp >> 24)
	n[1] = byte(h.Timestamp >> 16)
	n[2] = byte(h.Timestamp >> 8)
	n[3] = byte(h.Timestamp)
	n[4] = byte(h.DeviceID >> 24)
	n[5] = byte(h.DeviceID >> 16)
	n[6] = byte(h.DeviceID >> 8)
	n[7] = byte(h.DeviceID)
	copy(n[8:11], h.Nonce[:])
	n[11] = 0x00
	return n
}

// Seal AES-256-GCM-encrypts plaintext under key, returning ciphertext‖tag.
func Seal(key [proto.SymmetricKeySize]byte, nonce [12]byte, aad, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open AES-256-GCM-decrypts ciphertext under key, or returns ErrAeadFailure.
func Open(key [proto.SymmetricKeySize]byte, nonce [12]byte, aad, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("shdc: cryptutil: open: %w", shdcerr.ErrAeadFailure)
	}
	return pt, nil
}

func newGCM(key [proto.SymmetricKeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("shdc: cryptutil: aes cipher: %w", shdcerr.ErrCryptoInitFailure)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("shdc: cryptutil: gcm: %w", shdcerr.ErrCryptoInitFailure)
	}
	return gcm, nil
}

// HKDFDerive runs HKDF-SHA256(ikm, salt, info) and reads exactly l bytes.
func HKDFDerive(ikm, salt, info []byte, l int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, l)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("shdc: cryptutil: hkdf: %w", err)
	}
	return out, nil
}

// RandBytes returns n bytes from the OS CSRNG.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("shdc: cryptutil: rand: %w", shdcerr.ErrCryptoInitFailure)
	}
	return b, nil
}

// RandKey returns a fresh random AES-256 key.
func RandKey() ([proto.SymmetricKeySize]byte, error) {
	var k [proto.SymmetricKeySize]byte
	b, err := RandBytes(proto.SymmetricKeySize)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

// RandNonce3 returns a fresh random 3-byte header nonce.
func RandNonce3() (proto.Nonce3, error) {
	var n proto.Nonce3
	b, err := RandBytes(3)
	if err != nil {
		return n, err
	}
	copy(n[:], b)
	return n, nil
}
