package cryptutil

import (
	"bytes"
	"errors"
	"testing"

	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	msg := []byte("header-and-payload-bytes")
	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Fatalf("valid signature failed to verify")
	}
}

// TestSignatureBindingFlipsReject is property P2: flipping any single
// bit of the signed bytes invalidates the signature.
func TestSignatureBindingFlipsReject(t *testing.T) {
	pub, priv, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	msg := []byte("header-and-payload-bytes")
	sig := Sign(priv, msg)

	flippedMsg := append([]byte(nil), msg...)
	flippedMsg[0] ^= 0x01
	if Verify(pub, flippedMsg, sig) {
		t.Fatalf("signature verified over tampered message")
	}

	flippedSig := sig
	flippedSig[0] ^= 0x01
	if Verify(pub, msg, flippedSig) {
		t.Fatalf("tampered signature verified")
	}
}

// TestAEADBinding is property P3: ciphertext under K cannot open under
// K', and tampering the AAD (header) breaks the open.
func TestAEADBinding(t *testing.T) {
	var keyA, keyB [proto.SymmetricKeySize]byte
	keyA[0] = 0x11
	keyB[0] = 0x22

	hdr := proto.Header{Type: proto.TypeEventReport, DeviceID: 1, Timestamp: 1000, Nonce: proto.Nonce3{1, 2, 3}}
	nonce := BuildAEADNonce(hdr)
	aad := proto.EncodeHeader(hdr)

	ct, err := Seal(keyA, nonce, aad, []byte("motion"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Open(keyA, nonce, aad, ct); err != nil {
		t.Fatalf("open under correct key failed: %v", err)
	}
	if _, err := Open(keyB, nonce, aad, ct); !errors.Is(err, shdcerr.ErrAeadFailure) {
		t.Fatalf("want ErrAeadFailure opening under wrong key, got %v", err)
	}

	tamperedHdr := hdr
	tamperedHdr.DeviceID ^= 1
	tamperedAAD := proto.EncodeHeader(tamperedHdr)
	if _, err := Open(keyA, nonce, tamperedAAD, ct); !errors.Is(err, shdcerr.ErrAeadFailure) {
		t.Fatalf("want ErrAeadFailure with tampered AAD, got %v", err)
	}
}

func TestHKDFDeriveIsDeterministic(t *testing.T) {
	ikm := []byte("shared-secret")
	salt := []byte("salt")
	info := []byte("info")
	a, err := HKDFDerive(ikm, salt, info, 32)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	b, err := HKDFDerive(ikm, salt, info, 32)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("hkdf output not deterministic")
	}
}

func TestJoinResponseSealOpenRoundTrip(t *testing.T) {
	sensorPub, sensorPriv, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate sensor identity: %v", err)
	}
	hdr := proto.Header{Type: proto.TypeJoinResponse, DeviceID: 0, Timestamp: 1700000000, Nonce: proto.Nonce3{9, 8, 7}}

	inner := proto.JoinResponseInner{AssignedID: 0xAABBCCDD, BroadcastID: 1}
	for i := range inner.SessionKey {
		inner.SessionKey[i] = 0x11
	}
	for i := range inner.BroadcastKey {
		inner.BroadcastKey[i] = 0x22
	}

	ephPub, ct, err := SealJoinResponse(hdr, sensorPub, inner.Marshal())
	if err != nil {
		t.Fatalf("seal join response: %v", err)
	}

	pt, err := OpenJoinResponse(hdr, sensorPriv, ephPub, ct)
	if err != nil {
		t.Fatalf("open join response: %v", err)
	}
	got, err := proto.DecodeJoinResponseInner(pt)
	if err != nil {
		t.Fatalf("decode inner: %v", err)
	}
	if got != inner {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, inner)
	}
}

func TestJoinResponseOpenFailsForWrongSensor(t *testing.T) {
	sensorPub, _, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate sensor identity: %v", err)
	}
	_, otherPriv, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate other identity: %v", err)
	}
	hdr := proto.Header{Type: proto.TypeJoinResponse, Timestamp: 1700000000, Nonce: proto.Nonce3{1, 1, 1}}

	ephPub, ct, err := SealJoinResponse(hdr, sensorPub, []byte("plaintext-payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := OpenJoinResponse(hdr, otherPriv, ephPub, ct); err == nil {
		t.Fatalf("expected open to fail for a different sensor identity")
	}
}

func TestEd25519ToX25519ConversionIsStable(t *testing.T) {
	pub, priv, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	xpub1, err := Ed25519PublicToX25519(pub)
	if err != nil {
		t.Fatalf("convert public key: %v", err)
	}
	xpub2, err := Ed25519PublicToX25519(pub)
	if err != nil {
		t.Fatalf("convert public key again: %v", err)
	}
	if !bytes.Equal(xpub1.Bytes(), xpub2.Bytes()) {
		t.Fatalf("conversion not deterministic")
	}

	xpriv, err := Ed25519PrivateToX25519(priv)
	if err != nil {
		t.Fatalf("convert private key: %v", err)
	}
	if len(xpriv.Bytes()) != 32 {
		t.Fatalf("unexpected x25519 scalar length: %d", len(xpriv.Bytes()))
	}
}
