package cryptutil

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// joinWrapInfo is the HKDF domain-separation label for JOIN_RESPONSE
// wrap-key derivation, fixed by the protocol.
const joinWrapInfo = "shdc-join-v1"

var curve25519P = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))

// Ed25519PublicToX25519 converts an Ed25519 identity public key to its
// Montgomery-form X25519 public key via the standard birational map
// u = (1+y)/(1-y) mod p, where y is the Edwards y-coordinate encoded in
// the compressed Ed25519 public key.
func Ed25519PublicToX25519(pub ed25519.PublicKey) (*ecdh.PublicKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("shdc: cryptutil: ed25519 to x25519: bad public key length: %w", shdcerr.ErrMalformedPayload)
	}
	yLE := make([]byte, ed25519.PublicKeySize)
	copy(yLE, pub)
	yLE[31] &= 0x7f // clear the sign bit; it encodes x's sign, irrelevant to u

	y := new(big.Int).SetBytes(reverseBytes(yLE))
	one := big.NewInt(1)
	num := new(big.Int).Mod(new(big.Int).Add(one, y), curve25519P)
	den := new(big.Int).Mod(new(big.Int).Sub(one, y), curve25519P)
	denInv := new(big.Int).ModInverse(den, curve25519P)
	if denInv == nil {
		return nil, fmt.Errorf("shdc: cryptutil: ed25519 to x25519: non-invertible denominator: %w", shdcerr.ErrMalformedPayload)
	}
	u := new(big.Int).Mod(new(big.Int).Mul(num, denInv), curve25519P)

	uLE := make([]byte, 32)
	copy(uLE, reverseBytes(leftPad(u.Bytes(), 32)))
	return ecdh.X25519().NewPublicKey(uLE)
}

// Ed25519PrivateToX25519 derives the X25519 private scalar from an
// Ed25519 identity private key's seed: scalar = clamp(SHA512(seed)[:32]),
// the same scalar the Ed25519 signing algorithm itself derives from the
// seed before base-point multiplication.
func Ed25519PrivateToX25519(priv ed25519.PrivateKey) (*ecdh.PrivateKey, error) {
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	scalar := h[:32]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return ecdh.X25519().NewPrivateKey(scalar)
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// SealJoinResponse implements the hub side of §4.2's JOIN_RESPONSE
// confidentiality construction: a fresh X25519 exchange against the
// sensor's identity key (converted to Montgomery form), HKDF-SHA256
// with salt=header and info="shdc-join-v1", then AES-256-GCM seal with
// an all-zero nonce.
func SealJoinResponse(header proto.Header, sensorIdentityPub ed25519.PublicKey, plaintext []byte) (ephPub [proto.PublicKeySize]byte, ciphertext []byte, err error) {
	sensorX25519Pub, err := Ed25519PublicToX25519(sensorIdentityPub)
	if err != nil {
		return ephPub, nil, err
	}
	ephPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return ephPub, nil, fmt.Errorf("shdc: cryptutil: join response: ephemeral key: %w", shdcerr.ErrCryptoInitFailure)
	}
	shared, err := ephPriv.ECDH(sensorX25519Pub)
	if err != nil {
		return ephPub, nil, fmt.Errorf("shdc: cryptutil: join response: ecdh: %w", shdcerr.ErrCryptoInitFailure)
	}
	wrapKeyBytes, err := HKDFDerive(shared, proto.EncodeHeader(header), []byte(joinWrapInfo), proto.SymmetricKeySize)
	if err != nil {
		return ephPub, nil, err
	}
	var wrapKey [proto.SymmetricKeySize]byte
	copy(wrapKey[:], wrapKeyBytes)

	ct, err := Seal(wrapKey, [12]byte{}, nil, plaintext)
	if err != nil {
		return ephPub, nil, err
	}
	copy(ephPub[:], ephPriv.PublicKey().Bytes())
	return ephPub, ct, nil
}

// OpenJoinResponse implements the sensor side of the same construction.
func OpenJoinResponse(header proto.Header, sensorIdentityPriv ed25519.PrivateKey, hubEphPub [proto.PublicKeySize]byte, ciphertext []byte) ([]byte, error) {
	sensorX25519Priv, err := Ed25519PrivateToX25519(sensorIdentityPriv)
	if err != nil {
		return nil, err
	}
	hubPub, err := ecdh.X25519().NewPublicKey(hubEphPub[:])
	if err != nil {
		return nil, fmt.Errorf("shdc: cryptutil: join response: bad ephemeral public key: %w", shdcerr.ErrMalformedPayload)
	}
	shared, err := sensorX25519Priv.ECDH(hubPub)
	if err != nil {
		return nil, fmt.Errorf("shdc: cryptutil: join response: ecdh: %w", shdcerr.ErrAeadFailure)
	}
	wrapKeyBytes, err := HKDFDerive(shared, proto.EncodeHeader(header), []byte(joinWrapInfo), proto.SymmetricKeySize)
	if err != nil {
		return nil, err
	}
	var wrapKey [proto.SymmetricKeySize]byte
	copy(wrapKey[:], wrapKeyBytes)

	return Open(wrapKey, [12]byte{}, nil, ciphertext)
}
