// Package shdcerr defines the SHDC error taxonomy shared across codec,
// crypto, replay, and engine packages so callers can use errors.Is
// regardless of which layer produced the failure.
package shdcerr

import "errors"

// Decode errors.
var (
	ErrShortPacket     = errors.New("shdc: packet shorter than minimum frame size")
	ErrOversizePacket  = errors.New("shdc: packet exceeds maximum datagram size")
	ErrUnknownType     = errors.New("shdc: unknown message type")
	ErrMalformedPayload = errors.New("shdc: malformed payload")
)

// Crypto errors.
var (
	ErrBadSignature   = errors.New("shdc: signature verification failed")
	ErrAeadFailure    = errors.New("shdc: AEAD open failed")
	ErrKeyUnavailable = errors.New("shdc: no usable key for this packet")
)

// Freshness errors.
var (
	ErrStaleTimestamp = errors.New("shdc: timestamp outside freshness window")
	ErrReplayedNonce  = errors.New("shdc: nonce already seen for this device")
)

// Protocol errors.
var (
	ErrWrongState     = errors.New("shdc: message not valid in current state")
	ErrUnknownDevice  = errors.New("shdc: device is not known to this hub")
	ErrJoinRefused    = errors.New("shdc: join request refused")
)

// Transport errors.
var (
	ErrSendFailed = errors.New("shdc: transport send failed")
	ErrRecvFailed = errors.New("shdc: transport receive failed")
	ErrTimeout    = errors.New("shdc: operation timed out")
)

// Fatal errors abort Engine.Start and leave no partial state.
var (
	ErrCryptoInitFailure = errors.New("shdc: cryptographic subsystem failed to initialize")
	ErrIdentityMissing   = errors.New("shdc: identity keypair is missing")
)

// Kind enumerates error categories for metrics/logging correlation.
type Kind string

const (
	KindDecode     Kind = "decode"
	KindCrypto     Kind = "crypto"
	KindFreshness  Kind = "freshness"
	KindProtocol   Kind = "protocol"
	KindTransport  Kind = "transport"
	KindFatal      Kind = "fatal"
)

// ClassOf maps a sentinel error to its Kind, for counters and structured
// logging. Unrecognized errors classify as KindProtocol.
func ClassOf(err error) Kind {
	switch {
	case errors.Is(err, ErrShortPacket), errors.Is(err, ErrOversizePacket),
		errors.Is(err, ErrUnknownType), errors.Is(err, ErrMalformedPayload):
		return KindDecode
	case errors.Is(err, ErrBadSignature), errors.Is(err, ErrAeadFailure), errors.Is(err, ErrKeyUnavailable):
		return KindCrypto
	case errors.Is(err, ErrStaleTimestamp), errors.Is(err, ErrReplayedNonce):
		return KindFreshness
	case errors.Is(err, ErrSendFailed), errors.Is(err, ErrRecvFailed), errors.Is(err, ErrTimeout):
		return KindTransport
	case errors.Is(err, ErrCryptoInitFailure), errors.Is(err, ErrIdentityMissing):
		return KindFatal
	default:
		return KindProtocol
	}
}
