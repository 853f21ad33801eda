// Package proto implements the SHDC v1.0 wire format: the fixed 12-byte
// header, the seven per-type payload encodings, and the trailing
// Ed25519 signature. Encoding is bit-exact and big-endian throughout.
package proto

import "fmt"

// Type identifies a wire message's payload shape.
type Type uint8

const (
	TypeHubDiscoveryReq  Type = 0x00
	TypeEventReport      Type = 0x01
	TypeJoinRequest      Type = 0x02
	TypeJoinResponse     Type = 0x03
	TypeBroadcastCommand Type = 0x04
	TypeKeyRotation      Type = 0x05
	TypeHubDiscoveryResp Type = 0x06
)

func (t Type) String() string {
	switch t {
	case TypeHubDiscoveryReq:
		return "HUB_DISCOVERY_REQ"
	case TypeEventReport:
		return "EVENT_REPORT"
	case TypeJoinRequest:
		return "JOIN_REQUEST"
	case TypeJoinResponse:
		return "JOIN_RESPONSE"
	case TypeBroadcastCommand:
		return "BROADCAST_COMMAND"
	case TypeKeyRotation:
		return "KEY_ROTATION"
	case TypeHubDiscoveryResp:
		return "HUB_DISCOVERY_RESP"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// KnownType reports whether t is one of the seven message types the
// decoder accepts.
func KnownType(t Type) bool {
	switch t {
	case TypeHubDiscoveryReq, TypeEventReport, TypeJoinRequest, TypeJoinResponse,
		TypeBroadcastCommand, TypeKeyRotation, TypeHubDiscoveryResp:
		return true
	default:
		return false
	}
}

// RotationScope distinguishes session-key from broadcast-key rotation
// inside a KEY_ROTATION payload.
type RotationScope uint8

const (
	ScopeSession   RotationScope = 0x01
	ScopeBroadcast RotationScope = 0x02
)

const (
	// HeaderSize is the fixed header length: Type(1) + DeviceId(4) + Timestamp(4) + Nonce(3).
	HeaderSize = 12
	// SignatureSize is the trailing Ed25519 signature length.
	SignatureSize = 64
	// MinPacketSize is the smallest legal on-wire packet (empty payload).
	MinPacketSize = HeaderSize + SignatureSize
	// MaxPacketSize is the largest legal on-wire datagram.
	MaxPacketSize = 512
	// MaxPayloadSize is the payload budget once header and signature are subtracted.
	MaxPayloadSize = MaxPacketSize - HeaderSize - SignatureSize

	// PublicKeySize is the Ed25519/X25519 public key length.
	PublicKeySize = 32
	// SymmetricKeySize is the AES-256 key length.
	SymmetricKeySize = 32
	// DeviceUnassigned is the sentinel sender id used before a sensor has joined.
	DeviceUnassigned uint32 = 0x00000000
)

// Nonce3 is the 3-byte per-packet header nonce.
type Nonce3 [3]byte

// Header is the 12-byte packet header, present on every SHDC message.
type Header struct {
	Type      Type
	DeviceID  uint32
	Timestamp uint32
	Nonce     Nonce3
}

// Packet is a fully framed SHDC datagram: header, opaque payload bytes,
// and the Ed25519 signature covering header||payload.
type Packet struct {
	Header    Header
	Payload   []byte
	Signature [SignatureSize]byte
}
