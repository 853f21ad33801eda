package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// EncodeHeader writes the 12-byte fixed header to a fresh buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[1:5], h.DeviceID)
	binary.BigEndian.PutUint32(buf[5:9], h.Timestamp)
	copy(buf[9:12], h.Nonce[:])
	return buf
}

// DecodeHeader parses the first HeaderSize bytes of buf. Callers must
// have already checked len(buf) >= HeaderSize.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, shdcerr.ErrShortPacket
	}
	h := Header{
		Type:      Type(buf[0]),
		DeviceID:  binary.BigEndian.Uint32(buf[1:5]),
		Timestamp: binary.BigEndian.Uint32(buf[5:9]),
	}
	copy(h.Nonce[:], buf[9:12])
	return h, nil
}

// Marshal serializes a full packet: header || payload || signature.
// It does not itself compute the signature; callers sign the
// header||payload bytes first via SigningBytes and populate
// p.Signature before calling Marshal.
func (p Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("shdc: proto: marshal %s: %w", p.Header.Type, shdcerr.ErrOversizePacket)
	}
	out := make([]byte, 0, HeaderSize+len(p.Payload)+SignatureSize)
	out = append(out, EncodeHeader(p.Header)...)
	out = append(out, p.Payload...)
	out = append(out, p.Signature[:]...)
	if len(out) > MaxPacketSize {
		return nil, fmt.Errorf("shdc: proto: marshal %s: %w", p.Header.Type, shdcerr.ErrOversizePacket)
	}
	return out, nil
}

// SigningBytes returns header||payload, the exact byte range covered by
// the trailing Ed25519 signature.
func (p Packet) SigningBytes() []byte {
	out := make([]byte, 0, HeaderSize+len(p.Payload))
	out = append(out, EncodeHeader(p.Header)...)
	out = append(out, p.Payload...)
	return out
}

// Unmarshal parses a raw datagram into a Packet. Decoding is total: on
// any error the returned Packet is the zero value, never a partially
// populated one. Unknown message types are rejected here so callers
// never have to special-case them downstream.
func Unmarshal(data []byte) (Packet, error) {
	if len(data) < MinPacketSize {
		return Packet{}, fmt.Errorf("shdc: proto: unmarshal: %w", shdcerr.ErrShortPacket)
	}
	if len(data) > MaxPacketSize {
		return Packet{}, fmt.Errorf("shdc: proto: unmarshal: %w", shdcerr.ErrOversizePacket)
	}
	hdr, err := DecodeHeader(data)
	if err != nil {
		return Packet{}, fmt.Errorf("shdc: proto: unmarshal: %w", err)
	}
	if !KnownType(hdr.Type) {
		return Packet{}, fmt.Errorf("shdc: proto: unmarshal type 0x%02x: %w", byte(hdr.Type), shdcerr.ErrUnknownType)
	}
	sigStart := len(data) - SignatureSize
	payload := make([]byte, sigStart-HeaderSize)
	copy(payload, data[HeaderSize:sigStart])

	var sig [SignatureSize]byte
	copy(sig[:], data[sigStart:])

	return Packet{Header: hdr, Payload: payload, Signature: sig}, nil
}
