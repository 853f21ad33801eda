package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// DiscoveryReqPayload is the cleartext, signed HUB_DISCOVERY_REQ body:
// pubkey[32] ∥ info_len u8 ∥ info[info_len].
type DiscoveryReqPayload struct {
	PubKey [PublicKeySize]byte
	Info   []byte
}

func (p DiscoveryReqPayload) Marshal() ([]byte, error) {
	if len(p.Info) > 0xff {
		return nil, fmt.Errorf("shdc: proto: discovery req: info too long: %w", shdcerr.ErrMalformedPayload)
	}
	out := make([]byte, 0, PublicKeySize+1+len(p.Info))
	out = append(out, p.PubKey[:]...)
	out = append(out, byte(len(p.Info)))
	out = append(out, p.Info...)
	return out, nil
}

func DecodeDiscoveryReq(b []byte) (DiscoveryReqPayload, error) {
	if len(b) < PublicKeySize+1 {
		return DiscoveryReqPayload{}, fmt.Errorf("shdc: proto: discovery req: %w", shdcerr.ErrMalformedPayload)
	}
	var p DiscoveryReqPayload
	copy(p.PubKey[:], b[:PublicKeySize])
	n := int(b[PublicKeySize])
	rest := b[PublicKeySize+1:]
	if len(rest) != n {
		return DiscoveryReqPayload{}, fmt.Errorf("shdc: proto: discovery req: %w", shdcerr.ErrMalformedPayload)
	}
	p.Info = append([]byte(nil), rest...)
	return p, nil
}

// DiscoveryRespPayload is the cleartext, signed HUB_DISCOVERY_RESP body:
// hub_id u32 ∥ hub_pubkey[32] ∥ caps_len u8 ∥ caps[caps_len].
type DiscoveryRespPayload struct {
	HubID     uint32
	HubPubKey [PublicKeySize]byte
	Caps      []byte
}

func (p DiscoveryRespPayload) Marshal() ([]byte, error) {
	if len(p.Caps) > 0xff {
		return nil, fmt.Errorf("shdc: proto: discovery resp: caps too long: %w", shdcerr.ErrMalformedPayload)
	}
	out := make([]byte, 4, 4+PublicKeySize+1+len(p.Caps))
	binary.BigEndian.PutUint32(out[:4], p.HubID)
	out = append(out, p.HubPubKey[:]...)
	out = append(out, byte(len(p.Caps)))
	out = append(out, p.Caps...)
	return out, nil
}

func DecodeDiscoveryResp(b []byte) (DiscoveryRespPayload, error) {
	if len(b) < 4+PublicKeySize+1 {
		return DiscoveryRespPayload{}, fmt.Errorf("shdc: proto: discovery resp: %w", shdcerr.ErrMalformedPayload)
	}
	var p DiscoveryRespPayload
	p.HubID = binary.BigEndian.Uint32(b[:4])
	copy(p.HubPubKey[:], b[4:4+PublicKeySize])
	n := int(b[4+PublicKeySize])
	rest := b[4+PublicKeySize+1:]
	if len(rest) != n {
		return DiscoveryRespPayload{}, fmt.Errorf("shdc: proto: discovery resp: %w", shdcerr.ErrMalformedPayload)
	}
	p.Caps = append([]byte(nil), rest...)
	return p, nil
}

// JoinRequestPayload shares DiscoveryReqPayload's wire shape
// (pubkey[32] ∥ info_len u8 ∥ info[info_len]), cleartext and signed.
type JoinRequestPayload = DiscoveryReqPayload

var (
	MarshalJoinRequest = func(p JoinRequestPayload) ([]byte, error) { return p.Marshal() }
	DecodeJoinRequest  = DecodeDiscoveryReq
)

// JoinResponseSealed is the on-wire JOIN_RESPONSE body: eph_pub[32] ∥
// ciphertext (AEAD-sealed JoinResponseInner).
type JoinResponseSealed struct {
	EphPub     [PublicKeySize]byte
	Ciphertext []byte
}

func (p JoinResponseSealed) Marshal() []byte {
	out := make([]byte, 0, PublicKeySize+len(p.Ciphertext))
	out = append(out, p.EphPub[:]...)
	out = append(out, p.Ciphertext...)
	return out
}

func DecodeJoinResponseSealed(b []byte) (JoinResponseSealed, error) {
	if len(b) < PublicKeySize {
		return JoinResponseSealed{}, fmt.Errorf("shdc: proto: join response: %w", shdcerr.ErrMalformedPayload)
	}
	var p JoinResponseSealed
	copy(p.EphPub[:], b[:PublicKeySize])
	p.Ciphertext = append([]byte(nil), b[PublicKeySize:]...)
	return p, nil
}

// JoinResponseInner is the plaintext sealed inside JoinResponseSealed:
// assigned_id u32 ∥ session_key[32] ∥ bkid u8 ∥ broadcast_key[32].
type JoinResponseInner struct {
	AssignedID   uint32
	SessionKey   [SymmetricKeySize]byte
	BroadcastID  uint8
	BroadcastKey [SymmetricKeySize]byte
}

const joinResponseInnerSize = 4 + SymmetricKeySize + 1 + SymmetricKeySize

func (p JoinResponseInner) Marshal() []byte {
	out := make([]byte, joinResponseInnerSize)
	binary.BigEndian.PutUint32(out[0:4], p.AssignedID)
	copy(out[4:4+SymmetricKeySize], p.SessionKey[:])
	out[4+SymmetricKeySize] = p.BroadcastID
	copy(out[4+SymmetricKeySize+1:], p.BroadcastKey[:])
	return out
}

func DecodeJoinResponseInner(b []byte) (JoinResponseInner, error) {
	if len(b) != joinResponseInnerSize {
		return JoinResponseInner{}, fmt.Errorf("shdc: proto: join response inner: %w", shdcerr.ErrMalformedPayload)
	}
	var p JoinResponseInner
	p.AssignedID = binary.BigEndian.Uint32(b[0:4])
	copy(p.SessionKey[:], b[4:4+SymmetricKeySize])
	p.BroadcastID = b[4+SymmetricKeySize]
	copy(p.BroadcastKey[:], b[4+SymmetricKeySize+1:])
	return p, nil
}

// EventReportInner is the plaintext sealed under the session key:
// event_type u8 ∥ data_len u8 ∥ data[data_len].
type EventReportInner struct {
	EventType uint8
	Data      []byte
}

func (p EventReportInner) Marshal() ([]byte, error) {
	if len(p.Data) > 0xff {
		return nil, fmt.Errorf("shdc: proto: event report: data too long: %w", shdcerr.ErrMalformedPayload)
	}
	out := make([]byte, 0, 2+len(p.Data))
	out = append(out, p.EventType, byte(len(p.Data)))
	out = append(out, p.Data...)
	return out, nil
}

func DecodeEventReportInner(b []byte) (EventReportInner, error) {
	if len(b) < 2 {
		return EventReportInner{}, fmt.Errorf("shdc: proto: event report: %w", shdcerr.ErrMalformedPayload)
	}
	var p EventReportInner
	p.EventType = b[0]
	n := int(b[1])
	rest := b[2:]
	if len(rest) != n {
		return EventReportInner{}, fmt.Errorf("shdc: proto: event report: %w", shdcerr.ErrMalformedPayload)
	}
	p.Data = append([]byte(nil), rest...)
	return p, nil
}

// BroadcastCommandOuter is the on-wire BROADCAST_COMMAND body: bkid u8 ∥
// ciphertext (AEAD-sealed BroadcastCommandInner under the broadcast key).
type BroadcastCommandOuter struct {
	BroadcastID uint8
	Ciphertext  []byte
}

func (p BroadcastCommandOuter) Marshal() []byte {
	out := make([]byte, 0, 1+len(p.Ciphertext))
	out = append(out, p.BroadcastID)
	out = append(out, p.Ciphertext...)
	return out
}

func DecodeBroadcastCommandOuter(b []byte) (BroadcastCommandOuter, error) {
	if len(b) < 1 {
		return BroadcastCommandOuter{}, fmt.Errorf("shdc: proto: broadcast command: %w", shdcerr.ErrMalformedPayload)
	}
	return BroadcastCommandOuter{BroadcastID: b[0], Ciphertext: append([]byte(nil), b[1:]...)}, nil
}

// BroadcastCommandInner is the plaintext sealed under the broadcast key:
// cmd_type u8 ∥ cmd_len u16 ∥ cmd_data[cmd_len].
type BroadcastCommandInner struct {
	CmdType uint8
	CmdData []byte
}

func (p BroadcastCommandInner) Marshal() ([]byte, error) {
	if len(p.CmdData) > 0xffff {
		return nil, fmt.Errorf("shdc: proto: broadcast command inner: data too long: %w", shdcerr.ErrMalformedPayload)
	}
	out := make([]byte, 3, 3+len(p.CmdData))
	out[0] = p.CmdType
	binary.BigEndian.PutUint16(out[1:3], uint16(len(p.CmdData)))
	out = append(out, p.CmdData...)
	return out, nil
}

func DecodeBroadcastCommandInner(b []byte) (BroadcastCommandInner, error) {
	if len(b) < 3 {
		return BroadcastCommandInner{}, fmt.Errorf("shdc: proto: broadcast command inner: %w", shdcerr.ErrMalformedPayload)
	}
	var p BroadcastCommandInner
	p.CmdType = b[0]
	n := int(binary.BigEndian.Uint16(b[1:3]))
	rest := b[3:]
	if len(rest) != n {
		return BroadcastCommandInner{}, fmt.Errorf("shdc: proto: broadcast command inner: %w", shdcerr.ErrMalformedPayload)
	}
	p.CmdData = append([]byte(nil), rest...)
	return p, nil
}

// KeyRotationInner is the plaintext sealed under the recipient sensor's
// current session key, for both scopes (for a broadcast rotation that
// is not the key being replaced): scope u8 ∥ new_key[32] ∥
// valid_from u32 ∥ new_bkid u8
// (new_bkid is present only when Scope == ScopeBroadcast).
type KeyRotationInner struct {
	Scope     RotationScope
	NewKey    [SymmetricKeySize]byte
	ValidFrom uint32
	NewBKID   uint8 // meaningful only for ScopeBroadcast
}

func (p KeyRotationInner) Marshal() ([]byte, error) {
	switch p.Scope {
	case ScopeSession:
		out := make([]byte, 1+SymmetricKeySize+4)
		out[0] = byte(p.Scope)
		copy(out[1:1+SymmetricKeySize], p.NewKey[:])
		binary.BigEndian.PutUint32(out[1+SymmetricKeySize:], p.ValidFrom)
		return out, nil
	case ScopeBroadcast:
		out := make([]byte, 1+SymmetricKeySize+4+1)
		out[0] = byte(p.Scope)
		copy(out[1:1+SymmetricKeySize], p.NewKey[:])
		binary.BigEndian.PutUint32(out[1+SymmetricKeySize:1+SymmetricKeySize+4], p.ValidFrom)
		out[1+SymmetricKeySize+4] = p.NewBKID
		return out, nil
	default:
		return nil, fmt.Errorf("shdc: proto: key rotation: scope 0x%02x: %w", byte(p.Scope), shdcerr.ErrMalformedPayload)
	}
}

func DecodeKeyRotationInner(b []byte) (KeyRotationInner, error) {
	const sessionLen = 1 + SymmetricKeySize + 4
	const broadcastLen = sessionLen + 1
	if len(b) < sessionLen {
		return KeyRotationInner{}, fmt.Errorf("shdc: proto: key rotation: %w", shdcerr.ErrMalformedPayload)
	}
	var p KeyRotationInner
	p.Scope = RotationScope(b[0])
	copy(p.NewKey[:], b[1:1+SymmetricKeySize])
	p.ValidFrom = binary.BigEndian.Uint32(b[1+SymmetricKeySize : sessionLen])
	switch p.Scope {
	case ScopeSession:
		if len(b) != sessionLen {
			return KeyRotationInner{}, fmt.Errorf("shdc: proto: key rotation: %w", shdcerr.ErrMalformedPayload)
		}
	case ScopeBroadcast:
		if len(b) != broadcastLen {
			return KeyRotationInner{}, fmt.Errorf("shdc: proto: key rotation: %w", shdcerr.ErrMalformedPayload)
		}
		p.NewBKID = b[sessionLen]
	default:
		return KeyRotationInner{}, fmt.Errorf("shdc: proto: key rotation: scope 0x%02x: %w", byte(p.Scope), shdcerr.ErrMalformedPayload)
	}
	return p, nil
}
