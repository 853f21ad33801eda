package proto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/shdc-project/shdc/pkg/shdcerr"
)

func mustPacket(t *testing.T, typ Type, payload []byte) Packet {
	t.Helper()
	p := Packet{Header: Header{Type: typ, DeviceID: 0xAABBCCDD, Timestamp: 1700000000, Nonce: Nonce3{0x01, 0x02, 0x03}}, Payload: payload}
	copy(p.Signature[:], bytes.Repeat([]byte{0x5A}, SignatureSize))
	return p
}

func TestRoundTripAllTypes(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		payload []byte
	}{
		{"discovery_req", TypeHubDiscoveryReq, mustMarshal(t, DiscoveryReqPayload{Info: []byte("hello")})},
		{"discovery_resp", TypeHubDiscoveryResp, mustMarshal(t, DiscoveryRespPayload{HubID: 1, Caps: []byte("x")})},
		{"join_request", TypeJoinRequest, mustMarshal(t, JoinRequestPayload{Info: nil})},
		{"join_response", TypeJoinResponse, JoinResponseSealed{Ciphertext: []byte("ct")}.Marshal()},
		{"event_report", TypeEventReport, []byte("sealed-event")},
		{"broadcast_command", TypeBroadcastCommand, BroadcastCommandOuter{BroadcastID: 7, Ciphertext: []byte("x")}.Marshal()},
		{"key_rotation", TypeKeyRotation, []byte("sealed-rotation")},
		{"empty_payload", TypeEventReport, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			want := mustPacket(t, tc.typ, tc.payload)
			wire, err := want.Marshal()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := Unmarshal(wire)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Header != want.Header {
				t.Fatalf("header mismatch: got %+v want %+v", got.Header, want.Header)
			}
			if !bytes.Equal(got.Payload, want.Payload) {
				t.Fatalf("payload mismatch: got %x want %x", got.Payload, want.Payload)
			}
			if got.Signature != want.Signature {
				t.Fatalf("signature mismatch")
			}
		})
	}
}

func mustMarshal(t *testing.T, p interface{ Marshal() ([]byte, error) }) []byte {
	t.Helper()
	b, err := p.Marshal()
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestUnmarshalRejectsShortPacket(t *testing.T) {
	_, err := Unmarshal(make([]byte, MinPacketSize-1))
	if !errors.Is(err, shdcerr.ErrShortPacket) {
		t.Fatalf("want ErrShortPacket, got %v", err)
	}
}

func TestUnmarshalRejectsOversizePacket(t *testing.T) {
	_, err := Unmarshal(make([]byte, MaxPacketSize+1))
	if !errors.Is(err, shdcerr.ErrOversizePacket) {
		t.Fatalf("want ErrOversizePacket, got %v", err)
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	p := mustPacket(t, Type(0x7f), nil)
	wire, err := p.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, err = Unmarshal(wire)
	if !errors.Is(err, shdcerr.ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
}

func TestMarshalRejectsOversizePayload(t *testing.T) {
	p := mustPacket(t, TypeEventReport, make([]byte, MaxPayloadSize+1))
	_, err := p.Marshal()
	if !errors.Is(err, shdcerr.ErrOversizePacket) {
		t.Fatalf("want ErrOversizePacket, got %v", err)
	}
}

func TestSigningBytesCoversHeaderAndPayload(t *testing.T) {
	p := mustPacket(t, TypeEventReport, []byte("payload"))
	sb := p.SigningBytes()
	if len(sb) != HeaderSize+len("payload") {
		t.Fatalf("unexpected signing bytes length: %d", len(sb))
	}
	flipped := p
	flipped.Header.DeviceID ^= 0x1
	if bytes.Equal(flipped.SigningBytes(), sb) {
		t.Fatalf("signing bytes did not change when header changed")
	}
}

func TestPayloadRoundTrips(t *testing.T) {
	t.Run("join_response_inner", func(t *testing.T) {
		in := JoinResponseInner{AssignedID: 0xAABBCCDD, BroadcastID: 0x01}
		for i := range in.SessionKey {
			in.SessionKey[i] = 0x11
		}
		for i := range in.BroadcastKey {
			in.BroadcastKey[i] = 0x22
		}
		out, err := DecodeJoinResponseInner(in.Marshal())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out != in {
			t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
		}
	})

	t.Run("key_rotation_session", func(t *testing.T) {
		in := KeyRotationInner{Scope: ScopeSession, ValidFrom: 123}
		b, err := in.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out, err := DecodeKeyRotationInner(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out != in {
			t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
		}
	})

	t.Run("key_rotation_broadcast", func(t *testing.T) {
		in := KeyRotationInner{Scope: ScopeBroadcast, ValidFrom: 456, NewBKID: 9}
		b, err := in.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out, err := DecodeKeyRotationInner(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out != in {
			t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
		}
	})

	t.Run("event_report_inner", func(t *testing.T) {
		in := EventReportInner{EventType: 0x01, Data: nil}
		b, err := in.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out, err := DecodeEventReportInner(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.EventType != in.EventType || len(out.Data) != 0 {
			t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
		}
	})
}
