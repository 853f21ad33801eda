package engine

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"time"

	"github.com/shdc-project/shdc/pkg/cryptutil"
	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// dispatch implements the shared pipeline from §4.5: decode, resolve
// signer, verify, check freshness/replay, then hand off to the
// role-specific handler for the message type.
func (e *Engine) dispatch(ctx context.Context, from net.Addr, data []byte) {
	pkt, err := proto.Unmarshal(data)
	if err != nil {
		e.drop(ctx, proto.Type(0xff), proto.DeviceUnassigned, fmt.Errorf("shdc: engine: decode: %w", err))
		return
	}

	ctx, end := e.startDispatch(ctx, pkt.Header.Type)
	defer end()

	signer, err := e.resolveSigner(pkt)
	if err != nil {
		e.drop(ctx, pkt.Header.Type, pkt.Header.DeviceID, err)
		return
	}
	if !cryptutil.Verify(signer, pkt.SigningBytes(), pkt.Signature) {
		e.drop(ctx, pkt.Header.Type, pkt.Header.DeviceID,
			fmt.Errorf("shdc: engine: %s: %w", pkt.Header.Type, shdcerr.ErrBadSignature))
		return
	}
	if err := e.replay.Check(pkt.Header.DeviceID, pkt.Header.Nonce, pkt.Header.Timestamp, time.Now()); err != nil {
		e.drop(ctx, pkt.Header.Type, pkt.Header.DeviceID, err)
		return
	}

	switch pkt.Header.Type {
	case proto.TypeHubDiscoveryReq:
		err = e.handleDiscoveryReq(ctx, from, pkt)
	case proto.TypeHubDiscoveryResp:
		err = e.handleDiscoveryResp(ctx, from, pkt)
	case proto.TypeJoinRequest:
		err = e.handleJoinRequest(ctx, from, pkt)
	case proto.TypeJoinResponse:
		err = e.handleJoinResponse(ctx, from, pkt)
	case proto.TypeEventReport:
		err = e.handleEventReport(ctx, pkt)
	case proto.TypeBroadcastCommand:
		err = e.handleBroadcastCommand(ctx, pkt)
	case proto.TypeKeyRotation:
		err = e.handleKeyRotation(ctx, pkt)
	default:
		err = fmt.Errorf("shdc: engine: %w", shdcerr.ErrUnknownType)
	}
	if err != nil {
		e.drop(ctx, pkt.Header.Type, pkt.Header.DeviceID, err)
		return
	}
	e.recordProcessed(ctx, pkt.Header.Type, pkt.Header.DeviceID)
}

// resolveSigner implements §4.5's "look up expected signer public key"
// table.
func (e *Engine) resolveSigner(pkt proto.Packet) (ed25519.PublicKey, error) {
	switch pkt.Header.Type {
	case proto.TypeHubDiscoveryReq:
		p, err := proto.DecodeDiscoveryReq(pkt.Payload)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(p.PubKey[:]), nil

	case proto.TypeJoinRequest:
		p, err := proto.DecodeJoinRequest(pkt.Payload)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(p.PubKey[:]), nil

	case proto.TypeHubDiscoveryResp:
		p, err := proto.DecodeDiscoveryResp(pkt.Payload)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(p.HubPubKey[:]), nil

	case proto.TypeJoinResponse:
		e.mu.RLock()
		pending := e.pendingHub
		e.mu.RUnlock()
		if pending == nil {
			return nil, fmt.Errorf("shdc: engine: join response: %w", shdcerr.ErrWrongState)
		}
		return pending.PubKey, nil

	case proto.TypeEventReport:
		rec, ok := e.keystore.GetSensor(pkt.Header.DeviceID)
		if !ok {
			return nil, fmt.Errorf("shdc: engine: event report: device 0x%08x: %w", pkt.Header.DeviceID, shdcerr.ErrUnknownDevice)
		}
		return rec.IdentityPubKey, nil

	case proto.TypeBroadcastCommand, proto.TypeKeyRotation:
		hr, ok := e.keystore.HubRecord()
		if !ok {
			return nil, fmt.Errorf("shdc: engine: %s: %w", pkt.Header.Type, shdcerr.ErrUnknownDevice)
		}
		return hr.HubPubKey, nil

	default:
		return nil, fmt.Errorf("shdc: engine: %w", shdcerr.ErrUnknownType)
	}
}
