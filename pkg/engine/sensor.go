package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/shdc-project/shdc/pkg/audit"
	"github.com/shdc-project/shdc/pkg/cryptutil"
	"github.com/shdc-project/shdc/pkg/keystore"
	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// discoveryBackoff is the retry cadence for unanswered HUB_DISCOVERY_REQ
// sends: 5, 10, 20, 30s, then 30s repeating.
var discoveryBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second}

// Discover broadcasts HUB_DISCOVERY_REQ on the multicast group with
// exponential backoff (capped at 30s) until the first signature-valid
// HUB_DISCOVERY_RESP arrives or timeout elapses.
func (e *Engine) Discover(ctx context.Context, timeout time.Duration) (DiscoveredHub, error) {
	if e.role != RoleSensor {
		return DiscoveredHub{}, fmt.Errorf("shdc: engine: discover: %w", shdcerr.ErrWrongState)
	}
	if timeout <= 0 {
		timeout = e.cfg.DiscoveryTimeout
	}
	deadline := time.Now().Add(timeout)

	e.mu.Lock()
	e.selfState = StateDiscovering
	ch := make(chan DiscoveredHub, 1)
	e.discoverWaiters = append(e.discoverWaiters, ch)
	e.mu.Unlock()
	defer e.removeDiscoverWaiter(ch)

	attempt := 0
	for {
		if err := e.sendDiscoveryReq(ctx); err != nil {
			e.notifyError(err)
		}

		wait := discoveryBackoff[attempt]
		if attempt < len(discoveryBackoff)-1 {
			attempt++
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.mu.Lock()
			e.selfState = StateIdle
			e.mu.Unlock()
			return DiscoveredHub{}, fmt.Errorf("shdc: engine: discover: %w", shdcerr.ErrTimeout)
		}
		if wait > remaining {
			wait = remaining
		}

		select {
		case hub := <-ch:
			return hub, nil
		case <-time.After(wait):
		case <-ctx.Done():
			e.mu.Lock()
			e.selfState = StateIdle
			e.mu.Unlock()
			return DiscoveredHub{}, ctx.Err()
		}
	}
}

func (e *Engine) removeDiscoverWaiter(ch chan DiscoveredHub) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.discoverWaiters {
		if c == ch {
			e.discoverWaiters = append(e.discoverWaiters[:i], e.discoverWaiters[i+1:]...)
			return
		}
	}
}

func (e *Engine) sendDiscoveryReq(ctx context.Context) error {
	id := e.keystore.Identity()
	var pub [proto.PublicKeySize]byte
	copy(pub[:], id.Public)
	req := proto.DiscoveryReqPayload{PubKey: pub}
	payload, err := req.Marshal()
	if err != nil {
		return err
	}
	nonce3, err := cryptutil.RandNonce3()
	if err != nil {
		return err
	}
	header := proto.Header{Type: proto.TypeHubDiscoveryReq, DeviceID: e.DeviceID(), Timestamp: uint32(time.Now().Unix()), Nonce: nonce3}
	data, err := e.finalize(header, payload, id.Private)
	if err != nil {
		return err
	}
	return e.sendOrWrap(ctx, e.cfg.DiscoveryAddr, data)
}

// handleDiscoveryResp wakes every pending Discover call with the first
// signature-valid response and ignores any that arrive afterward.
func (e *Engine) handleDiscoveryResp(ctx context.Context, from net.Addr, pkt proto.Packet) error {
	resp, err := proto.DecodeDiscoveryResp(pkt.Payload)
	if err != nil {
		return err
	}
	if err := e.enforcer.ValidateCapabilities(resp.Caps); err != nil {
		return err
	}

	pub := make([]byte, proto.PublicKeySize)
	copy(pub, resp.HubPubKey[:])
	hub := DiscoveredHub{HubID: resp.HubID, PubKey: pub, Addr: from}

	e.mu.Lock()
	waiters := e.discoverWaiters
	e.discoverWaiters = nil
	e.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- hub:
		default:
		}
	}
	return nil
}

// Join sends JOIN_REQUEST to hub.Addr and waits for a validated
// JOIN_RESPONSE or timeout. On timeout the sensor falls back to
// DISCOVERING, leaving it able to retry against a different hub.
func (e *Engine) Join(ctx context.Context, hub DiscoveredHub, timeout time.Duration) error {
	if e.role != RoleSensor {
		return fmt.Errorf("shdc: engine: join: %w", shdcerr.ErrWrongState)
	}
	if timeout <= 0 {
		timeout = e.cfg.DiscoveryTimeout
	}

	e.mu.Lock()
	e.selfState = StateJoining
	e.pendingHub = &hub
	ch := make(chan error, 1)
	e.joinWaiters = append(e.joinWaiters, ch)
	e.mu.Unlock()

	if err := e.sendJoinRequest(ctx, hub.Addr); err != nil {
		e.clearPendingJoin(ch)
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case err := <-ch:
		return err
	case <-waitCtx.Done():
		e.clearPendingJoin(ch)
		e.mu.Lock()
		e.selfState = StateDiscovering
		e.pendingHub = nil
		e.mu.Unlock()
		return fmt.Errorf("shdc: engine: join: %w", shdcerr.ErrTimeout)
	}
}

func (e *Engine) clearPendingJoin(ch chan error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.joinWaiters {
		if c == ch {
			e.joinWaiters = append(e.joinWaiters[:i], e.joinWaiters[i+1:]...)
			return
		}
	}
}

func (e *Engine) sendJoinRequest(ctx context.Context, hubAddr net.Addr) error {
	id := e.keystore.Identity()
	var pub [proto.PublicKeySize]byte
	copy(pub[:], id.Public)
	req := proto.JoinRequestPayload{PubKey: pub}
	payload, err := req.Marshal()
	if err != nil {
		return err
	}
	nonce3, err := cryptutil.RandNonce3()
	if err != nil {
		return err
	}
	header := proto.Header{Type: proto.TypeJoinRequest, DeviceID: proto.DeviceUnassigned, Timestamp: uint32(time.Now().Unix()), Nonce: nonce3}
	data, err := e.finalize(header, payload, id.Private)
	if err != nil {
		return err
	}
	return e.sendOrWrap(ctx, hubAddr, data)
}

// handleJoinResponse opens the sealed envelope, adopts the assigned
// device id and key material, and promotes the sensor to ACTIVE.
func (e *Engine) handleJoinResponse(ctx context.Context, from net.Addr, pkt proto.Packet) error {
	e.mu.RLock()
	pending := e.pendingHub
	e.mu.RUnlock()
	if pending == nil {
		return fmt.Errorf("shdc: engine: join response: %w", shdcerr.ErrWrongState)
	}

	sealed, err := proto.DecodeJoinResponseSealed(pkt.Payload)
	if err != nil {
		return err
	}
	id := e.keystore.Identity()
	plaintext, err := cryptutil.OpenJoinResponse(pkt.Header, id.Private, sealed.EphPub, sealed.Ciphertext)
	if err != nil {
		return fmt.Errorf("shdc: engine: join response: %w", err)
	}
	inner, err := proto.DecodeJoinResponseInner(plaintext)
	if err != nil {
		return err
	}

	e.keystore.SetHubRecord(keystore.HubRecord{
		HubID:          pending.HubID,
		HubPubKey:      pending.PubKey,
		HubAddr:        from.String(),
		SessionKey:     inner.SessionKey,
		BroadcastKey:   inner.BroadcastKey,
		BroadcastKeyID: inner.BroadcastID,
	})
	e.keystore.SeedBroadcast(inner.BroadcastKey, inner.BroadcastID)

	e.mu.Lock()
	e.deviceID = inner.AssignedID
	e.selfState = StateActive
	e.hubAddr = from
	e.pendingHub = nil
	waiters := e.joinWaiters
	e.joinWaiters = nil
	e.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- nil:
		default:
		}
	}

	return e.audit.RecordJoin(audit.JoinEvent{DeviceID: inner.AssignedID, RemoteAddr: from.String(), Timestamp: time.Now()})
}

// SendEvent seals an EVENT_REPORT under the session key negotiated at
// join time and sends it to the joined hub.
func (e *Engine) SendEvent(ctx context.Context, eventType uint8, data []byte) error {
	if e.role != RoleSensor {
		return fmt.Errorf("shdc: engine: send event: %w", shdcerr.ErrWrongState)
	}
	if err := e.enforcer.ValidateEvent(eventType, data); err != nil {
		return err
	}
	hr, ok := e.keystore.HubRecord()
	if !ok {
		return fmt.Errorf("shdc: engine: send event: %w", shdcerr.ErrWrongState)
	}

	inner := proto.EventReportInner{EventType: eventType, Data: data}
	plaintext, err := inner.Marshal()
	if err != nil {
		return err
	}
	nonce3, err := cryptutil.RandNonce3()
	if err != nil {
		return err
	}
	header := proto.Header{Type: proto.TypeEventReport, DeviceID: e.DeviceID(), Timestamp: uint32(time.Now().Unix()), Nonce: nonce3}
	ciphertext, err := cryptutil.Seal(hr.SessionKey, cryptutil.BuildAEADNonce(header), proto.EncodeHeader(header), plaintext)
	if err != nil {
		return err
	}
	pktData, err := e.finalize(header, ciphertext, e.keystore.Identity().Private)
	if err != nil {
		return err
	}

	e.mu.RLock()
	hubAddr := e.hubAddr
	e.mu.RUnlock()
	return e.sendOrWrap(ctx, hubAddr, pktData)
}

// handleBroadcastCommand resolves the broadcast key by its embedded id
// and delivers the opened command via OnEvent.
func (e *Engine) handleBroadcastCommand(ctx context.Context, pkt proto.Packet) error {
	outer, err := proto.DecodeBroadcastCommandOuter(pkt.Payload)
	if err != nil {
		return err
	}
	key, ok := e.keystore.ResolveBroadcastKey(outer.BroadcastID)
	if !ok {
		return fmt.Errorf("shdc: engine: broadcast command: key id %d: %w", outer.BroadcastID, shdcerr.ErrKeyUnavailable)
	}
	plaintext, err := cryptutil.Open(key, cryptutil.BuildAEADNonce(pkt.Header), proto.EncodeHeader(pkt.Header), outer.Ciphertext)
	if err != nil {
		return fmt.Errorf("shdc: engine: broadcast command: %w", err)
	}
	inner, err := proto.DecodeBroadcastCommandInner(plaintext)
	if err != nil {
		return err
	}
	if err := e.enforcer.ValidateCommand(inner.CmdData); err != nil {
		return err
	}
	if e.handlers.OnEvent != nil {
		e.handlers.OnEvent(pkt.Header.DeviceID, inner.CmdType, inner.CmdData)
	}
	return nil
}

// handleKeyRotation opens a KEY_ROTATION under the sensor's current
// session key regardless of scope, then installs the new key in the
// sensor's hub record.
func (e *Engine) handleKeyRotation(ctx context.Context, pkt proto.Packet) error {
	hr, ok := e.keystore.HubRecord()
	if !ok {
		return fmt.Errorf("shdc: engine: key rotation: %w", shdcerr.ErrWrongState)
	}
	plaintext, err := cryptutil.Open(hr.SessionKey, cryptutil.BuildAEADNonce(pkt.Header), proto.EncodeHeader(pkt.Header), pkt.Payload)
	if err != nil {
		return fmt.Errorf("shdc: engine: key rotation: %w", err)
	}
	inner, err := proto.DecodeKeyRotationInner(plaintext)
	if err != nil {
		return err
	}

	scope := "session"
	switch inner.Scope {
	case proto.ScopeSession:
		err = e.keystore.UpdateHubRecord(func(r keystore.HubRecord) keystore.HubRecord {
			r.SessionKey = inner.NewKey
			return r
		})
	case proto.ScopeBroadcast:
		scope = "broadcast"
		e.keystore.AdoptBroadcastRotation(inner.NewKey, inner.NewBKID, e.cfg.GraceWindow)
		err = e.keystore.UpdateHubRecord(func(r keystore.HubRecord) keystore.HubRecord {
			r.BroadcastKey = inner.NewKey
			r.BroadcastKeyID = inner.NewBKID
			return r
		})
	default:
		err = fmt.Errorf("shdc: engine: key rotation: scope 0x%02x: %w", byte(inner.Scope), shdcerr.ErrMalformedPayload)
	}
	if err != nil {
		return err
	}

	e.recordRotation(ctx, scope, pkt.Header.DeviceID)
	return e.audit.RecordRotation(audit.RotationEvent{Scope: scope, KeyID: inner.NewBKID, Timestamp: time.Now()})
}
