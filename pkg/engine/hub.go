package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/shdc-project/shdc/pkg/audit"
	"github.com/shdc-project/shdc/pkg/cryptutil"
	"github.com/shdc-project/shdc/pkg/keystore"
	"github.com/shdc-project/shdc/pkg/policy"
	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/rotation"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// handleDiscoveryReq answers a HUB_DISCOVERY_REQ with this hub's
// HUB_DISCOVERY_RESP, unicast back to the requester.
func (e *Engine) handleDiscoveryReq(ctx context.Context, from net.Addr, pkt proto.Packet) error {
	req, err := proto.DecodeDiscoveryReq(pkt.Payload)
	if err != nil {
		return err
	}
	if err := e.enforcer.ValidateDiscoveryInfo(req.Info); err != nil {
		return err
	}
	if err := e.enforcer.ValidateCapabilities(e.cfg.Capabilities); err != nil {
		return err
	}

	id := e.keystore.Identity()
	var hubPub [proto.PublicKeySize]byte
	copy(hubPub[:], id.Public)
	resp := proto.DiscoveryRespPayload{HubID: e.deviceID, HubPubKey: hubPub, Caps: e.cfg.Capabilities}
	payload, err := resp.Marshal()
	if err != nil {
		return err
	}

	nonce3, err := cryptutil.RandNonce3()
	if err != nil {
		return err
	}
	header := proto.Header{Type: proto.TypeHubDiscoveryResp, DeviceID: e.deviceID, Timestamp: uint32(time.Now().Unix()), Nonce: nonce3}
	data, err := e.finalize(header, payload, id.Private)
	if err != nil {
		return err
	}
	return e.sendOrWrap(ctx, from, data)
}

// handleJoinRequest evaluates admission for a new sensor, allocates it a
// device id, and seals its session/broadcast key material into a
// JOIN_RESPONSE.
func (e *Engine) handleJoinRequest(ctx context.Context, from net.Addr, pkt proto.Packet) error {
	req, err := proto.DecodeJoinRequest(pkt.Payload)
	if err != nil {
		return err
	}
	if err := e.enforcer.ValidateDiscoveryInfo(req.Info); err != nil {
		return err
	}

	decision, err := e.admission.Evaluate(ctx, policy.AdmissionRequest{
		DeviceInfo:     string(req.Info),
		RemoteAddr:     from.String(),
		IdentityPubKey: hex.EncodeToString(req.PubKey[:]),
	})
	if err != nil {
		return fmt.Errorf("shdc: engine: join request: admission: %w", err)
	}
	if !decision.Allow {
		return fmt.Errorf("shdc: engine: join request: %s: %w", decision.Reason, shdcerr.ErrJoinRefused)
	}

	deviceID := e.allocateDeviceID()
	sessionKey, err := cryptutil.RandKey()
	if err != nil {
		return err
	}
	broadcastKey, broadcastID := e.keystore.CurrentBroadcast()

	inner := proto.JoinResponseInner{
		AssignedID:   deviceID,
		SessionKey:   sessionKey,
		BroadcastID:  broadcastID,
		BroadcastKey: broadcastKey,
	}

	id := e.keystore.Identity()
	nonce3, err := cryptutil.RandNonce3()
	if err != nil {
		return err
	}
	header := proto.Header{Type: proto.TypeJoinResponse, DeviceID: e.deviceID, Timestamp: uint32(time.Now().Unix()), Nonce: nonce3}

	sensorPub := make([]byte, proto.PublicKeySize)
	copy(sensorPub, req.PubKey[:])
	ephPub, ciphertext, err := cryptutil.SealJoinResponse(header, sensorPub, inner.Marshal())
	if err != nil {
		return fmt.Errorf("shdc: engine: join request: seal response: %w", err)
	}
	sealed := proto.JoinResponseSealed{EphPub: ephPub, Ciphertext: ciphertext}
	data, err := e.finalize(header, sealed.Marshal(), id.Private)
	if err != nil {
		return err
	}
	if err := e.sendOrWrap(ctx, from, data); err != nil {
		return err
	}

	rec := keystore.SensorRecord{
		DeviceID:       deviceID,
		IdentityPubKey: sensorPub,
		SessionKey:     sessionKey,
		LastSeen:       time.Now(),
	}
	if err := e.keystore.PutSensor(rec); err != nil {
		return err
	}

	e.mu.Lock()
	e.sensors[deviceID] = &hubSensorState{state: StateJoining, addr: from}
	e.sessionSched[deviceID] = rotation.New(rotation.Config{Interval: e.cfg.SessionInterval}, time.Now(), false)
	e.mu.Unlock()
	return nil
}

// handleEventReport opens an EVENT_REPORT under the sensor's current
// session key, falling back to the previous key within its grace
// window, and promotes a JOINING sensor to ACTIVE on its first event.
func (e *Engine) handleEventReport(ctx context.Context, pkt proto.Packet) error {
	deviceID := pkt.Header.DeviceID
	if _, ok := e.keystore.GetSensor(deviceID); !ok {
		return fmt.Errorf("shdc: engine: event report: device 0x%08x: %w", deviceID, shdcerr.ErrUnknownDevice)
	}
	current, previous, havePrevious, err := e.keystore.ResolveSessionKey(deviceID)
	if err != nil {
		return err
	}

	nonce := cryptutil.BuildAEADNonce(pkt.Header)
	aad := proto.EncodeHeader(pkt.Header)
	plaintext, openErr := cryptutil.Open(current, nonce, aad, pkt.Payload)
	if openErr != nil && havePrevious {
		plaintext, openErr = cryptutil.Open(previous, nonce, aad, pkt.Payload)
	}
	if openErr != nil {
		return fmt.Errorf("shdc: engine: event report: device 0x%08x: %w", deviceID, openErr)
	}

	inner, err := proto.DecodeEventReportInner(plaintext)
	if err != nil {
		return err
	}
	if err := e.enforcer.ValidateEvent(inner.EventType, inner.Data); err != nil {
		return err
	}

	rec, ok := e.keystore.GetSensor(deviceID)
	if !ok {
		return fmt.Errorf("shdc: engine: event report: device 0x%08x: %w", deviceID, shdcerr.ErrUnknownDevice)
	}
	rec.LastSeen = time.Now()
	if err := e.keystore.PutSensor(rec); err != nil {
		return err
	}

	e.mu.Lock()
	st, tracked := e.sensors[deviceID]
	var remoteAddr string
	var firstEvent bool
	if tracked {
		remoteAddr = st.addr.String()
		if st.state == StateJoining {
			st.state = StateActive
			firstEvent = true
		}
	}
	e.mu.Unlock()

	if firstEvent {
		if err := e.audit.RecordJoin(audit.JoinEvent{DeviceID: deviceID, RemoteAddr: remoteAddr, Timestamp: time.Now()}); err != nil {
			e.notifyError(err)
		}
		if e.handlers.OnDeviceJoined != nil {
			e.handlers.OnDeviceJoined(rec)
		}
	}
	if e.handlers.OnEvent != nil {
		e.handlers.OnEvent(deviceID, inner.EventType, inner.Data)
	}
	return nil
}

// Broadcast seals a BROADCAST_COMMAND under the current broadcast key
// and sends it to the discovery multicast group.
func (e *Engine) Broadcast(ctx context.Context, cmdType uint8, data []byte) error {
	if e.role != RoleHub {
		return fmt.Errorf("shdc: engine: broadcast: %w", shdcerr.ErrWrongState)
	}
	if err := e.enforcer.ValidateCommand(data); err != nil {
		return err
	}

	key, id := e.keystore.CurrentBroadcast()
	inner := proto.BroadcastCommandInner{CmdType: cmdType, CmdData: data}
	plaintext, err := inner.Marshal()
	if err != nil {
		return err
	}

	nonce3, err := cryptutil.RandNonce3()
	if err != nil {
		return err
	}
	header := proto.Header{Type: proto.TypeBroadcastCommand, DeviceID: e.deviceID, Timestamp: uint32(time.Now().Unix()), Nonce: nonce3}
	ciphertext, err := cryptutil.Seal(key, cryptutil.BuildAEADNonce(header), proto.EncodeHeader(header), plaintext)
	if err != nil {
		return err
	}
	outer := proto.BroadcastCommandOuter{BroadcastID: id, Ciphertext: ciphertext}

	pktData, err := e.finalize(header, outer.Marshal(), e.keystore.Identity().Private)
	if err != nil {
		return err
	}
	return e.sendOrWrap(ctx, e.cfg.DiscoveryAddr, pktData)
}

// RotateBroadcast forces an immediate broadcast-key rotation, ahead of
// the scheduler's normal cadence.
func (e *Engine) RotateBroadcast(ctx context.Context) error {
	if e.role != RoleHub {
		return fmt.Errorf("shdc: engine: rotate broadcast: %w", shdcerr.ErrWrongState)
	}
	return e.doRotateBroadcast(ctx)
}

func (e *Engine) doRotateBroadcast(ctx context.Context) error {
	newKey, newID, err := e.keystore.RotateBroadcast(e.cfg.GraceWindow)
	if err != nil {
		return err
	}
	e.broadcastSch.Advance(time.Now())

	for _, rec := range e.keystore.ListSensors() {
		sessionKey, _, _, err := e.keystore.ResolveSessionKey(rec.DeviceID)
		if err != nil {
			e.notifyError(err)
			continue
		}
		err = e.sendKeyRotation(ctx, rec.DeviceID, sessionKey, proto.KeyRotationInner{
			Scope:     proto.ScopeBroadcast,
			NewKey:    newKey,
			ValidFrom: uint32(time.Now().Unix()),
			NewBKID:   newID,
		})
		if err != nil {
			e.notifyError(err)
		}
	}

	e.recordRotation(ctx, "broadcast", proto.DeviceUnassigned)
	return e.audit.RecordRotation(audit.RotationEvent{Scope: "broadcast", KeyID: newID, Timestamp: time.Now()})
}

// RotateSession forces an immediate session-key rotation for one
// sensor, ahead of the scheduler's normal cadence.
func (e *Engine) RotateSession(ctx context.Context, deviceID uint32) error {
	if e.role != RoleHub {
		return fmt.Errorf("shdc: engine: rotate session: %w", shdcerr.ErrWrongState)
	}
	return e.doRotateSession(ctx, deviceID)
}

func (e *Engine) doRotateSession(ctx context.Context, deviceID uint32) error {
	oldKey, _, _, err := e.keystore.ResolveSessionKey(deviceID)
	if err != nil {
		return err
	}
	newKey, err := e.keystore.RotateSensorSession(deviceID, e.cfg.GraceWindow)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if sched, ok := e.sessionSched[deviceID]; ok {
		sched.Advance(time.Now())
	}
	e.mu.Unlock()

	// The new session key is carried sealed under the key it replaces,
	// per the protocol's rotation-continuity requirement.
	if err := e.sendKeyRotation(ctx, deviceID, oldKey, proto.KeyRotationInner{
		Scope:     proto.ScopeSession,
		NewKey:    newKey,
		ValidFrom: uint32(time.Now().Unix()),
	}); err != nil {
		return err
	}

	e.recordRotation(ctx, "session", deviceID)
	return e.audit.RecordRotation(audit.RotationEvent{Scope: "session", DeviceID: deviceID, Timestamp: time.Now()})
}

// sendKeyRotation seals inner under key and sends it to deviceID's
// known address.
func (e *Engine) sendKeyRotation(ctx context.Context, deviceID uint32, key [proto.SymmetricKeySize]byte, inner proto.KeyRotationInner) error {
	e.mu.RLock()
	st, ok := e.sensors[deviceID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("shdc: engine: key rotation: device 0x%08x: %w", deviceID, shdcerr.ErrUnknownDevice)
	}

	plaintext, err := inner.Marshal()
	if err != nil {
		return err
	}
	nonce3, err := cryptutil.RandNonce3()
	if err != nil {
		return err
	}
	header := proto.Header{Type: proto.TypeKeyRotation, DeviceID: e.deviceID, Timestamp: uint32(time.Now().Unix()), Nonce: nonce3}
	ciphertext, err := cryptutil.Seal(key, cryptutil.BuildAEADNonce(header), proto.EncodeHeader(header), plaintext)
	if err != nil {
		return err
	}
	data, err := e.finalize(header, ciphertext, e.keystore.Identity().Private)
	if err != nil {
		return err
	}
	return e.sendOrWrap(ctx, st.addr, data)
}
