package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shdc-project/shdc/pkg/cryptutil"
	"github.com/shdc-project/shdc/pkg/keystore"
	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/shdcerr"
	"github.com/shdc-project/shdc/pkg/transport"
)

const discoveryGroup = transport.FakeAddr("239.255.0.1:56700")

type harness struct {
	t       *testing.T
	bus     *transport.Bus
	hub     *Engine
	sensor  *Engine
	events  chan eventCall
	joined  chan keystore.SensorRecord
	errsMu  sync.Mutex
	errs    []error
}

type eventCall struct {
	deviceID  uint32
	eventType uint8
	data      []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		bus:    transport.NewBus(),
		events: make(chan eventCall, 8),
		joined: make(chan keystore.SensorRecord, 8),
	}

	hubKS, err := keystore.New(nil)
	if err != nil {
		t.Fatalf("hub keystore: %v", err)
	}
	sensorKS, err := keystore.New(nil)
	if err != nil {
		t.Fatalf("sensor keystore: %v", err)
	}

	hubTransport := transport.NewFakeTransport(h.bus, "hub-1")
	sensorTransport := transport.NewFakeTransport(h.bus, "sensor-1")

	hub, err := NewHub(0x10000001, hubKS, hubTransport, Config{
		DiscoveryAddr:     discoveryGroup,
		DeviceIDAllocator: func() uint32 { return 0xAABBCCDD },
		Handlers: Handlers{
			OnEvent:        func(deviceID uint32, eventType uint8, data []byte) { h.events <- eventCall{deviceID, eventType, data} },
			OnDeviceJoined: func(rec keystore.SensorRecord) { h.joined <- rec },
			OnError:        func(kind shdcerr.Kind, err error) { h.recordErr(err) },
		},
	})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}

	sensor, err := NewSensor(sensorKS, sensorTransport, Config{
		DiscoveryAddr: discoveryGroup,
		Handlers: Handlers{
			OnEvent: func(deviceID uint32, eventType uint8, data []byte) { h.events <- eventCall{deviceID, eventType, data} },
			OnError: func(kind shdcerr.Kind, err error) { h.recordErr(err) },
		},
	})
	if err != nil {
		t.Fatalf("new sensor: %v", err)
	}

	h.hub = hub
	h.sensor = sensor
	return h
}

func (h *harness) recordErr(err error) {
	h.errsMu.Lock()
	defer h.errsMu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *harness) lastErrCount() int {
	h.errsMu.Lock()
	defer h.errsMu.Unlock()
	return len(h.errs)
}

func (h *harness) start(ctx context.Context) {
	if err := h.hub.Start(ctx); err != nil {
		h.t.Fatalf("hub start: %v", err)
	}
	if err := h.sensor.Start(ctx); err != nil {
		h.t.Fatalf("sensor start: %v", err)
	}
}

func (h *harness) stop() {
	h.sensor.Stop()
	h.hub.Stop()
}

func (h *harness) joinSensor(ctx context.Context) DiscoveredHub {
	h.t.Helper()
	discovered, err := h.sensor.Discover(ctx, 2*time.Second)
	if err != nil {
		h.t.Fatalf("discover: %v", err)
	}
	if discovered.HubID != 0x10000001 {
		h.t.Fatalf("unexpected hub id 0x%08x", discovered.HubID)
	}
	if err := h.sensor.Join(ctx, discovered, 2*time.Second); err != nil {
		h.t.Fatalf("join: %v", err)
	}
	if got := h.sensor.DeviceID(); got != 0xAABBCCDD {
		h.t.Fatalf("assigned id = 0x%08x, want 0xAABBCCDD", got)
	}
	if h.sensor.SelfState() != StateActive {
		h.t.Fatalf("sensor state = %s, want ACTIVE", h.sensor.SelfState())
	}
	return discovered
}

// TestDiscoverJoinAndEventPromoteHub exercises scenario 1 and 2 from the
// end-to-end flow: clean discovery, join with a pinned assigned id, and
// the hub's JOINING -> ACTIVE promotion on the sensor's first event.
func TestDiscoverJoinAndEventPromoteHub(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.start(ctx)
	defer h.stop()

	h.joinSensor(ctx)

	if err := h.sensor.SendEvent(ctx, 0x01, []byte("motion")); err != nil {
		t.Fatalf("send event: %v", err)
	}

	select {
	case rec := <-h.joined:
		if rec.DeviceID != 0xAABBCCDD {
			t.Fatalf("joined callback device id = 0x%08x", rec.DeviceID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnDeviceJoined")
	}

	select {
	case ev := <-h.events:
		if ev.deviceID != 0xAABBCCDD || ev.eventType != 0x01 || string(ev.data) != "motion" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnEvent")
	}
}

// TestReplayedEventRejected is property P5: resubmitting an accepted
// packet is dropped.
func TestReplayedEventRejected(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.start(ctx)
	defer h.stop()
	h.joinSensor(ctx)

	hr, ok := h.sensor.keystore.HubRecord()
	if !ok {
		t.Fatalf("sensor has no hub record after join")
	}
	header := proto.Header{Type: proto.TypeEventReport, DeviceID: h.sensor.DeviceID(), Timestamp: uint32(time.Now().Unix()), Nonce: proto.Nonce3{1, 2, 3}}
	inner := proto.EventReportInner{EventType: 0x02, Data: []byte("x")}
	plaintext, err := inner.Marshal()
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	ciphertext, err := cryptutil.Seal(hr.SessionKey, cryptutil.BuildAEADNonce(header), proto.EncodeHeader(header), plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	data, err := h.sensor.finalize(header, ciphertext, h.sensor.keystore.Identity().Private)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if err := h.sensor.transport.Send(ctx, h.sensor.hubAddr, data); err != nil {
		t.Fatalf("send raw: %v", err)
	}
	select {
	case <-h.events:
	case <-time.After(2 * time.Second):
		t.Fatalf("first delivery never arrived")
	}

	before := h.lastErrCount()
	if err := h.sensor.transport.Send(ctx, h.sensor.hubAddr, data); err != nil {
		t.Fatalf("send raw replay: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for h.lastErrCount() == before {
		select {
		case <-deadline:
			t.Fatalf("replayed packet was not dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestStaleTimestampRejected is property P4.
func TestStaleTimestampRejected(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.start(ctx)
	defer h.stop()
	h.joinSensor(ctx)

	hr, _ := h.sensor.keystore.HubRecord()
	header := proto.Header{Type: proto.TypeEventReport, DeviceID: h.sensor.DeviceID(), Timestamp: uint32(time.Now().Add(-5 * time.Minute).Unix()), Nonce: proto.Nonce3{9, 9, 9}}
	inner := proto.EventReportInner{EventType: 0x03, Data: nil}
	plaintext, _ := inner.Marshal()
	ciphertext, err := cryptutil.Seal(hr.SessionKey, cryptutil.BuildAEADNonce(header), proto.EncodeHeader(header), plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	data, err := h.sensor.finalize(header, ciphertext, h.sensor.keystore.Identity().Private)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	before := h.lastErrCount()
	if err := h.sensor.transport.Send(ctx, h.sensor.hubAddr, data); err != nil {
		t.Fatalf("send raw: %v", err)
	}
	select {
	case ev := <-h.events:
		t.Fatalf("stale packet should have been dropped, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
	if h.lastErrCount() <= before {
		t.Fatalf("expected an error to be reported for the stale packet")
	}
}

// TestTamperedPayloadRejected is property P2: a single flipped payload
// bit invalidates the signature.
func TestTamperedPayloadRejected(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.start(ctx)
	defer h.stop()
	h.joinSensor(ctx)

	hr, _ := h.sensor.keystore.HubRecord()
	header := proto.Header{Type: proto.TypeEventReport, DeviceID: h.sensor.DeviceID(), Timestamp: uint32(time.Now().Unix()), Nonce: proto.Nonce3{4, 5, 6}}
	inner := proto.EventReportInner{EventType: 0x04, Data: []byte("tamper")}
	plaintext, _ := inner.Marshal()
	ciphertext, err := cryptutil.Seal(hr.SessionKey, cryptutil.BuildAEADNonce(header), proto.EncodeHeader(header), plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	data, err := h.sensor.finalize(header, ciphertext, h.sensor.keystore.Identity().Private)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	data[proto.HeaderSize] ^= 0x01 // flip one payload bit after signing

	before := h.lastErrCount()
	if err := h.sensor.transport.Send(ctx, h.sensor.hubAddr, data); err != nil {
		t.Fatalf("send raw: %v", err)
	}
	select {
	case ev := <-h.events:
		t.Fatalf("tampered packet should have been dropped, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
	if h.lastErrCount() <= before {
		t.Fatalf("expected a signature error to be reported")
	}
}

// TestBroadcastCommandDelivery exercises the sensor's BROADCAST_COMMAND
// path, sealed under the key the sensor received in JOIN_RESPONSE.
func TestBroadcastCommandDelivery(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.start(ctx)
	defer h.stop()
	h.joinSensor(ctx)

	if err := h.hub.Broadcast(ctx, 0x7f, []byte("lock-all")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case ev := <-h.events:
		if ev.eventType != 0x7f || string(ev.data) != "lock-all" {
			t.Fatalf("unexpected broadcast delivery: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast command")
	}
}

// TestBroadcastRotationGraceWindow is property P6 applied to the
// broadcast key: a rotation message sealed under the sensor's session
// key carries the new broadcast key, and the sensor still resolves the
// prior broadcast key id until grace elapses, but not afterwards.
func TestBroadcastRotationGraceWindow(t *testing.T) {
	h := newHarness(t)
	h.hub.cfg.GraceWindow = 150 * time.Millisecond
	h.sensor.cfg.GraceWindow = 150 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.start(ctx)
	defer h.stop()
	h.joinSensor(ctx)

	_, oldID := h.hub.keystore.CurrentBroadcast()

	if err := h.hub.RotateBroadcast(ctx); err != nil {
		t.Fatalf("rotate broadcast: %v", err)
	}
	_, newID := h.hub.keystore.CurrentBroadcast()
	if newID == oldID {
		t.Fatalf("rotation did not assign a new broadcast id")
	}

	// Give the sensor time to process the KEY_ROTATION message.
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := h.sensor.keystore.ResolveBroadcastKey(newID); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sensor never adopted the rotated broadcast key")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, ok := h.sensor.keystore.ResolveBroadcastKey(oldID); !ok {
		t.Fatalf("old broadcast id should still resolve during grace window")
	}
	time.Sleep(200 * time.Millisecond)
	if _, ok := h.sensor.keystore.ResolveBroadcastKey(oldID); ok {
		t.Fatalf("old broadcast id should no longer resolve after grace window")
	}
}

// TestResetSensorFiresOnDeviceLeft covers the hub's administrative
// reset path back to UNKNOWN.
func TestResetSensorFiresOnDeviceLeft(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.start(ctx)
	defer h.stop()
	h.joinSensor(ctx)

	left := make(chan uint32, 1)
	h.hub.handlers.OnDeviceLeft = func(deviceID uint32) { left <- deviceID }

	if err := h.hub.ResetSensor(0xAABBCCDD); err != nil {
		t.Fatalf("reset sensor: %v", err)
	}
	select {
	case id := <-left:
		if id != 0xAABBCCDD {
			t.Fatalf("unexpected device id in OnDeviceLeft: 0x%08x", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for OnDeviceLeft")
	}
	if _, ok := h.hub.keystore.GetSensor(0xAABBCCDD); ok {
		t.Fatalf("sensor record should be gone after reset")
	}
}
