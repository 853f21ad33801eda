// Package engine implements the SHDC role-aware dispatch loop: the Hub
// and Sensor state machines, the key-rotation scheduler, discovery and
// join retries, and the application-facing API (Discover, Join,
// SendEvent, Broadcast, RotateSession, RotateBroadcast) that drives
// them. It is the component every other package in this module exists
// to serve.
package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shdc-project/shdc/internal/platform/logging"
	"github.com/shdc-project/shdc/internal/platform/metrics"
	"github.com/shdc-project/shdc/internal/platform/observability"
	"github.com/shdc-project/shdc/internal/platform/tracing"
	"github.com/shdc-project/shdc/pkg/audit"
	"github.com/shdc-project/shdc/pkg/cryptutil"
	"github.com/shdc-project/shdc/pkg/diagnostics"
	"github.com/shdc-project/shdc/pkg/keystore"
	"github.com/shdc-project/shdc/pkg/policy"
	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/replay"
	"github.com/shdc-project/shdc/pkg/rotation"
	"github.com/shdc-project/shdc/pkg/shdcerr"
	"github.com/shdc-project/shdc/pkg/transport"
)

// Role distinguishes a Hub engine instance from a Sensor engine instance.
type Role uint8

const (
	RoleHub Role = iota
	RoleSensor
)

// Handlers bundles the four callback hooks an application installs at
// construction time.
type Handlers struct {
	OnDeviceJoined func(rec keystore.SensorRecord)
	OnEvent        func(deviceID uint32, eventType uint8, data []byte)
	OnDeviceLeft   func(deviceID uint32)
	OnError        func(kind shdcerr.Kind, err error)
}

// Config bundles everything an Engine needs beyond its keystore and
// transport. Every field is optional except DiscoveryAddr; zero values
// fall back to the defaults named in §4.5.
type Config struct {
	Handlers          Handlers
	Admission         *policy.Admission
	Enforcer          *policy.Enforcer
	Audit             *audit.Trail
	Instruments       *observability.Instruments
	Replay            replay.Config
	BroadcastInterval time.Duration
	SessionInterval   time.Duration
	GraceWindow       time.Duration
	DiscoveryTimeout  time.Duration
	DiscoveryAddr     net.Addr
	// DeviceIDAllocator overrides the hub's default incrementing device
	// id allocator; tests use it to pin a deterministic assigned id.
	DeviceIDAllocator func() uint32
	// Capabilities is the opaque byte string a hub advertises in
	// HUB_DISCOVERY_RESP.
	Capabilities []byte
}

func (c *Config) withDefaults() {
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = rotation.DefaultBroadcastInterval
	}
	if c.SessionInterval <= 0 {
		c.SessionInterval = rotation.DefaultSessionInterval
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = rotation.DefaultGraceWindow
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 5 * time.Minute
	}
}

// DiscoveredHub is the result of a successful Discover call.
type DiscoveredHub struct {
	HubID  uint32
	PubKey ed25519.PublicKey
	Addr   net.Addr
}

type hubSensorState struct {
	state State
	addr  net.Addr
}

// Engine is a running Hub or Sensor instance. One Engine drives one
// role over one keystore and one transport; nothing here is a
// process-wide singleton.
type Engine struct {
	role      Role
	keystore  *keystore.Keystore
	transport transport.Transport
	replay    *replay.Guard
	admission *policy.Admission
	enforcer  *policy.Enforcer
	audit     *audit.Trail
	instr     *observability.Instruments
	handlers  Handlers
	cfg       Config

	mu           sync.RWMutex
	deviceID     uint32
	nextSensorID uint32

	// sensor-side
	selfState       State
	pendingHub      *DiscoveredHub
	hubAddr         net.Addr
	discoverWaiters []chan DiscoveredHub
	joinWaiters     []chan error

	// hub-side
	sensors      map[uint32]*hubSensorState
	sessionSched map[uint32]*rotation.Scheduler
	broadcastSch *rotation.Scheduler

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    bool
	logCleanup func(context.Context) error
}

// NewHub constructs a hub engine with a fixed device id.
func NewHub(deviceID uint32, ks *keystore.Keystore, tr transport.Transport, cfg Config) (*Engine, error) {
	e, err := newEngine(RoleHub, ks, tr, cfg)
	if err != nil {
		return nil, err
	}
	e.deviceID = deviceID
	e.sensors = make(map[uint32]*hubSensorState)
	e.sessionSched = make(map[uint32]*rotation.Scheduler)
	e.broadcastSch = rotation.New(rotation.Config{Interval: e.cfg.BroadcastInterval}, time.Now(), true)
	return e, nil
}

// NewSensor constructs a sensor engine. Its device id is unassigned
// until a successful Join.
func NewSensor(ks *keystore.Keystore, tr transport.Transport, cfg Config) (*Engine, error) {
	e, err := newEngine(RoleSensor, ks, tr, cfg)
	if err != nil {
		return nil, err
	}
	e.deviceID = proto.DeviceUnassigned
	e.selfState = StateIdle
	return e, nil
}

func newEngine(role Role, ks *keystore.Keystore, tr transport.Transport, cfg Config) (*Engine, error) {
	if ks == nil {
		return nil, errors.New("shdc: engine: keystore is required")
	}
	if tr == nil {
		return nil, errors.New("shdc: engine: transport is required")
	}
	if cfg.DiscoveryAddr == nil {
		return nil, errors.New("shdc: engine: discovery address is required")
	}
	cfg.withDefaults()

	admission := cfg.Admission
	if admission == nil {
		a, err := policy.NewAdmission(context.Background(), policy.AdmissionConfig{})
		if err != nil {
			return nil, fmt.Errorf("shdc: engine: default admission policy: %w", err)
		}
		admission = a
	}
	enforcer := cfg.Enforcer
	if enforcer == nil {
		enforcer = policy.NewEnforcer(policy.EnforcerConfig{})
	}
	trail := cfg.Audit
	if trail == nil {
		id := ks.Identity()
		trail = audit.NewTrail(hex.EncodeToString(id.Public))
	}

	serviceName := "shdc-hub"
	if role == RoleSensor {
		serviceName = "shdc-sensor"
	}

	instr := cfg.Instruments
	var logCleanup func(context.Context) error
	if instr == nil {
		logger, cleanup, err := logging.Global(logging.Config{ServiceName: serviceName, Level: "info"})
		if err != nil {
			return nil, fmt.Errorf("shdc: engine: default logger: %w", err)
		}
		i, err := observability.New(metrics.Meter(serviceName), tracing.Tracer(serviceName), logger)
		if err != nil {
			return nil, fmt.Errorf("shdc: engine: default instruments: %w", err)
		}
		instr = i
		logCleanup = cleanup
	}

	return &Engine{
		role:       role,
		keystore:   ks,
		transport:  tr,
		replay:     replay.New(cfg.Replay),
		admission:  admission,
		enforcer:   enforcer,
		audit:      trail,
		instr:      instr,
		handlers:   cfg.Handlers,
		cfg:        cfg,
		logCleanup: logCleanup,
	}, nil
}

// Start runs the diagnostics gate and, if it passes, launches the
// receive loop (and, for a hub, the rotation scheduler loop).
func (e *Engine) Start(ctx context.Context) error {
	id := e.keystore.Identity()
	if err := diagnostics.Gate(ctx, diagnostics.IdentityCheck(id.Public, id.Private), diagnostics.CSRNGCheck()); err != nil {
		return err
	}
	if err := e.transport.JoinMulticast(e.cfg.DiscoveryAddr.String()); err != nil {
		return fmt.Errorf("shdc: engine: join discovery group: %w", shdcerr.ErrRecvFailed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.recvLoop(runCtx)
	if e.role == RoleHub {
		e.wg.Add(1)
		go e.rotationLoop(runCtx)
	}
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	if e.logCleanup != nil {
		_ = e.logCleanup(context.Background())
	}
}

func (e *Engine) recvLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		addr, data, err := e.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		e.dispatch(ctx, addr, data)
	}
}

func (e *Engine) rotationLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if e.broadcastSch.Due(now) {
				if err := e.doRotateBroadcast(ctx); err != nil {
					e.notifyError(err)
				}
			}
			e.mu.RLock()
			due := make([]uint32, 0, len(e.sessionSched))
			for id, sched := range e.sessionSched {
				if sched.Due(now) {
					due = append(due, id)
				}
			}
			e.mu.RUnlock()
			for _, id := range due {
				if err := e.doRotateSession(ctx, id); err != nil {
					e.notifyError(err)
				}
			}
		}
	}
}

func (e *Engine) notifyError(err error) {
	if e.handlers.OnError != nil {
		e.handlers.OnError(shdcerr.ClassOf(err), err)
	}
}

func (e *Engine) drop(ctx context.Context, msgType proto.Type, deviceID uint32, err error) {
	if e.instr != nil {
		e.instr.RecordDrop(ctx, msgType, deviceID, err)
	}
	e.notifyError(err)
}

func (e *Engine) startDispatch(ctx context.Context, t proto.Type) (context.Context, func()) {
	if e.instr == nil {
		return ctx, func() {}
	}
	c, span := e.instr.StartDispatch(ctx, t)
	return c, span.End
}

func (e *Engine) recordProcessed(ctx context.Context, t proto.Type, deviceID uint32) {
	if e.instr != nil {
		e.instr.RecordProcessed(ctx, t, deviceID)
	}
}

func (e *Engine) recordRotation(ctx context.Context, scope string, deviceID uint32) {
	if e.instr != nil {
		e.instr.RecordRotation(ctx, scope, deviceID)
	}
}

// finalize signs header||payload with priv and marshals the full packet.
func (e *Engine) finalize(hdr proto.Header, payload []byte, priv ed25519.PrivateKey) ([]byte, error) {
	pkt := proto.Packet{Header: hdr, Payload: payload}
	pkt.Signature = cryptutil.Sign(priv, pkt.SigningBytes())
	return pkt.Marshal()
}

func (e *Engine) sendOrWrap(ctx context.Context, to net.Addr, data []byte) error {
	if err := e.transport.Send(ctx, to, data); err != nil {
		return fmt.Errorf("shdc: engine: send to %s: %w", to, shdcerr.ErrSendFailed)
	}
	return nil
}

func (e *Engine) allocateDeviceID() uint32 {
	if e.cfg.DeviceIDAllocator != nil {
		return e.cfg.DeviceIDAllocator()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSensorID++
	return e.nextSensorID
}

// ResetSensor evicts deviceID's hub-side bookkeeping (administrative
// reset / key mismatch transition back to UNKNOWN) and fires
// OnDeviceLeft.
func (e *Engine) ResetSensor(deviceID uint32) error {
	if e.role != RoleHub {
		return fmt.Errorf("shdc: engine: reset sensor: %w", shdcerr.ErrWrongState)
	}
	e.mu.Lock()
	delete(e.sensors, deviceID)
	delete(e.sessionSched, deviceID)
	e.mu.Unlock()
	e.keystore.RemoveSensor(deviceID)
	if e.handlers.OnDeviceLeft != nil {
		e.handlers.OnDeviceLeft(deviceID)
	}
	return nil
}

// DeviceID returns the engine's own device id: fixed for a hub,
// DeviceUnassigned for a sensor until Join succeeds.
func (e *Engine) DeviceID() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deviceID
}

// SelfState reports a sensor's own state machine position. Hub
// engines always report StateActive.
func (e *Engine) SelfState() State {
	if e.role == RoleHub {
		return StateActive
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.selfState
}
