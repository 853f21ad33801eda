// Package keystore holds the in-memory key material an SHDC engine
// needs at runtime: the local identity keypair, hub-side sensor
// records and broadcast key generations, and sensor-side hub records.
// A PersistentStore may be wired in for load/save of the durable
// pieces; a default in-memory implementation ships so the engine works
// standalone.
package keystore

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/shdc-project/shdc/pkg/cryptutil"
	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// Identity is a device's stable Ed25519 identity keypair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// SensorRecord is the hub's bookkeeping for one joined sensor.
type SensorRecord struct {
	DeviceID            uint32
	IdentityPubKey      ed25519.PublicKey
	SessionKey          [proto.SymmetricKeySize]byte
	PrevSessionKey      [proto.SymmetricKeySize]byte
	HasPrevSessionKey   bool
	PrevSessionExpiry   time.Time
	LastSeen            time.Time
	BroadcastKeyIDAcked uint8
}

// HubRecord is the sensor's bookkeeping about the hub it joined.
type HubRecord struct {
	HubID          uint32
	HubPubKey      ed25519.PublicKey
	HubAddr        string
	SessionKey     [proto.SymmetricKeySize]byte
	BroadcastKey   [proto.SymmetricKeySize]byte
	BroadcastKeyID uint8
}

type broadcastSlot struct {
	key    [proto.SymmetricKeySize]byte
	id     uint8
	expiry time.Time // zero means "does not expire" (the current slot)
}

// PersistentStore is the external durable-storage boundary: on-disk key
// files with restrictive permissions are out of scope for this module,
// but the engine calls through this interface so a caller can supply
// one.
type PersistentStore interface {
	LoadIdentity() (Identity, bool, error)
	SaveIdentity(Identity) error
	ListPeers() ([]SensorRecord, error)
	PutPeer(SensorRecord) error
}

// Keystore is the single shared mutable structure an engine instance
// uses; every accessor is safe for concurrent use.
type Keystore struct {
	mu sync.RWMutex

	identity Identity
	store    PersistentStore

	sensors map[uint32]*SensorRecord // hub-side
	hub     *HubRecord               // sensor-side

	currentBroadcast  broadcastSlot
	previousBroadcast *broadcastSlot
}

// New builds a Keystore. If store already holds an identity it is
// loaded; otherwise a fresh identity is generated and persisted.
func New(store PersistentStore) (*Keystore, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	ks := &Keystore{
		store:   store,
		sensors: make(map[uint32]*SensorRecord),
	}

	id, ok, err := store.LoadIdentity()
	if err != nil {
		return nil, fmt.Errorf("shdc: keystore: load identity: %w", err)
	}
	if !ok {
		pub, priv, err := cryptutil.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("shdc: keystore: generate identity: %w", err)
		}
		id = Identity{Public: pub, Private: priv}
		if err := store.SaveIdentity(id); err != nil {
			return nil, fmt.Errorf("shdc: keystore: save identity: %w", err)
		}
	}
	if len(id.Public) != ed25519.PublicKeySize || len(id.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("shdc: keystore: %w", shdcerr.ErrIdentityMissing)
	}
	ks.identity = id

	peers, err := store.ListPeers()
	if err != nil {
		return nil, fmt.Errorf("shdc: keystore: list peers: %w", err)
	}
	for i := range peers {
		p := peers[i]
		ks.sensors[p.DeviceID] = &p
	}

	initialKey, err := cryptutil.RandKey()
	if err != nil {
		return nil, fmt.Errorf("shdc: keystore: initial broadcast key: %w", err)
	}
	ks.currentBroadcast = broadcastSlot{key: initialKey, id: 0}

	return ks, nil
}

// Identity returns the local device's stable keypair.
func (ks *Keystore) Identity() Identity {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.identity
}

// PutSensor installs or replaces a sensor record and persists it.
func (ks *Keystore) PutSensor(rec SensorRecord) error {
	ks.mu.Lock()
	cp := rec
	ks.sensors[rec.DeviceID] = &cp
	store := ks.store
	ks.mu.Unlock()
	return store.PutPeer(rec)
}

// GetSensor returns a copy of the sensor record for deviceID, if known.
func (ks *Keystore) GetSensor(deviceID uint32) (SensorRecord, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	rec, ok := ks.sensors[deviceID]
	if !ok {
		return SensorRecord{}, false
	}
	return *rec, true
}

// RemoveSensor evicts a sensor record (administrative reset / key
// mismatch transition back to UNKNOWN).
func (ks *Keystore) RemoveSensor(deviceID uint32) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.sensors, deviceID)
}

// ListSensors returns a snapshot of all known sensor records.
func (ks *Keystore) ListSensors() []SensorRecord {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]SensorRecord, 0, len(ks.sensors))
	for _, rec := range ks.sensors {
		out = append(out, *rec)
	}
	return out
}

// SetHubRecord installs the sensor-side record of its joined hub.
func (ks *Keystore) SetHubRecord(hr HubRecord) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	cp := hr
	ks.hub = &cp
}

// HubRecord returns the sensor-side hub record, if joined.
func (ks *Keystore) HubRecord() (HubRecord, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.hub == nil {
		return HubRecord{}, false
	}
	return *ks.hub, true
}

// UpdateHubRecord applies fn to the current hub record under lock and
// stores the result; it is used by rotation handling on the sensor
// side to install a new session or broadcast key in place.
func (ks *Keystore) UpdateHubRecord(fn func(HubRecord) HubRecord) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.hub == nil {
		return fmt.Errorf("shdc: keystore: update hub record: %w", shdcerr.ErrUnknownDevice)
	}
	updated := fn(*ks.hub)
	ks.hub = &updated
	return nil
}

// RotateSensorSession installs a fresh session key for deviceID,
// retaining the previous key until graceWindow elapses.
func (ks *Keystore) RotateSensorSession(deviceID uint32, graceWindow time.Duration) ([proto.SymmetricKeySize]byte, error) {
	newKey, err := cryptutil.RandKey()
	if err != nil {
		return newKey, err
	}
	ks.mu.Lock()
	rec, ok := ks.sensors[deviceID]
	if !ok {
		ks.mu.Unlock()
		return newKey, fmt.Errorf("shdc: keystore: rotate session: %w", shdcerr.ErrUnknownDevice)
	}
	rec.PrevSessionKey = rec.SessionKey
	rec.HasPrevSessionKey = true
	rec.PrevSessionExpiry = time.Now().Add(graceWindow)
	rec.SessionKey = newKey
	snapshot := *rec
	store := ks.store
	ks.mu.Unlock()
	return newKey, store.PutPeer(snapshot)
}

// ResolveSessionKey returns the key that should be tried first (the
// current one) and, if the grace window has not elapsed, the previous
// key as a fallback for P6 rotation continuity.
func (ks *Keystore) ResolveSessionKey(deviceID uint32) (current [proto.SymmetricKeySize]byte, previous [proto.SymmetricKeySize]byte, havePrevious bool, err error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	rec, ok := ks.sensors[deviceID]
	if !ok {
		return current, previous, false, fmt.Errorf("shdc: keystore: resolve session key: %w", shdcerr.ErrUnknownDevice)
	}
	current = rec.SessionKey
	if rec.HasPrevSessionKey && time.Now().Before(rec.PrevSessionExpiry) {
		previous = rec.PrevSessionKey
		havePrevious = true
	}
	return current, previous, havePrevious, nil
}

// RotateBroadcast installs a fresh hub-wide broadcast key, assigning
// the next id (mod 256, never equal to the outgoing id), retaining the
// previous key/id until graceWindow elapses.
func (ks *Keystore) RotateBroadcast(graceWindow time.Duration) (key [proto.SymmetricKeySize]byte, id uint8, err error) {
	newKey, err := cryptutil.RandKey()
	if err != nil {
		return key, 0, err
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	prev := ks.currentBroadcast
	prev.expiry = time.Now().Add(graceWindow)
	ks.previousBroadcast = &prev

	// uint8 wraparound of +1 can never equal prev.id, satisfying the
	// "new id never equals the currently-active id" wrap policy.
	newID := prev.id + 1
	ks.currentBroadcast = broadcastSlot{key: newKey, id: newID}
	return newKey, newID, nil
}

// CurrentBroadcast returns the active broadcast key and its id.
func (ks *Keystore) CurrentBroadcast() ([proto.SymmetricKeySize]byte, uint8) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentBroadcast.key, ks.currentBroadcast.id
}

// ResolveBroadcastKey finds the key for a given BroadcastKeyId: the
// current key always matches its own id; the previous key matches only
// until its grace window expires.
func (ks *Keystore) ResolveBroadcastKey(id uint8) ([proto.SymmetricKeySize]byte, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if id == ks.currentBroadcast.id {
		return ks.currentBroadcast.key, true
	}
	if ks.previousBroadcast != nil && id == ks.previousBroadcast.id && time.Now().Before(ks.previousBroadcast.expiry) {
		return ks.previousBroadcast.key, true
	}
	return [proto.SymmetricKeySize]byte{}, false
}

// SeedBroadcast installs an externally-provided broadcast key and id,
// used by a sensor adopting the key it received in JOIN_RESPONSE. It
// replaces the current slot and leaves any previous slot untouched; a
// KEY_ROTATION is applied through AdoptBroadcastRotation instead.
func (ks *Keystore) SeedBroadcast(key [proto.SymmetricKeySize]byte, id uint8) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.currentBroadcast = broadcastSlot{key: key, id: id}
}

// AdoptBroadcastRotation moves the current key to previous (with
// expiry) and installs a new current key/id, mirroring the hub-side
// rotation bookkeeping but driven by a received KEY_ROTATION rather
// than local generation.
func (ks *Keystore) AdoptBroadcastRotation(newKey [proto.SymmetricKeySize]byte, newID uint8, graceWindow time.Duration) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	prev := ks.currentBroadcast
	prev.expiry = time.Now().Add(graceWindow)
	ks.previousBroadcast = &prev
	ks.currentBroadcast = broadcastSlot{key: newKey, id: newID}
}
