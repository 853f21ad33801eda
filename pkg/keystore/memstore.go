package keystore

import "sync"

// MemoryStore is the default in-memory PersistentStore: it makes the
// engine usable standalone, with no durability across process restarts.
// A disk-backed implementation with restrictive file permissions is an
// external concern.
type MemoryStore struct {
	mu       sync.Mutex
	identity Identity
	hasID    bool
	peers    map[uint32]SensorRecord
}

// NewMemoryStore returns an empty in-memory PersistentStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[uint32]SensorRecord)}
}

func (m *MemoryStore) LoadIdentity() (Identity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.hasID, nil
}

func (m *MemoryStore) SaveIdentity(id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = id
	m.hasID = true
	return nil
}

func (m *MemoryStore) ListPeers() ([]SensorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SensorRecord, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out, nil
}

func (m *MemoryStore) PutPeer(rec SensorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[rec.DeviceID] = rec
	return nil
}
