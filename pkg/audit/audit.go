// Package audit accumulates a running BLAKE3 hash over the engine's
// join and rotation events. It is diagnostic evidence only: dropping
// it changes no protocol invariant, but it gives an operator a single
// commitment they can compare across hub and sensor logs after the
// fact.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// JoinEvent is recorded when a sensor completes JOIN_RESPONSE and is
// promoted to ACTIVE.
type JoinEvent struct {
	DeviceID  uint32    `json:"device_id"`
	RemoteAddr string   `json:"remote_addr"`
	Timestamp time.Time `json:"timestamp"`
}

// RotationEvent is recorded for every completed session or broadcast
// key rotation.
type RotationEvent struct {
	Scope     string    `json:"scope"` // "session" or "broadcast"
	DeviceID  uint32    `json:"device_id,omitempty"`
	KeyID     uint8     `json:"key_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type logEntry struct {
	label string
	data  json.RawMessage
}

// Trail is a thread-safe, append-only transcript of admission and
// rotation events, folded into a single BLAKE3 commitment.
type Trail struct {
	mu     sync.Mutex
	hasher *blake3.Hasher
	log    []logEntry
}

// NewTrail starts a fresh transcript scoped to domain (the engine
// passes its hex-encoded identity public key) so two independent
// engines' transcripts never collide even if their event sequences
// match.
func NewTrail(domain string) *Trail {
	h := blake3.New()
	_, _ = h.Write([]byte("shdc-audit:"))
	_, _ = h.Write([]byte(domain))
	return &Trail{hasher: h, log: make([]logEntry, 0, 16)}
}

// RecordJoin folds a JoinEvent into the transcript.
func (t *Trail) RecordJoin(ev JoinEvent) error {
	return t.append("join", ev)
}

// RecordRotation folds a RotationEvent into the transcript.
func (t *Trail) RecordRotation(ev RotationEvent) error {
	return t.append("rotation", ev)
}

func (t *Trail) append(label string, v any) error {
	serialized, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("shdc: audit: marshal %s: %w", label, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.hasher.Write([]byte(label)); err != nil {
		return fmt.Errorf("shdc: audit: write label: %w", err)
	}
	var lenBuf [8]byte
	length := uint64(len(serialized))
	for i := 0; i < 8; i++ {
		lenBuf[i] = byte(length >> (56 - 8*i))
	}
	if _, err := t.hasher.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("shdc: audit: write length: %w", err)
	}
	if _, err := t.hasher.Write(serialized); err != nil {
		return fmt.Errorf("shdc: audit: write body: %w", err)
	}

	t.log = append(t.log, logEntry{label: label, data: serialized})
	return nil
}

// Hash returns the current transcript commitment.
func (t *Trail) Hash() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasher.Clone().Sum(nil)
}

// Entries returns a snapshot of every recorded "label:json" line, for
// operators inspecting diagnostics output.
func (t *Trail) Entries() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.log))
	for i, e := range t.log {
		out[i] = fmt.Sprintf("%s:%s", e.label, string(e.data))
	}
	return out
}
