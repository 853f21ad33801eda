// Package replay implements the SHDC freshness and duplicate-nonce
// defense: a ±30s timestamp skew check combined with a recent
// (DeviceId, Nonce3) set, swept lazily so memory stays bounded.
package replay

import (
	"fmt"
	"sync"
	"time"

	"github.com/shdc-project/shdc/pkg/proto"
	"github.com/shdc-project/shdc/pkg/shdcerr"
)

// Config controls the freshness window and sweep cadence.
type Config struct {
	// SkewWindow is the maximum allowed |now - header.timestamp|.
	SkewWindow time.Duration
	// RetainWindow is how long an accepted (DeviceId, Nonce3) is kept
	// to detect replays; must be >= SkewWindow*2 to cover every packet
	// that could still arrive within the skew band.
	RetainWindow time.Duration
	// SweepEvery triggers a prune pass every N accepted insertions.
	SweepEvery uint64
}

func (c Config) withDefaults() Config {
	if c.SkewWindow <= 0 {
		c.SkewWindow = 30 * time.Second
	}
	if c.RetainWindow <= 0 {
		c.RetainWindow = 60 * time.Second
	}
	if c.SweepEvery == 0 {
		c.SweepEvery = 256
	}
	return c
}

type entryKey struct {
	deviceID uint32
	nonce    proto.Nonce3
}

// Guard is the thread-safe replay/freshness checker shared by a hub or
// sensor engine instance.
type Guard struct {
	mu      sync.Mutex
	cfg     Config
	seen    map[entryKey]time.Time
	inserts uint64
}

// New builds a Guard with the given configuration.
func New(cfg Config) *Guard {
	cfg = cfg.withDefaults()
	return &Guard{
		cfg:  cfg,
		seen: make(map[entryKey]time.Time),
	}
}

// Check applies spec §4.4's three steps against now: reject stale
// timestamps, reject already-seen nonces, otherwise record the entry.
func (g *Guard) Check(deviceID uint32, nonce proto.Nonce3, timestamp uint32, now time.Time) error {
	skew := now.Unix() - int64(timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(g.cfg.SkewWindow/time.Second) {
		return fmt.Errorf("shdc: replay: device 0x%08x: %w", deviceID, shdcerr.ErrStaleTimestamp)
	}

	key := entryKey{deviceID: deviceID, nonce: nonce}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.seen[key]; dup {
		return fmt.Errorf("shdc: replay: device 0x%08x: %w", deviceID, shdcerr.ErrReplayedNonce)
	}
	g.seen[key] = now
	g.inserts++
	if g.inserts%g.cfg.SweepEvery == 0 {
		g.sweepLocked(now)
	}
	return nil
}

// Sweep forces a prune pass; exported for tests and for a caller that
// wants to drive sweeping from its own timer instead of insert counts.
func (g *Guard) Sweep(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweepLocked(now)
}

func (g *Guard) sweepLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.RetainWindow)
	for k, t := range g.seen {
		if t.Before(cutoff) {
			delete(g.seen, k)
		}
	}
}

// Len reports the number of tracked entries; test/diagnostic use only.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
