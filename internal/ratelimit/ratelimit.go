// Package ratelimit implements the leaky-bucket rate limiting of :
// one shared bucket per direction per session manager, with per-torrent
// buckets drawing "in addition to" the global bucket.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// unlimitedBurst is the limiter rate of a bucket with no cap (0 in config).
const unlimitedBurst = rate.Inf

// Bucket wraps a token-bucket limiter for one direction (down or up).
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket creates a bucket capped at kibPerSec KiB/s. A cap of 0 means
// unlimited.
func NewBucket(kibPerSec int) *Bucket {
	if kibPerSec <= 0 {
		return &Bucket{limiter: rate.NewLimiter(unlimitedBurst, 0)}
	}
	bytesPerSec := kibPerSec * 1024
	// Burst sized to one second of traffic, smoothing short spikes while
	// the long-run rate stays at kibPerSec KiB/s.
	return &Bucket{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

// WaitN blocks until n bytes' worth of tokens are available or ctx is done.
func (b *Bucket) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return b.limiter.WaitN(ctx, n)
}

// SetLimit updates the bucket's rate (e.g. on a hot config reload).
func (b *Bucket) SetLimit(kibPerSec int) {
	if kibPerSec <= 0 {
		b.limiter.SetLimit(unlimitedBurst)
		return
	}
	bytesPerSec := kibPerSec * 1024
	b.limiter.SetLimit(rate.Limit(bytesPerSec))
	b.limiter.SetBurst(bytesPerSec)
}

// Direction distinguishes download from upload buckets.
type Direction int

const (
	Down Direction = iota
	Up
)

// Manager owns the one shared global bucket per direction plus an overlay
// of per-torrent buckets, keyed by info-hash hex string to avoid importing
// the metainfo package (avoiding an import cycle with torrentsession).
type Manager struct {
	mu sync.Mutex
	global [2]*Bucket
	perTorrent map[string][2]*Bucket
}

// NewManager builds a manager with the given global down/up caps in KiB/s.
func NewManager(globalDownKiB, globalUpKiB int) *Manager {
	return &Manager{
		global: [2]*Bucket{NewBucket(globalDownKiB), NewBucket(globalUpKiB)},
		perTorrent: make(map[string][2]*Bucket),
	}
}

// SetTorrentLimit installs (or updates) a per-torrent override bucket.
func (m *Manager) SetTorrentLimit(infoHashHex string, downKiB, upKiB int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perTorrent[infoHashHex] = [2]*Bucket{NewBucket(downKiB), NewBucket(upKiB)}
}

// ClearTorrentLimit removes a per-torrent override, falling back to the
// global bucket alone.
func (m *Manager) ClearTorrentLimit(infoHashHex string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perTorrent, infoHashHex)
}

// Wait draws n bytes from the global bucket and, if present, the named
// torrent's override bucket, in that order.
func (m *Manager) Wait(ctx context.Context, infoHashHex string, dir Direction, n int) error {
	if err := m.global[dir].WaitN(ctx, n); err != nil {
		return err
	}
	m.mu.Lock()
	override, ok := m.perTorrent[infoHashHex]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return override[dir].WaitN(ctx, n)
}

// SetGlobalLimit updates the shared global caps (e.g. on hot reload).
func (m *Manager) SetGlobalLimit(downKiB, upKiB int) {
	m.global[Down].SetLimit(downKiB)
	m.global[Up].SetLimit(upKiB)
}
