// Package statemgr persists and restores the daemon's DaemonState document:
// a versioned packed-map of every torrent's resume data, aggregate session
// stats, and per-component state.
package statemgr

import (
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/torrentsession"
)

// currentVersion is bumped whenever the on-disk shape changes in a way that
// requires a migration step.
const currentVersion = 1

// TorrentState is the persisted record for one torrent: its snapshot plus
// the magnet or tracker list needed to re-add it without the original
// .torrent file.
type TorrentState struct {
	MagnetURI string // empty if added from a.torrent file
	MetaInfoPath string // path to the cached.torrent file, empty if magnet-only
	Snapshot torrentsession.Snapshot
	Options []OptionRecord
}

// OptionRecord is a persisted, re-appliable form of torrentsession.Option;
// the closed sum type doesn't round-trip through gob directly since it's
// interface-typed, so each variant is recorded with a discriminant tag.
type OptionRecord struct {
	Kind string // "piece_selection" | "streaming_mode" | "max_peers" | "rate_limit" | "priority"
	Int int
	Bool bool
	Str string
	Down uint32
	Up uint32
}

// SessionState captures aggregate daemon-wide counters across restarts.
type SessionState struct {
	TotalDownloaded int64
	TotalUploaded int64
	StartCount int
}

// ComponentState is a free-form bag for a named component's own persisted
// fields; e.g. the DHT routing table's last bootstrap nodes, or the NAT
// manager's last-known external port.
type ComponentState struct {
	Name string
	Data map[string]string
}

// DaemonState is the top-level document.
type DaemonState struct {
	Version int
	CreatedAt time.Time
	UpdatedAt time.Time
	Torrents map[string]TorrentState // keyed by lowercase hex info-hash
	Session SessionState
	Components []ComponentState
}

// New returns an empty state document stamped with the current version.
func New() *DaemonState {
	now := time.Now()
	return &DaemonState{
		Version: currentVersion,
		CreatedAt: now,
		UpdatedAt: now,
		Torrents: make(map[string]TorrentState),
	}
}
