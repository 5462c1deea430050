// Package torrentsession composes storage, the piece picker, the announce
// controller, and a pool of peer-wire sessions into a single torrent's
// lifecycle.
package torrentsession

import (
	"fmt"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/picker"
)

// Option is the closed sum type for per-torrent overrides of global
// strategy. The concrete types below are the only implementations;
// SetOption rejects anything else.
type Option interface {
	applyTo(*optionState)
}

// PieceSelection sets the torrent's block-selection policy. The picker takes
// the policy when it is created as storage opens; a later change is recorded
// and reported by Options but does not change the running picker.
type PieceSelection picker.Policy

func (o PieceSelection) applyTo(s *optionState) { s.pieceSelection = picker.Policy(o) }

// StreamingMode records a streaming flag that Options reports. The picker
// does not read it; the streaming policy is chosen with
// PieceSelection(picker.Streaming).
type StreamingMode bool

func (o StreamingMode) applyTo(s *optionState) { s.streamingMode = bool(o) }

// MaxPeers caps the number of simultaneous peer-wire connections for this
// torrent, overriding the global default.
type MaxPeers uint32

func (o MaxPeers) applyTo(s *optionState) { s.maxPeers = uint32(o) }

// RateLimit sets a per-torrent leaky-bucket override, drawn in addition to
// the global bucket.
type RateLimit struct {
	DownKiB uint32
	UpKiB uint32
}

func (o RateLimit) applyTo(s *optionState) { s.downKiB, s.upKiB = o.DownKiB, o.UpKiB }

// Priority sets a per-file download priority, applied to each piece of that
// file; picker.Priority describes how the picker uses the level.
type Priority struct {
	FileIndex int
	Level picker.Priority
}

func (o Priority) applyTo(s *optionState) {
	if s.priorities == nil {
		s.priorities = make(map[int]picker.Priority)
	}
	s.priorities[o.FileIndex] = o.Level
}

// optionState is the mutable options bag a Session holds; Options() returns
// a snapshot copy.
type optionState struct {
	pieceSelection picker.Policy
	streamingMode bool
	maxPeers uint32
	downKiB uint32
	upKiB uint32
	priorities map[int]picker.Priority
}

func defaultOptionState(globalMaxPeers int) optionState {
	return optionState{
		pieceSelection: picker.RarestFirst,
		maxPeers: uint32(globalMaxPeers),
	}
}

// validateOption rejects anything outside the closed sum type above. Every
// concrete Option implementation already satisfies the interface at compile
// time, so this only matters for a caller that fabricates a zero-value
// interface, e.g. from a partially-decoded IPC request.
func validateOption(opt Option) error {
	switch opt.(type) {
	case PieceSelection, StreamingMode, MaxPeers, RateLimit, Priority:
		return nil
	default:
		return ccerr.Validation("torrentsession.SetOption", fmt.Errorf("unknown option type %T", opt))
	}
}
