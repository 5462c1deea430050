// Package picker selects the next block to request from a peer, implementing
// the rarest-first, sequential, streaming, and endgame piece-selection
// policies.
package picker

import (
	"sort"
	"sync"
)

// Policy selects how a torrent orders its piece requests.
type Policy int

const (
	RarestFirst Policy = iota
	Sequential
	Streaming
)

// Priority is a per-piece download priority, set from the piece's file.
// PriorityDoNotDownload excludes a piece under every policy. Rarest-first
// orders candidates by priority (higher first) before availability; it is a
// sort key, not a multiplier, and the sequential and streaming policies
// ignore the other levels.
type Priority int

const (
	PriorityDoNotDownload Priority = 0
	PriorityLow Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh Priority = 3
	PriorityMaximum Priority = 4
)

const defaultBlockLength = 16384

// Block is one (piece_index, begin, length) request unit.
type Block struct {
	PieceIndex int
	Begin int64
	Length int64
}

// PeerView is the minimal state the picker needs about one peer: its
// advertised bitfield, plus which blocks are already in flight on its
// connection so endgame requests don't pile onto the same block.
type PeerView interface {
	HasPiece(index int) bool
	HasOutstanding(b Block) bool
}

// Picker tracks global piece availability and per-piece progress and
// produces the next block to request.
type Picker struct {
	mu sync.Mutex

	numPieces int
	pieceLength int64
	totalLength int64
	policy Policy
	endgameBelow int // remaining-piece count below which endgame kicks in

	have []bool // pieces we have fully verified
	availability []int // global count of peers known to have each piece
	priority []Priority
	nextBlockByPiece []int64 // next begin offset to hand out within a piece (ascending-begin scheduling)
	outstanding map[int]map[int64]bool // piece -> begin -> requested (non-endgame)

	streamingCursor int
	streamingWindow int
}

// New creates a picker for a torrent with the given piece layout.
func New(numPieces int, pieceLength, totalLength int64, policy Policy) *Picker {
	p := &Picker{
		numPieces: numPieces,
		pieceLength: pieceLength,
		totalLength: totalLength,
		policy: policy,
		endgameBelow: 5,
		have: make([]bool, numPieces),
		availability: make([]int, numPieces),
		priority: make([]Priority, numPieces),
		nextBlockByPiece: make([]int64, numPieces),
		outstanding: make(map[int]map[int64]bool),
		streamingWindow: 8,
	}
	for i := range p.priority {
		p.priority[i] = PriorityNormal
	}
	return p
}

// SetEndgameThreshold overrides the remaining-piece count below which
// endgame request duplication kicks in.
func (p *Picker) SetEndgameThreshold(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endgameBelow = n
}

// SetStreamingWindowSize overrides the streaming policy's window size
// around the playback cursor.
func (p *Picker) SetStreamingWindowSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamingWindow = n
}

// SetPriority sets the priority of a single piece.
func (p *Picker) SetPriority(index int, pr Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority[index] = pr
}

// SetStreamingCursor moves the streaming playback cursor (piece index).
func (p *Picker) SetStreamingCursor(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamingCursor = index
}

// MarkHave records that we now have a fully verified piece.
func (p *Picker) MarkHave(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.have[index] = true
	delete(p.outstanding, index)
}

// PeerHasPiece adjusts global availability when a peer announces a piece
// (BITFIELD or HAVE).
func (p *Picker) PeerHasPiece(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.availability[index]++
}

// PeerLostPiece decrements availability, e.g. on peer disconnect.
func (p *Picker) PeerLostPiece(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.availability[index] > 0 {
		p.availability[index]--
	}
}

func (p *Picker) remaining() int {
	n := 0
	for _, h := range p.have {
		if !h {
			n++
		}
	}
	return n
}

// inEndgame reports whether the remaining-piece count has dropped below the
// endgame threshold.
func (p *Picker) inEndgame() bool {
	return p.remaining() < p.endgameBelow && p.remaining() > 0
}

func (p *Picker) pieceLen(index int) int64 {
	begin := int64(index) * p.pieceLength
	end := begin + p.pieceLength
	if end > p.totalLength {
		end = p.totalLength
	}
	return end - begin
}

// candidatePieces returns the set of piece indices the peer has that we
// don't, excluding do-not-download priority pieces, ordered per policy.
func (p *Picker) candidatePieces(peer PeerView) []int {
	var candidates []int
	for i := 0; i < p.numPieces; i++ {
		if p.have[i] || p.priority[i] == PriorityDoNotDownload {
			continue
		}
		if !peer.HasPiece(i) {
			continue
		}
		candidates = append(candidates, i)
	}

	switch p.policy {
	case Sequential:
		sort.Ints(candidates)
	case Streaming:
		cursor := p.streamingCursor
		window := p.streamingWindow
		sort.Slice(candidates, func(a, b int) bool {
				ca, cb := candidates[a], candidates[b]
				inA := ca >= cursor && ca < cursor+window
				inB := cb >= cursor && cb < cursor+window
				if inA != inB {
					return inA // in-window pieces sort first
				}
				if inA && inB {
					return ca < cb
				}
				// outside the window, fall back to rarest-first ordering
				if p.availability[ca] != p.availability[cb] {
					return p.availability[ca] < p.availability[cb]
				}
				return ca < cb
		})
	default: // RarestFirst
		sort.Slice(candidates, func(a, b int) bool {
				ca, cb := candidates[a], candidates[b]
				wa := int(p.priority[ca])
				wb := int(p.priority[cb])
				if wa != wb {
					return wa > wb // higher priority first
				}
				if p.availability[ca] != p.availability[cb] {
					return p.availability[ca] < p.availability[cb]
				}
				return ca < cb
		})
	}
	return candidates
}

// NextBlock returns the next block to request from peer, or nil if nothing
// is currently requestable (peer chokes us out or we've requested
// everything the peer can currently serve).
func (p *Picker) NextBlock(peer PeerView) *Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inEndgame() {
		return p.nextEndgameBlock(peer)
	}

	for _, idx := range p.candidatePieces(peer) {
		begin := p.nextBlockByPiece[idx]
		for b := int64(0); b < begin; b += defaultBlockLength {
			if !p.outstanding[idx][b] {
				begin = b // a block released below the cursor goes out again first
				break
			}
		}
		length := p.pieceLen(idx)
		if begin >= length {
			continue // piece fully requested, awaiting completion
		}
		blockLen := int64(defaultBlockLength)
		if begin+blockLen > length {
			blockLen = length - begin
		}
		if p.outstanding[idx] == nil {
			p.outstanding[idx] = make(map[int64]bool)
		}
		if p.outstanding[idx][begin] {
			continue
		}
		p.outstanding[idx][begin] = true
		if begin+blockLen > p.nextBlockByPiece[idx] {
			p.nextBlockByPiece[idx] = begin + blockLen
		}
		return &Block{PieceIndex: idx, Begin: begin, Length: blockLen}
	}
	return nil
}

// nextEndgameBlock requests an already-outstanding block from every peer
// that has it, racing completions. No CANCEL is sent to the other peers once
// a copy arrives; each duplicate block is written when it lands. It walks every block of
// each eligible piece and skips the ones already in flight on this specific
// peer, so a single peer is offered distinct begins instead of block 0
// forever; the same block can still be handed to other peers concurrently,
// which is the point of racing.
func (p *Picker) nextEndgameBlock(peer PeerView) *Block {
	for idx := 0; idx < p.numPieces; idx++ {
		if p.have[idx] || !peer.HasPiece(idx) {
			continue
		}
		length := p.pieceLen(idx)
		for begin := int64(0); begin < length; begin += defaultBlockLength {
			blockLen := int64(defaultBlockLength)
			if begin+blockLen > length {
				blockLen = length - begin
			}
			b := Block{PieceIndex: idx, Begin: begin, Length: blockLen}
			if peer.HasOutstanding(b) {
				continue
			}
			return &b
		}
	}
	return nil
}

// ReleaseBlock frees a block's outstanding marker, e.g. after a CHOKE
// requires every pending request to be re-queued elsewhere.
func (p *Picker) ReleaseBlock(b Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.outstanding[b.PieceIndex]; ok {
		delete(s, b.Begin)
	}
}

// ReleaseAllForPeer is called on peer disconnect/choke to requeue every
// block the caller tracked for that peer.
func (p *Picker) ReleaseAllForPeer(blocks []Block) {
	for _, b := range blocks {
		p.ReleaseBlock(b)
	}
}

// NumPieces returns the torrent's total piece count.
func (p *Picker) NumPieces() int { return p.numPieces }

// ResetPiece clears a piece's in-progress state so its blocks can be
// re-requested from scratch, e.g. after a SHA-1 mismatch on assembly.
func (p *Picker) ResetPiece(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextBlockByPiece[index] = 0
	delete(p.outstanding, index)
}
