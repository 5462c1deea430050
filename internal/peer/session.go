// Package peer drives one peer-wire connection through its full lifecycle:
// handshake, the four-dimensional choke/interest sub-state, adaptive request
// pipelining, piece verification, and the conditions that tear the
// connection down.
package peer

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/picker"
	"github.com/ccBitTorrent/ccbt-sub001/internal/storage"
	"github.com/ccBitTorrent/ccbt-sub001/internal/wire"
)

// State is the coarse connection lifecycle.
type State int

const (
	Connecting State = iota
	HandshakeSent
	HandshakeVerified
	Operational
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case HandshakeSent:
		return "handshake_sent"
	case HandshakeVerified:
		return "handshake_verified"
	case Operational:
		return "operational"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// defaultHandshakeTimeout is used when the caller doesn't supply an override
// (e.g. in tests); it matches the configured network default.
const defaultHandshakeTimeout = 30 * time.Second

const (
	idleTimeout = 2 * time.Minute
	shaMismatchLimit = 3 // consecutive bad pieces from this peer before we drop it
	minPipelineDepth = 8
	maxPipelineDepth = 64
	keepAliveInterval = 90 * time.Second
)

// outstandingRequest tracks one in-flight block request for RTT measurement
// and PIECE/unsolicited-data matching.
type outstandingRequest struct {
	block picker.Block
	sentAt time.Time
}

// Session owns one peer-wire TCP connection for a single torrent.
type Session struct {
	conn net.Conn
	remoteAddr net.Addr
	infoHash [20]byte
	localID [20]byte
	RemoteID [20]byte

	picker *picker.Picker
	storage *storage.Storage

	mu sync.Mutex
	state State

	// four-dimensional Operational sub-state
	amChoking bool
	amInterested bool
	peerChoking bool
	peerInterested bool

	bitfield []bool // pieces the remote peer has announced

	handshakeTimeout time.Duration

	outstanding map[picker.Block]outstandingRequest
	pieceReceived map[int]map[int64]int64 // piece index -> begin -> block length, for completion detection
	pipelineCap int
	ewmaRTT time.Duration

	shaMismatches int
	reputation int

	bytesUp int64
	bytesDown int64

	lastActivity time.Time

	// OnHaveVerified is invoked with a piece index once it has been
	// SHA-1 verified, so the owning torrent session can broadcast HAVE
	// to every other peer.
	OnHaveVerified func(index int)
	// OnClosed is invoked once the session's run loop exits, with the
	// reason. The torrent session uses this to remove the peer from its
	// pool; the peer's outstanding blocks have already been released back
	// to the picker by then.
	OnClosed func(reason error)

	stop chan struct{}
}

// New wraps an already-dialed/accepted connection. The handshake has not
// happened yet; call Run to drive it through Connecting -> Operational.
// handshakeTimeout of zero falls back to defaultHandshakeTimeout.
func New(conn net.Conn, infoHash, localID [20]byte, p *picker.Picker, st *storage.Storage, handshakeTimeout time.Duration) *Session {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &Session{
		conn: conn,
		remoteAddr: conn.RemoteAddr(),
		infoHash: infoHash,
		localID: localID,
		picker: p,
		storage: st,
		state: Connecting,
		amChoking: true,
		peerChoking: true,
		bitfield: make([]bool, p.NumPieces()),
		handshakeTimeout: handshakeTimeout,
		outstanding: make(map[picker.Block]outstandingRequest),
		pieceReceived: make(map[int]map[int64]int64),
		pipelineCap: minPipelineDepth,
		lastActivity: time.Now(),
		stop: make(chan struct{}),
	}
}

// HasPiece implements picker.PeerView.
func (s *Session) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return index >= 0 && index < len(s.bitfield) && s.bitfield[index]
}

// HasOutstanding implements picker.PeerView: reports whether this block is
// already an in-flight request on this peer's connection.
func (s *Session) HasOutstanding(b picker.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.outstanding[b]
	return ok
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run performs the handshake (as the connection initiator if weDialed is
// true, otherwise by reading the peer's handshake first) and then drives the
// message loop until the connection closes or ctx is canceled.
func (s *Session) Run(ctx context.Context, weDialed bool) {
	defer s.conn.Close()

	reason := s.handshakeAndServe(ctx, weDialed)

	s.mu.Lock()
	s.state = Closing
	s.mu.Unlock()

	if s.OnClosed != nil {
		s.OnClosed(reason)
	}
}

// RunPostHandshake drives the Operational message loop for a connection
// whose 68-byte handshake has already been read and answered by the caller.
// It skips straight to Operational instead of re-reading a handshake that
// isn't coming.
func (s *Session) RunPostHandshake(ctx context.Context, remote *wire.Handshake) {
	defer s.conn.Close()

	s.mu.Lock()
	s.RemoteID = remote.PeerID
	s.state = Operational
	s.mu.Unlock()

	reason := s.serve(ctx)

	s.mu.Lock()
	s.state = Closing
	s.mu.Unlock()
	if s.OnClosed != nil {
		s.OnClosed(reason)
	}
}

func (s *Session) handshakeAndServe(ctx context.Context, weDialed bool) error {
	s.conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	s.setState(HandshakeSent)

	hs := &wire.Handshake{InfoHash: s.infoHash, PeerID: s.localID}
	var remote *wire.Handshake
	var err error

	if weDialed {
		if err = wire.WriteHandshake(s.conn, hs); err != nil {
			return fmt.Errorf("peer: write handshake: %w", err)
		}
		remote, err = wire.ReadHandshake(s.conn)
	} else {
		remote, err = wire.ReadHandshake(s.conn)
		if err == nil {
			err = wire.WriteHandshake(s.conn, hs)
		}
	}
	if err != nil {
		return ccerr.Protocol("peer.handshake", err)
	}
	if remote.InfoHash != s.infoHash {
		return ccerr.Protocol("peer.handshake", ccerr.ErrWrongInfoHash)
	}
	s.RemoteID = remote.PeerID
	s.conn.SetDeadline(time.Time{})
	s.setState(HandshakeVerified)
	s.setState(Operational)

	return s.serve(ctx)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// serve is the Operational-state message loop: reads frames, applies request
// rules, and periodically tops up the request pipeline and checks timeouts.
func (s *Session) serve(ctx context.Context) error {
	// Requests still in flight when the loop exits go back to the picker,
	// the same as on CHOKE.
	defer s.onChoke()
	msgCh := make(chan *wire.Message)
	errCh := make(chan error, 1)
	go func() {
		for {
			m, err := wire.ReadMessage(s.conn)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- m:
			case <-s.stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case err := <-errCh:
			return fmt.Errorf("peer: read: %w", err)
		case m := <-msgCh:
			s.touch()
			if err := s.handleMessage(m); err != nil {
				return err
			}
		case <-keepAlive.C:
			if err := wire.WriteMessage(s.conn, wire.NewKeepAlive()); err != nil {
				return fmt.Errorf("peer: keepalive: %w", err)
			}
		case <-ticker.C:
			if time.Since(s.lastActivityTime()) > idleTimeout {
				return ccerr.Network("peer.serve", fmt.Errorf("idle timeout"))
			}
			if err := s.fillPipeline(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActivityTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) handleMessage(m *wire.Message) error {
	if m.KeepAlive {
		return nil
	}
	switch m.ID {
	case wire.Choke:
		return s.onChoke()
	case wire.Unchoke:
		return s.onUnchoke()
	case wire.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
		return nil
	case wire.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
		return nil
	case wire.Have:
		s.onHave(int(m.Index))
		return nil
	case wire.Bitfield:
		s.onBitfield(m.Bitfield)
		return nil
	case wire.Request:
		return s.onRequest(m)
	case wire.Piece:
		return s.onPiece(m)
	case wire.Cancel:
		// Best-effort: we don't queue outbound PIECE sends, so there is
		// nothing in flight to cancel on our side.
		return nil
	case wire.Port:
		return nil
	default:
		log.Printf("[peer] %s: ignoring unknown message id %d", s.remoteAddr, m.ID)
		return nil
	}
}

// onChoke implements request rule 2: every pending request is considered
// rejected and must be re-queued with the picker.
func (s *Session) onChoke() error {
	s.mu.Lock()
	s.peerChoking = true
	var released []picker.Block
	for b := range s.outstanding {
		released = append(released, b)
	}
	s.outstanding = make(map[picker.Block]outstandingRequest)
	s.mu.Unlock()

	s.picker.ReleaseAllForPeer(released)
	return nil
}

func (s *Session) onUnchoke() error {
	s.mu.Lock()
	s.peerChoking = false
	s.mu.Unlock()
	return s.fillPipeline()
}

func (s *Session) onHave(index int) {
	s.mu.Lock()
	if index >= 0 && index < len(s.bitfield) && !s.bitfield[index] {
		s.bitfield[index] = true
	}
	s.mu.Unlock()
	s.picker.PeerHasPiece(index)
}

func (s *Session) onBitfield(bits []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.bitfield {
		byteIdx := i / 8
		if byteIdx >= len(bits) {
			break
		}
		bit := bits[byteIdx]&(1<<(7-uint(i%8))) != 0
		if bit && !s.bitfield[i] {
			s.bitfield[i] = true
			s.picker.PeerHasPiece(i)
		}
	}
}

// onRequest handles an inbound REQUEST. We only serve blocks we have
// verified and only while we are not choking the peer.
func (s *Session) onRequest(m *wire.Message) error {
	s.mu.Lock()
	choking := s.amChoking
	s.mu.Unlock()
	if choking {
		return nil
	}
	if !s.storage.IsVerified(int(m.Index)) {
		return nil
	}
	block, err := s.storage.ReadBlock(int(m.Index), int64(m.Begin), int64(m.Length))
	if err != nil {
		return nil
	}
	s.mu.Lock()
	s.bytesUp += int64(len(block))
	s.mu.Unlock()
	return wire.WriteMessage(s.conn, wire.NewPiece(m.Index, m.Begin, block))
}

// onPiece implements request rules 4 and 5: verify against an outstanding
// request, drop and penalize unsolicited data, write the block, and on
// piece completion verify its SHA-1 and broadcast HAVE.
func (s *Session) onPiece(m *wire.Message) error {
	blk := picker.Block{PieceIndex: int(m.Index), Begin: int64(m.Begin), Length: int64(len(m.Block))}

	s.mu.Lock()
	req, ok := s.outstanding[blk]
	if ok {
		delete(s.outstanding, blk)
	}
	s.mu.Unlock()

	if !ok {
		s.mu.Lock()
		s.reputation--
		s.mu.Unlock()
		log.Printf("[peer] %s: dropping unsolicited piece %d:%d", s.remoteAddr, m.Index, m.Begin)
		return nil
	}
	s.recordRTT(time.Since(req.sentAt))
	s.mu.Lock()
	s.bytesDown += int64(len(m.Block))
	s.mu.Unlock()

	if err := s.storage.WriteBlock(int(m.Index), int64(m.Begin), m.Block); err != nil {
		return fmt.Errorf("peer: write block: %w", err)
	}

	index := int(m.Index)
	begin := int64(m.Begin)
	s.mu.Lock()
	received := s.pieceReceived[index]
	if received == nil {
		received = make(map[int64]int64)
		s.pieceReceived[index] = received
	}
	received[begin] = int64(len(m.Block))
	var covered int64
	for _, n := range received {
		covered += n
	}
	complete := covered >= s.storage.PieceLen(index)
	if complete {
		delete(s.pieceReceived, index)
	}
	s.mu.Unlock()
	if !complete {
		return nil
	}

	return s.maybeCompletePiece(index)
}

// maybeCompletePiece is called once every distinct block of a piece has been
// written; it verifies the assembled piece's SHA-1 and, on success, marks it
// with the picker and broadcasts HAVE. A hash mismatch
// resets the piece's received-block tracking so it can be re-requested.
func (s *Session) maybeCompletePiece(index int) error {
	ok, err := s.storage.VerifyPiece(index)
	if err != nil {
		return fmt.Errorf("peer: verify piece: %w", err)
	}
	if !ok {
		s.picker.ResetPiece(index)
		s.mu.Lock()
		s.shaMismatches++
		s.reputation--
		exceeded := s.shaMismatches >= shaMismatchLimit
		s.mu.Unlock()
		if exceeded {
			return ccerr.Validation("peer.maybeCompletePiece", fmt.Errorf("%w: piece %d", ccerr.ErrHashMismatch, index))
		}
		return nil
	}

	s.mu.Lock()
	s.shaMismatches = 0
	s.mu.Unlock()

	s.picker.MarkHave(index)
	if s.OnHaveVerified != nil {
		s.OnHaveVerified(index)
	}
	return wire.WriteMessage(s.conn, wire.NewHave(uint32(index)))
}

// recordRTT updates the exponential moving average used to size the request
// pipeline.
func (s *Session) recordRTT(sample time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ewmaRTT == 0 {
		s.ewmaRTT = sample
	} else {
		s.ewmaRTT = s.ewmaRTT/2 + sample/2
	}
	s.pipelineCap = pipelineDepthFor(s.ewmaRTT)
}

func pipelineDepthFor(rtt time.Duration) int {
	switch {
	case rtt <= 0:
		return minPipelineDepth
	case rtt < 150*time.Millisecond:
		return maxPipelineDepth
	case rtt < 400*time.Millisecond:
		return 32
	case rtt < 800*time.Millisecond:
		return 16
	default:
		return minPipelineDepth
	}
}

// fillPipeline tops up outstanding requests up to the current pipeline
// depth. Request rule 1: only send REQUEST while unchoked and interested.
func (s *Session) fillPipeline() error {
	s.mu.Lock()
	if s.peerChoking {
		s.mu.Unlock()
		return nil
	}
	if !s.amInterested {
		s.amInterested = true
		s.mu.Unlock()
		if err := wire.WriteMessage(s.conn, &wire.Message{ID: wire.Interested}); err != nil {
			return fmt.Errorf("peer: send interested: %w", err)
		}
		s.mu.Lock()
	}
	depth := s.pipelineCap
	have := len(s.outstanding)
	s.mu.Unlock()

	for have < depth {
		block := s.picker.NextBlock(s)
		if block == nil {
			break
		}
		s.mu.Lock()
		s.outstanding[*block] = outstandingRequest{block: *block, sentAt: time.Now()}
		s.mu.Unlock()
		if err := wire.WriteMessage(s.conn, wire.NewRequest(uint32(block.PieceIndex), uint32(block.Begin), uint32(block.Length))); err != nil {
			return fmt.Errorf("peer: send request: %w", err)
		}
		have++
	}
	return nil
}

// SetChoking sets our choking state toward the peer and sends the
// corresponding CHOKE/UNCHOKE message if it changed.
func (s *Session) SetChoking(choking bool) error {
	s.mu.Lock()
	changed := s.amChoking != choking
	s.amChoking = choking
	s.mu.Unlock()
	if !changed {
		return nil
	}
	id := wire.Unchoke
	if choking {
		id = wire.Choke
	}
	return wire.WriteMessage(s.conn, &wire.Message{ID: id})
}

// BytesTransferred returns the cumulative bytes uploaded to and downloaded
// from this peer, used by the torrent session's aggregated rate stats.
func (s *Session) BytesTransferred() (up, down int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesUp, s.bytesDown
}

// PeerInterested reports whether the remote peer has told us it is
// interested in our pieces, used by the torrent session's choke algorithm.
func (s *Session) PeerInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

// Reputation returns the peer's accumulated reputation score, decremented
// for each unsolicited block and each piece that fails SHA-1 verification.
func (s *Session) Reputation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reputation
}

// Close requests an orderly shutdown of the session's serve loop.
func (s *Session) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return s.conn.Close()
}

// RemoteAddr returns the underlying connection's remote address.
func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

// SendHave announces a piece verified via a different peer. Safe to call concurrently with the
// session's own serve loop; WriteMessage has no internal buffering shared
// with reads, and it sends each frame in a single conn.Write, which net.Conn
// serializes, so a HAVE does not interleave with REQUEST/INTERESTED frames
// from fillPipeline. The torrent session calls it without holding its
// peer-pool lock.
func (s *Session) SendHave(index int) error {
	if s.State() != Operational {
		return nil
	}
	return wire.WriteMessage(s.conn, wire.NewHave(uint32(index)))
}
