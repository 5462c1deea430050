package torrentsession

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/announce"
	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/dht"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metadata"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/peer"
	"github.com/ccBitTorrent/ccbt-sub001/internal/picker"
	"github.com/ccBitTorrent/ccbt-sub001/internal/ratelimit"
	"github.com/ccBitTorrent/ccbt-sub001/internal/storage"
	"github.com/ccBitTorrent/ccbt-sub001/internal/trackerhttp"
	"github.com/ccBitTorrent/ccbt-sub001/internal/trackerudp"
	"github.com/ccBitTorrent/ccbt-sub001/internal/wire"
)

// Status is the torrent's coarse lifecycle state.
type Status string

const (
	StatusQueued Status = "queued"
	StatusChecking Status = "checking"
	StatusFetchingMetadata Status = "fetching-metadata"
	StatusDownloading Status = "downloading"
	StatusSeeding Status = "seeding"
	StatusPaused Status = "paused"
	StatusStopped Status = "stopped"
	StatusError Status = "error"
)

const (
	maxUnchoked = 4
	chokeInterval = 10 * time.Second
)

// Deps are the shared, process-wide collaborators every torrent session
// composes: one of each per daemon, injected so
// the session manager owns their lifetimes.
type Deps struct {
	PeerID [20]byte
	DownloadDir string
	ExternalPort uint16 // from the NAT manager when mapped, else the local listen port
	UDPTracker *trackerudp.Client
	HTTPTracker *trackerhttp.Client
	DHT *dht.Node // nil disables DHT discovery
	RateLimits *ratelimit.Manager
	GlobalMaxPeers int
	StreamingWindow int
	EndgameThreshold int
	VerifyOnStart int
	HandshakeTimeout time.Duration
}

// Session owns one torrent's storage, piece picker, announce controller,
// and peer-wire connection pool.
type Session struct {
	deps Deps
	infoHash metainfo.InfoHash
	magnet *metainfo.Magnet // non-nil until metadata is fetched

	mu sync.Mutex
	mi *metainfo.MetaInfo
	status Status
	opts optionState
	lastErr error

	storage *storage.Storage
	picker *picker.Picker
	ctrl *announce.Controller
	peers map[string]*peer.Session // keyed by RemoteAddr().String()
	unchoked map[string]bool

	startedAt time.Time

	cancel context.CancelFunc
	done chan struct{}
}

// NewFromMetaInfo starts a session for an already-known .torrent file.
func NewFromMetaInfo(deps Deps, mi *metainfo.MetaInfo) (*Session, error) {
	s := &Session{
		deps: deps,
		infoHash: mi.InfoHash(),
		mi: mi,
		status: StatusQueued,
		opts: defaultOptionState(deps.GlobalMaxPeers),
		peers: make(map[string]*peer.Session),
		unchoked: make(map[string]bool),
		done: make(chan struct{}),
	}
	if err := s.openStorage(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromMagnet starts a session in fetching-metadata status; Start drives
// the ut_metadata exchange with the first peer that connects before any
// storage is opened.
func NewFromMagnet(deps Deps, mg *metainfo.Magnet) *Session {
	return &Session{
		deps: deps,
		infoHash: mg.InfoHash,
		magnet: mg,
		status: StatusFetchingMetadata,
		opts: defaultOptionState(deps.GlobalMaxPeers),
		peers: make(map[string]*peer.Session),
		unchoked: make(map[string]bool),
		done: make(chan struct{}),
	}
}

func (s *Session) openStorage() error {
	st, err := storage.Open(s.deps.DownloadDir, s.mi)
	if err != nil {
		return err
	}
	s.storage = st
	policy := s.opts.pieceSelection
	p := picker.New(st.NumPieces(), s.mi.Info.PieceLength, st.TotalLength(), policy)
	if s.deps.EndgameThreshold > 0 {
		p.SetEndgameThreshold(s.deps.EndgameThreshold)
	}
	if s.deps.StreamingWindow > 0 {
		p.SetStreamingWindowSize(s.deps.StreamingWindow)
	}
	s.picker = p
	return nil
}

// InfoHash returns the torrent's identity.
func (s *Session) InfoHash() metainfo.InfoHash { return s.infoHash }

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Progress returns the fraction of bytes in verified pieces, 0.0..1.0.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	st := s.storage
	s.mu.Unlock()
	if st == nil || st.NumPieces() == 0 {
		return 0
	}
	total := int64(0)
	for i := 0; i < st.NumPieces(); i++ {
		total += st.PieceLen(i)
	}
	if total == 0 {
		return 0
	}
	return float64(st.BytesVerified()) / float64(total)
}

// Start begins verification (if resuming) and the announce controller, and
// blocks only long enough to kick off the background loops.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.magnet != nil {
		go s.runMetadataBootstrap(runCtx)
		return nil
	}
	return s.startWithMetaInfo(runCtx)
}

func (s *Session) startWithMetaInfo(ctx context.Context) error {
	s.setStatus(StatusChecking)
	if err := s.storage.VerifyAll(s.deps.VerifyOnStart, func() {}); err != nil {
		s.fail(err)
		return err
	}

	tiers := s.mi.AnnounceTiers()
	var dhtFn announce.DHTLookup
	if s.deps.DHT != nil {
		dhtFn = s.deps.DHT.GetPeers
	}
	s.ctrl = announce.New(s.infoHash, s.deps.PeerID, s.deps.ExternalPort, tiers,
		s.deps.UDPTracker, s.deps.HTTPTracker, dhtFn, s.PeerCount)
	s.ctrl.Start(ctx)

	if s.Progress() >= 1.0 {
		s.setStatus(StatusSeeding)
	} else {
		s.setStatus(StatusDownloading)
	}

	go s.acceptCandidates(ctx)
	go s.chokeLoop(ctx)
	s.startedAt = time.Now()
	return nil
}

// runMetadataBootstrap announces on the bare info-hash (trackers accept
// announces before metadata is known) so incoming dials can reach peers
// willing to serve ut_metadata, then fetches and validates the info dict.
func (s *Session) runMetadataBootstrap(ctx context.Context) {
	tiers := [][]string{s.magnet.Trackers}
	var dhtFn announce.DHTLookup
	if s.deps.DHT != nil {
		dhtFn = s.deps.DHT.GetPeers
	}
	s.ctrl = announce.New(s.infoHash, s.deps.PeerID, s.deps.ExternalPort, tiers,
		s.deps.UDPTracker, s.deps.HTTPTracker, dhtFn, s.PeerCount)
	s.ctrl.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case cand := <-s.ctrl.Results:
			conn, err := net.DialTimeout("tcp", cand.Addr.String(), 10*time.Second)
			if err != nil {
				continue
			}
			hs := &wire.Handshake{InfoHash: s.infoHash, PeerID: s.deps.PeerID}
			hs.SetBit(43) // extension protocol
			if err := wire.WriteHandshake(conn, hs); err != nil {
				conn.Close()
				continue
			}
			remote, err := wire.ReadHandshake(conn)
			if err != nil || remote.InfoHash != s.infoHash || !remote.SupportsExtensionProtocol() {
				conn.Close()
				continue
			}
			raw, err := metadata.FetchFromPeer(conn, s.infoHash)
			conn.Close()
			if err != nil {
				continue
			}
			mi, err := metainfo.FromInfoBytes(raw, s.magnet.Trackers)
			if err != nil || mi.InfoHash() != s.infoHash {
				log.Printf("[torrentsession] %x: fetched metadata failed validation: %v", s.infoHash, err)
				continue
			}
			s.mu.Lock()
			s.mi = mi
			s.magnet = nil
			s.mu.Unlock()
			if err := s.openStorage(); err != nil {
				s.fail(err)
				return
			}
			if err := s.startWithMetaInfo(ctx); err != nil {
				s.fail(err)
			}
			return
		}
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.status = StatusError
	s.lastErr = err
	s.mu.Unlock()
	log.Printf("[torrentsession] %x: error: %v", s.infoHash, err)
}

// Stop cancels the session's background loops, closes every peer
// connection, and marks the torrent stopped.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ctrl != nil {
		s.ctrl.Stop()
	}
	s.mu.Lock()
	for _, p := range s.peers {
		p.Close()
	}
	s.peers = make(map[string]*peer.Session)
	s.status = StatusStopped
	s.mu.Unlock()
}

// Pause halts peer activity without tearing down the announce controller's
// bookkeeping; Resume reverses it.
func (s *Session) Pause() {
	s.mu.Lock()
	for _, p := range s.peers {
		p.Close()
	}
	s.peers = make(map[string]*peer.Session)
	s.status = StatusPaused
	s.mu.Unlock()
}

func (s *Session) Resume(ctx context.Context) {
	s.mu.Lock()
	if s.status != StatusPaused {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if s.Progress() >= 1.0 {
		s.setStatus(StatusSeeding)
	} else {
		s.setStatus(StatusDownloading)
	}
}

// Stats is a point-in-time aggregate of this torrent's transfer activity,
// surfaced through the IPC status API.
type Stats struct {
	Status Status
	Progress float64
	PeerCount int
	Uploaded int64
	Downloaded int64
	Since time.Time
}

// Stats aggregates per-peer byte counters across the active pool.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	peers := make([]*peer.Session, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	status := s.status
	started := s.startedAt
	s.mu.Unlock()

	var up, down int64
	for _, p := range peers {
		u, d := p.BytesTransferred()
		up += u
		down += d
	}
	return Stats{
		Status: status,
		Progress: s.Progress(),
		PeerCount: len(peers),
		Uploaded: up,
		Downloaded: down,
		Since: started,
	}
}

// PeerCount returns the number of connected peers, used by the announce
// controller's low-watermark DHT trigger.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// acceptCandidates dials candidates published by the announce controller
// until the per-torrent peer cap is reached.
func (s *Session) acceptCandidates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cand, ok := <-s.ctrl.Results:
			if !ok {
				return
			}
			if s.atPeerCap() {
				continue
			}
			if s.hasPeer(cand.Addr.String()) {
				continue
			}
			go s.dialPeer(ctx, cand.Addr)
		}
	}
}

func (s *Session) atPeerCap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.peers)) >= s.opts.maxPeers
}

func (s *Session) hasPeer(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[addr]
	return ok
}

func (s *Session) dialPeer(ctx context.Context, addr *net.TCPAddr) {
	conn, err := net.DialTimeout("tcp", addr.String(), 10*time.Second)
	if err != nil {
		return
	}
	s.adoptConnection(ctx, conn, true)
}

// AdoptIncoming hands off an inbound connection whose handshake has already
// been read and answered by the session manager. The
// caller has already matched the info-hash to this session and confirmed it
// isn't stopped.
func (s *Session) AdoptIncoming(ctx context.Context, conn net.Conn, remote *wire.Handshake) {
	s.mu.Lock()
	st := s.storage
	pk := s.picker
	s.mu.Unlock()
	if st == nil || pk == nil {
		conn.Close()
		return
	}

	ps := peer.New(conn, s.infoHash, s.deps.PeerID, pk, st, s.deps.HandshakeTimeout)
	key := conn.RemoteAddr().String()
	ps.OnHaveVerified = func(index int) { s.broadcastHave(index, key) }
	ps.OnClosed = func(reason error) {
		s.mu.Lock()
		delete(s.peers, key)
		delete(s.unchoked, key)
		s.mu.Unlock()
	}

	s.mu.Lock()
	if uint32(len(s.peers)) >= s.opts.maxPeers || s.status == StatusPaused {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peers[key] = ps
	s.mu.Unlock()

	ps.RunPostHandshake(ctx, remote)
}

func (s *Session) adoptConnection(ctx context.Context, conn net.Conn, weDialed bool) {
	s.mu.Lock()
	st := s.storage
	pk := s.picker
	s.mu.Unlock()
	if st == nil || pk == nil {
		conn.Close()
		return
	}

	ps := peer.New(conn, s.infoHash, s.deps.PeerID, pk, st, s.deps.HandshakeTimeout)
	key := conn.RemoteAddr().String()

	ps.OnHaveVerified = func(index int) { s.broadcastHave(index, key) }
	ps.OnClosed = func(reason error) {
		s.mu.Lock()
		delete(s.peers, key)
		delete(s.unchoked, key)
		s.mu.Unlock()
	}

	s.mu.Lock()
	if uint32(len(s.peers)) >= s.opts.maxPeers || s.status == StatusPaused {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peers[key] = ps
	s.mu.Unlock()

	ps.Run(ctx, weDialed)
}

// broadcastHave sends HAVE to every connected peer except the one the piece
// was just verified from.
func (s *Session) broadcastHave(index int, exceptKey string) {
	s.mu.Lock()
	targets := make([]*peer.Session, 0, len(s.peers))
	for key, p := range s.peers {
		if key == exceptKey {
			continue
		}
		targets = append(targets, p)
	}
	s.mu.Unlock()

	for _, p := range targets {
		if err := p.SendHave(index); err != nil {
			log.Printf("[torrentsession] %x: broadcast HAVE(%d) to %s: %v", s.infoHash, index, p.RemoteAddr(), err)
		}
	}
	if s.Progress() >= 1.0 {
		s.setStatus(StatusSeeding)
	}
}

// chokeLoop implements a simple periodic choke algorithm: unchoke up to
// maxUnchoked currently-interested peers, choke everyone else.
func (s *Session) chokeLoop(ctx context.Context) {
	ticker := time.NewTicker(chokeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rebalanceChoke()
		}
	}
}

func (s *Session) rebalanceChoke() {
	s.mu.Lock()
	var interested []*peer.Session
	for _, p := range s.peers {
		if p.PeerInterested() {
			interested = append(interested, p)
		}
	}
	s.mu.Unlock()

	unchokeSet := make(map[string]bool, maxUnchoked)
	for i, p := range interested {
		if i >= maxUnchoked {
			break
		}
		unchokeSet[p.RemoteAddr().String()] = true
	}

	s.mu.Lock()
	for key, p := range s.peers {
		want := unchokeSet[key]
		if err := p.SetChoking(!want); err != nil {
			log.Printf("[torrentsession] %x: choke update for %s: %v", s.infoHash, key, err)
		}
	}
	s.unchoked = unchokeSet
	s.mu.Unlock()
}

// OptionsView is a read-only snapshot of a torrent's current per-torrent
// overrides, surfaced through the IPC config-read endpoint.
type OptionsView struct {
	PieceSelection picker.Policy
	StreamingMode bool
	MaxPeers uint32
	DownKiB uint32
	UpKiB uint32
	Priorities map[int]picker.Priority
}

// Options returns the torrent's current option state.
func (s *Session) Options() OptionsView {
	s.mu.Lock()
	defer s.mu.Unlock()
	priorities := make(map[int]picker.Priority, len(s.opts.priorities))
	for k, v := range s.opts.priorities {
		priorities[k] = v
	}
	return OptionsView{
		PieceSelection: s.opts.pieceSelection,
		StreamingMode: s.opts.streamingMode,
		MaxPeers: s.opts.maxPeers,
		DownKiB: s.opts.downKiB,
		UpKiB: s.opts.upKiB,
		Priorities: priorities,
	}
}

// SetOption applies a single closed-sum-type option, rejecting anything outside PieceSelection/StreamingMode/MaxPeers/
// RateLimit/Priority.
func (s *Session) SetOption(opt Option) error {
	if err := validateOption(opt); err != nil {
		return err
	}
	s.mu.Lock()
	opt.applyTo(&s.opts)
	rl := s.opts
	s.mu.Unlock()

	if s.deps.RateLimits != nil && (rl.downKiB != 0 || rl.upKiB != 0) {
		s.deps.RateLimits.SetTorrentLimit(s.infoHash.String(), int(rl.downKiB), int(rl.upKiB))
	}
	if s.picker != nil {
		if pr, ok := opt.(Priority); ok {
			s.applyFilePriority(pr)
		}
	}
	return nil
}

// applyFilePriority maps a file index to its span of piece indices and
// applies the priority to each.
func (s *Session) applyFilePriority(pr Priority) {
	s.mu.Lock()
	mi := s.mi
	s.mu.Unlock()
	if mi == nil || pr.FileIndex < 0 || pr.FileIndex >= len(mi.Info.Files) {
		return
	}
	var offset int64
	for i, f := range mi.Info.Files {
		if i == pr.FileIndex {
			begin := offset / mi.Info.PieceLength
			end := (offset + f.Length + mi.Info.PieceLength - 1) / mi.Info.PieceLength
			for idx := begin; idx < end; idx++ {
				s.picker.SetPriority(int(idx), pr.Level)
			}
			return
		}
		offset += f.Length
	}
}

// Snapshot captures everything needed to resume this torrent across a
// daemon restart.
type Snapshot struct {
	InfoHash metainfo.InfoHash
	VerifiedPieces []bool
	Witnesses []storage.FileWitness
	Status Status
	Progress float64
	Downloaded int64
	Uploaded int64
}

func (s *Session) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	st := s.storage
	status := s.status
	s.mu.Unlock()
	if st == nil {
		return Snapshot{InfoHash: s.infoHash, Status: status}, nil
	}
	witnesses, err := st.Witnesses()
	if err != nil {
		return Snapshot{}, err
	}
	stats := s.Stats()
	return Snapshot{
		InfoHash: s.infoHash,
		VerifiedPieces: st.VerifiedBitmap(),
		Witnesses: witnesses,
		Status: status,
		Progress: s.Progress(),
		Downloaded: stats.Downloaded,
		Uploaded: stats.Uploaded,
	}, nil
}

// Restore reapplies a prior Snapshot's verified bitmap. If any file witness
// has drifted, the whole bitmap is discarded and no piece is marked verified.
func (s *Session) Restore(snap Snapshot) error {
	if s.storage == nil {
		return ccerr.Validation("torrentsession.Restore", fmt.Errorf("storage not open"))
	}
	drifted, err := s.storage.CheckWitnesses(snap.Witnesses)
	if err != nil {
		return err
	}
	if drifted {
		log.Printf("[torrentsession] %x: file witnesses drifted, discarding resume bitmap", s.infoHash)
		return nil
	}
	return s.storage.SetVerifiedBitmap(snap.VerifiedPieces)
}
