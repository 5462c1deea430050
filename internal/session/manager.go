// Package session implements the session manager: the single
// listening TCP socket for incoming peers, the exclusive owner of the
// info-hash -> torrent map, global peer/rate limits, and the peer-level IP
// filter.
package session

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/nat"
	"github.com/ccBitTorrent/ccbt-sub001/internal/ratelimit"
	"github.com/ccBitTorrent/ccbt-sub001/internal/torrentsession"
	"github.com/ccBitTorrent/ccbt-sub001/internal/wire"
)

const (
	// lookupPollTimeout bounds how long an inbound connection waits for a
	// slow magnet-metadata bootstrap: a torrent may exist but not yet be
	// registered under its info-hash.
	lookupPollTimeout = 60 * time.Second
	lookupPollInterval = 250 * time.Millisecond
)

// Manager owns every active torrent session, the incoming TCP listener, and
// process-wide rate limits.
type Manager struct {
	peerID [20]byte
	maxGlobalPeers int
	handshakeTimeout time.Duration
	connectionTimeout time.Duration

	rateLimits *ratelimit.Manager
	ipFilter *IPFilter
	nat *nat.Manager

	mu sync.Mutex
	torrents map[metainfo.InfoHash]*torrentsession.Session

	listener net.Listener
	globalPeerCount int32
}

// Config bundles the knobs the session manager needs at construction.
type Config struct {
	PeerID [20]byte
	MaxGlobalPeers int
	HandshakeTimeout time.Duration
	ConnectionTimeout time.Duration
	GlobalDownKiB int
	GlobalUpKiB int
	IPFilterCIDRs []string
	NAT *nat.Manager
}

// New builds an idle manager; call Listen to bind the incoming socket.
func New(cfg Config) *Manager {
	m := &Manager{
		peerID: cfg.PeerID,
		maxGlobalPeers: cfg.MaxGlobalPeers,
		handshakeTimeout: cfg.HandshakeTimeout,
		connectionTimeout: cfg.ConnectionTimeout,
		rateLimits: ratelimit.NewManager(cfg.GlobalDownKiB, cfg.GlobalUpKiB),
		ipFilter: NewIPFilter(cfg.IPFilterCIDRs),
		nat: cfg.NAT,
		torrents: make(map[metainfo.InfoHash]*torrentsession.Session),
	}
	return m
}

// RateLimits exposes the shared leaky-bucket manager so torrent sessions can
// be constructed with it.
func (m *Manager) RateLimits() *ratelimit.Manager { return m.rateLimits }

// Listen binds the single incoming peer-wire TCP socket. max_global_peers is
// not compared with the process's open-file limit.
func (m *Manager) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return ccerr.Resource("session.Listen", err)
	}
	m.listener = ln
	return nil
}

// Addr returns the bound listener's address, or nil if not listening.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Serve accepts incoming connections until ctx is canceled or the listener
// is closed.
func (m *Manager) Serve(ctx context.Context) error {
	if m.listener == nil {
		return ccerr.Validation("session.Serve", fmt.Errorf("Listen was not called"))
	}
	go func() {
		<-ctx.Done()
		m.listener.Close()
	}()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return ccerr.Network("session.Serve", err)
		}
		go m.handleIncoming(ctx, conn)
	}
}

// handleIncoming implements 1-5.
func (m *Manager) handleIncoming(ctx context.Context, conn net.Conn) {
	remoteHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if m.ipFilter.Denied(net.ParseIP(remoteHost)) {
		conn.Close()
		return
	}
	if m.atGlobalCap() {
		conn.Close()
		return
	}

	conn.SetDeadline(time.Now().Add(m.handshakeTimeout))
	hs, err := wire.ReadHandshake(conn) // step 1+2: drops non-19 immediately, within handshakeTimeout
	if err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	ts, err := m.lookupWithPoll(ctx, hs.InfoHash)
	if err != nil {
		conn.Close()
		return
	}
	if ts.Status() == torrentsession.StatusStopped {
		conn.Close()
		return
	}

	// Complete our side of the handshake before handing off: the torrent
	// session's peer adoption path assumes the caller already exchanged
	// handshakes and skips straight to the Operational message loop.
	reply := &wire.Handshake{InfoHash: hs.InfoHash, PeerID: m.peerID}
	if err := wire.WriteHandshake(conn, reply); err != nil {
		conn.Close()
		return
	}

	ts.AdoptIncoming(ctx, conn, hs)
}

func (m *Manager) atGlobalCap() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, ts := range m.torrents {
		total += ts.PeerCount()
	}
	return total >= m.maxGlobalPeers
}

// lookupWithPoll looks up a torrent session by info-hash, polling for up to
// 60s to absorb slow magnet bootstrap.
func (m *Manager) lookupWithPoll(ctx context.Context, infoHash [20]byte) (*torrentsession.Session, error) {
	deadline := time.Now().Add(lookupPollTimeout)
	ticker := time.NewTicker(lookupPollInterval)
	defer ticker.Stop()
	for {
		if ts, ok := m.lookup(infoHash); ok {
			return ts, nil
		}
		if time.Now().After(deadline) {
			return nil, ccerr.Protocol("session.lookupWithPoll", fmt.Errorf("no torrent registered for info-hash %x", infoHash))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) lookup(infoHash [20]byte) (*torrentsession.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.torrents[metainfo.InfoHash(infoHash)]
	return ts, ok
}

// Add registers a new torrent session under the manager's lock.
func (m *Manager) Add(ts *torrentsession.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.torrents[ts.InfoHash()] = ts
}

// Remove drops a torrent session from the map. The caller is responsible for
// having already called ts.Stop().
func (m *Manager) Remove(infoHash metainfo.InfoHash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.torrents, infoHash)
}

// Get returns the torrent session for infoHash, if any.
func (m *Manager) Get(infoHash metainfo.InfoHash) (*torrentsession.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.torrents[infoHash]
	return ts, ok
}

// List returns every currently-registered torrent session.
func (m *Manager) List() []*torrentsession.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*torrentsession.Session, 0, len(m.torrents))
	for _, ts := range m.torrents {
		out = append(out, ts)
	}
	return out
}

// Shutdown stops every torrent session and closes the listener.
func (m *Manager) Shutdown() {
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ts := range m.torrents {
		ts.Stop()
	}
}

// ApplyHotReload applies the subset of a config change the session manager
// can absorb without a restart: listen port changes require
// re-binding the listener; peer caps and IP filter take effect immediately.
func (m *Manager) ApplyHotReload(maxGlobalPeers int, ipFilterCIDRs []string) {
	m.mu.Lock()
	m.maxGlobalPeers = maxGlobalPeers
	m.mu.Unlock()
	m.ipFilter.Update(ipFilterCIDRs)
	log.Printf("[session] hot-reloaded max_global_peers=%d ip_filter=%d entries", maxGlobalPeers, len(ipFilterCIDRs))
}
