package trackerudp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

const (
	connectionIDLifetime = 50 * time.Second // 10s safety margin before the 60s BEP 15 limit
	maxSessionCache = 256
)

// Session tracks one (host, port) UDP tracker's connection-id lifecycle.
type Session struct {
	mu sync.Mutex

	Host string
	Port int

	connectionID int64
	haveConn bool
	connectionTime time.Time
	lastAnnounce time.Time
	interval time.Duration
	retryCount int
	backoff time.Duration
	failed bool
}

func newSession(host string, port int) *Session {
	return &Session{Host: host, Port: port, backoff: 20 * time.Second}
}

// connectionValid reports whether the cached connection-id is still usable.
func (s *Session) connectionValid(now time.Time) bool {
	return s.haveConn && now.Sub(s.connectionTime) < connectionIDLifetime
}

// Client is the singular-socket UDP tracker client: the socket is bound
// once at startup and never recreated.
type Client struct {
	conn *net.UDPConn
	maxRetries int

	sessMu sync.Mutex
	sessions *lru.Cache // host:port -> *Session

	// lastRTT is set only from non-retransmitted probes.
	rttMu sync.Mutex
	lastRTT time.Duration
}

// NewClient binds the UDP socket once. The returned Client owns that socket
// for its entire lifetime; see "Socket lifetime is singular."
func NewClient(listenAddr string) (*Client, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, ccerr.Network("trackerudp.NewClient", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, ccerr.Network("trackerudp.NewClient", err)
	}
	cache, _ := lru.New(maxSessionCache)
	return &Client{conn: conn, maxRetries: 5, sessions: cache}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) sessionFor(host string, port int) *Session {
	key := fmt.Sprintf("%s:%d", host, port)
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if v, ok := c.sessions.Get(key); ok {
		return v.(*Session)
	}
	s := newSession(host, port)
	c.sessions.Add(key, s)
	return s
}

func randomTxn() int32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return int32(binary.BigEndian.Uint32(b[:]))
}

// sendRecv writes req to addr and waits for a reply, retrying individual
// sends on a transient "invalid argument"-style error with small bounded
// backoff (≤1s total, ≤5 attempts) without ever touching socket state.
func (c *Client) sendRecv(ctx context.Context, addr *net.UDPAddr, req []byte, timeout time.Duration, isRetransmit bool) ([]byte, time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		sendStart := time.Now()
		_, err := c.conn.WriteToUDP(req, addr)
		if err != nil {
			lastErr = err
			if attempt == 4 {
				break
			}
			backoff := time.Duration(attempt+1) * 100 * time.Millisecond
			if backoff > time.Second {
				backoff = time.Second
			}
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, 0, err
		}
		buf := make([]byte, 2048)
		n, _, rerr := c.conn.ReadFromUDP(buf)
		if rerr != nil {
			return nil, 0, rerr
		}
		var rtt time.Duration
		if !isRetransmit {
			rtt = time.Since(sendStart) // Karn's algorithm: only sample RTT on a non-retransmitted probe
		}
		return buf[:n], rtt, nil
	}
	return nil, 0, fmt.Errorf("trackerudp: send failed after retries: %w", lastErr)
}

// Connect obtains (or refreshes, if expired) the tracker's connection-id.
// Retries on timeout: the reply timeout starts at 20s and grows by 2s per
// retry, for at most 5 attempts; each timeout also doubles the session's
// recorded backoff, capped at 60s.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	sess := c.sessionFor(host, port)
	sess.mu.Lock()
	if sess.connectionValid(time.Now()) {
		sess.mu.Unlock()
		return nil
	}
	sess.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return ccerr.Network("trackerudp.Connect", err)
	}

	timeout := 20 * time.Second
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		txn := randomTxn()
		req := encodeConnectRequest(txn)
		resp, _, err := c.sendRecv(ctx, addr, req, timeout, attempt > 0)
		if err != nil {
			lastErr = err
			sess.mu.Lock()
			sess.retryCount++
			sess.backoff = minDuration(sess.backoff*2, 60*time.Second)
			sess.mu.Unlock()
			timeout += 2 * time.Second
			log.Printf("[trackerudp] CONNECT to %s:%d timed out (attempt %d): %v", host, port, attempt+1, err)
			continue
		}
		connID, derr := decodeConnectResponse(resp, txn)
		if derr != nil {
			sess.mu.Lock()
			sess.failed = true
			sess.mu.Unlock()
			return protocolError("trackerudp.Connect", derr)
		}
		sess.mu.Lock()
		sess.connectionID = connID
		sess.haveConn = true
		sess.connectionTime = time.Now()
		sess.retryCount = 0
		sess.mu.Unlock()
		return nil
	}
	sess.mu.Lock()
	sess.failed = true
	sess.mu.Unlock()
	return ccerr.Network("trackerudp.Connect", fmt.Errorf("exhausted retries: %w", lastErr))
}

// Announce sends an ANNOUNCE for infoHash and returns the parsed peer list
//. It transparently (re)establishes the connection-id
// first.
func (c *Client) Announce(ctx context.Context, host string, port int, req AnnounceRequest) (*AnnounceResponse, error) {
	if err := c.Connect(ctx, host, port); err != nil {
		return nil, err
	}
	sess := c.sessionFor(host, port)
	sess.mu.Lock()
	req.ConnectionID = sess.connectionID
	sess.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, ccerr.Network("trackerudp.Announce", err)
	}
	req.Transaction = randomTxn()
	wire := encodeAnnounceRequest(req)

	resp, rtt, err := c.sendRecv(ctx, addr, wire, 30*time.Second, false)
	if err != nil {
		return nil, ccerr.Network("trackerudp.Announce", err)
	}
	if rtt > 0 {
		c.rttMu.Lock()
		c.lastRTT = rtt
		c.rttMu.Unlock()
	}
	parsed, err := decodeAnnounceResponse(resp, req.Transaction)
	if err != nil {
		return nil, protocolError("trackerudp.Announce", err)
	}
	if parsed.Truncated {
		log.Printf("[trackerudp] %s:%d ANNOUNCE peer blob length not a multiple of 6, trailing bytes discarded", host, port)
	}

	sess.mu.Lock()
	sess.lastAnnounce = time.Now()
	sess.interval = time.Duration(parsed.Interval) * time.Second
	sess.mu.Unlock()
	return parsed, nil
}

// Scrape sends a SCRAPE for infoHashes.
func (c *Client) Scrape(ctx context.Context, host string, port int, infoHashes [][20]byte) ([]ScrapeStats, error) {
	if err := c.Connect(ctx, host, port); err != nil {
		return nil, err
	}
	sess := c.sessionFor(host, port)
	sess.mu.Lock()
	connID := sess.connectionID
	sess.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, ccerr.Network("trackerudp.Scrape", err)
	}
	txn := randomTxn()
	wire := encodeScrapeRequest(connID, txn, infoHashes)
	resp, _, err := c.sendRecv(ctx, addr, wire, 30*time.Second, false)
	if err != nil {
		return nil, ccerr.Network("trackerudp.Scrape", err)
	}
	stats, err := decodeScrapeResponse(resp, txn, len(infoHashes))
	if err != nil {
		return nil, protocolError("trackerudp.Scrape", err)
	}
	return stats, nil
}

// LastRTT returns the most recently sampled (non-retransmit) round-trip
// time, used to drive the peer-session pipeline-depth adaptation of.
func (c *Client) LastRTT() time.Duration {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	return c.lastRTT
}

// EvictFailed removes sessions whose retry_count has reached max_retries.
func (c *Client) EvictFailed(maxRetries int) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	for _, key := range c.sessions.Keys() {
		v, ok := c.sessions.Peek(key)
		if !ok {
			continue
		}
		s := v.(*Session)
		s.mu.Lock()
		evict := s.failed || s.retryCount >= maxRetries
		s.mu.Unlock()
		if evict {
			c.sessions.Remove(key)
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
