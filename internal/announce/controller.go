// Package announce drives tracker-tier and DHT candidate discovery for a
// single torrent: tiered HTTP/UDP tracker announces with jittered scheduling,
// DHT get_peers on the same cadence, and per-peer backoff on merge into a
// deduplicated candidate set.
package announce

import (
	"context"
	"log"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/ucwong/golang-set"

	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/trackerhttp"
	"github.com/ccBitTorrent/ccbt-sub001/internal/trackerudp"
)

// Source attributes how a candidate peer address was discovered (BEP 27).
type Source string

const (
	SourceTracker Source = "tracker"
	SourceDHT Source = "dht"
	SourcePEX Source = "pex"
	SourceManual Source = "manual"
)

// Candidate is one deduplicated, source-attributed peer address.
type Candidate struct {
	Addr *net.TCPAddr
	Source Source
}

// DHTLookup abstracts the DHT's iterative get_peers so the controller
// doesn't depend on internal/dht directly (kept import-cycle free; the
// torrent session wires the concrete *dht.Node in).
type DHTLookup func(ctx context.Context, infoHash [20]byte) []*net.UDPAddr

const (
	jitterFraction = 0.10 // ±10%
	lowWatermark = 20 // DHT triggered early when peer_count < this
	maxRetries = 8
	initialBackoff = 5 * time.Second
	maxBackoff = 30 * time.Minute
)

type trackerEntry struct {
	url string
	tier int
	lastOK time.Time
	interval time.Duration
	failures int
	backoff time.Duration
	nextTry time.Time
}

// Controller owns one torrent's tracker tiers and DHT cadence.
type Controller struct {
	infoHash metainfo.InfoHash
	peerID [20]byte
	port uint16

	mu sync.Mutex
	tiers [][]*trackerEntry
	udp *trackerudp.Client
	http *trackerhttp.Client
	dhtFn DHTLookup
	seen mapset.Set
	Results chan Candidate

	peerCountFn func() int

	stop chan struct{}
}

// New builds a controller for a torrent's announce-list.
func New(infoHash metainfo.InfoHash, peerID [20]byte, port uint16, tiers [][]string, udpClient *trackerudp.Client, httpClient *trackerhttp.Client, dhtFn DHTLookup, peerCountFn func() int) *Controller {
	c := &Controller{
		infoHash: infoHash,
		peerID: peerID,
		port: port,
		udp: udpClient,
		http: httpClient,
		dhtFn: dhtFn,
		seen: mapset.NewSet(),
		Results: make(chan Candidate, 256),
		peerCountFn: peerCountFn,
		stop: make(chan struct{}),
	}
	seenURLs := make(map[string]bool)
	for tierIdx, urls := range tiers {
		var tier []*trackerEntry
		for _, u := range urls {
			if seenURLs[u] {
				continue
			}
			seenURLs[u] = true
			tier = append(tier, &trackerEntry{url: u, tier: tierIdx, backoff: initialBackoff})
		}
		if len(tier) > 0 {
			c.tiers = append(c.tiers, tier)
		}
	}
	return c
}

// Start announces event=started across tiers (falling back tier-by-tier on
// total failure) and launches the periodic announce/DHT loop.
func (c *Controller) Start(ctx context.Context) {
	go c.announceTier(ctx, trackerhttp.EventStarted)
	go c.loop(ctx)
}

// Stop announces event=stopped best-effort and halts the periodic loop.
func (c *Controller) Stop() {
	close(c.stop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.announceTier(ctx, trackerhttp.EventStopped)
}

func (c *Controller) loop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			due := false
			for _, tier := range c.tiers {
				for _, te := range tier {
					if !te.nextTry.IsZero() && now.After(te.nextTry) {
						due = true
					}
				}
			}
			c.mu.Unlock()
			if due {
				go c.announceTier(ctx, trackerhttp.EventNone)
			}
			if c.dhtFn != nil && (c.peerCountFn == nil || c.peerCountFn() < lowWatermark) {
				go c.queryDHT(ctx)
			}
		}
	}
}

// announceTier tries tier 0 first; if every tracker in a tier fails, falls
// through to the next tier.
func (c *Controller) announceTier(ctx context.Context, event trackerhttp.Event) {
	c.mu.Lock()
	tiers := c.tiers
	c.mu.Unlock()

	for _, tier := range tiers {
		anySucceeded := false
		for _, te := range tier {
			if te.failures >= maxRetries {
				continue
			}
			if !te.nextTry.IsZero() && time.Now().Before(te.nextTry) {
				continue
			}
			if c.announceOne(ctx, te, event) {
				anySucceeded = true
			}
		}
		if anySucceeded {
			return
		}
	}
}

func (c *Controller) announceOne(ctx context.Context, te *trackerEntry, event trackerhttp.Event) bool {
	var peers []Candidate
	var interval time.Duration
	var err error

	if strings.HasPrefix(te.url, "udp://") {
		peers, interval, err = c.announceUDP(ctx, te.url, event)
	} else {
		peers, interval, err = c.announceHTTPTier(te.url, event)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		recordFailure(te)
		if te.failures >= maxRetries {
			log.Printf("[announce] tracker %s exceeded max retries, evicting from rotation", te.url)
		}
		return false
	}
	recordSuccess(te, interval)

	for _, p := range peers {
		c.publish(p)
	}
	return true
}

// recordFailure applies the shared exponential-backoff schedule: on
// failure, the retry interval doubles, capped at maxBackoff, tracked in
// each tracker entry's own retry/backoff bookkeeping.
func recordFailure(te *trackerEntry) {
	te.failures++
	te.backoff *= 2
	if te.backoff > maxBackoff {
		te.backoff = maxBackoff
	}
	te.nextTry = time.Now().Add(te.backoff)
}

func recordSuccess(te *trackerEntry, interval time.Duration) {
	te.failures = 0
	te.backoff = initialBackoff
	te.lastOK = time.Now()
	te.interval = withJitter(interval)
	te.nextTry = time.Now().Add(te.interval)
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		d = 30 * time.Minute
	}
	delta := time.Duration(float64(d) * jitterFraction * (rand.Float64()*2 - 1))
	return d + delta
}

func (c *Controller) announceHTTPTier(url string, event trackerhttp.Event) ([]Candidate, time.Duration, error) {
	resp, err := c.http.Announce(trackerhttp.AnnounceRequest{
		URL: url,
		InfoHash: [20]byte(c.infoHash),
		PeerID: c.peerID,
		Port: c.port,
		Event: event,
		NumWant: 50,
		Compact: true,
	})
	if err != nil {
		return nil, 0, err
	}
	out := make([]Candidate, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		out = append(out, Candidate{Addr: &net.TCPAddr{IP: p.IP, Port: int(p.Port)}, Source: SourceTracker})
	}
	return out, time.Duration(resp.Interval) * time.Second, nil
}

func (c *Controller) announceUDP(ctx context.Context, rawURL string, event trackerhttp.Event) ([]Candidate, time.Duration, error) {
	host, port, err := splitUDPURL(rawURL)
	if err != nil {
		return nil, 0, err
	}
	if err := c.udp.Connect(ctx, host, port); err != nil {
		return nil, 0, err
	}
	resp, err := c.udp.Announce(ctx, host, port, trackerudp.AnnounceRequest{
			InfoHash: [20]byte(c.infoHash),
			PeerID: c.peerID,
			Port: c.port,
			Event: udpEventOf(event),
			NumWant: -1,
	})
	if err != nil {
		return nil, 0, err
	}
	out := make([]Candidate, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		out = append(out, Candidate{Addr: &net.TCPAddr{IP: p.IP, Port: int(p.Port)}, Source: SourceTracker})
	}
	return out, time.Duration(resp.Interval) * time.Second, nil
}

func udpEventOf(e trackerhttp.Event) trackerudp.Event {
	switch e {
	case trackerhttp.EventStarted:
		return trackerudp.EventStarted
	case trackerhttp.EventStopped:
		return trackerudp.EventStopped
	case trackerhttp.EventCompleted:
		return trackerudp.EventCompleted
	default:
		return trackerudp.EventNone
	}
}

func splitUDPURL(rawURL string) (string, int, error) {
	u := strings.TrimPrefix(rawURL, "udp://")
	u = strings.SplitN(u, "/", 2)[0]
	host, portStr, err := net.SplitHostPort(u)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func (c *Controller) queryDHT(ctx context.Context) {
	addrs := c.dhtFn(ctx, [20]byte(c.infoHash))
	for _, a := range addrs {
		c.publish(Candidate{Addr: &net.TCPAddr{IP: a.IP, Port: a.Port}, Source: SourceDHT})
	}
}

// publish dedups by (ip,port) via the shared set and forwards new candidates
// downstream to the peer-connection pool.
func (c *Controller) publish(cand Candidate) {
	key := cand.Addr.String()
	if c.seen.Contains(key) {
		return
	}
	c.seen.Add(key)
	select {
	case c.Results <- cand:
	default:
		log.Printf("[announce] candidate channel full, dropping %s", key)
	}
}
