package session

import (
	"hash/fnv"
	"net"
	"sync"

	"github.com/steakknife/bloomfilter"
)

const (
	bannedCapacity = 200000
	bannedFalsePos = 0.001
)

// IPFilter combines the configured CIDR deny-list with a probabilistic set of peers banned at runtime
// for reputation violations. The deny-list is small and checked exactly;
// the runtime-banned set can grow large over a long-running daemon, so it
// is backed by a Bloom filter to keep the per-connection check O(1) and
// allocation-free.
type IPFilter struct {
	mu sync.RWMutex
	denyNets []*net.IPNet
	banned *bloomfilter.Filter
}

// NewIPFilter builds a filter from the configured CIDR list.
func NewIPFilter(cidrs []string) *IPFilter {
	f := &IPFilter{}
	f.Update(cidrs)
	if bf, err := bloomfilter.NewOptimal(bannedCapacity, bannedFalsePos); err == nil {
		f.banned = bf
	}
	return f
}

// Update replaces the configured CIDR deny-list.
func (f *IPFilter) Update(cidrs []string) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		if c == "" {
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		nets = append(nets, n)
	}
	f.mu.Lock()
	f.denyNets = nets
	f.mu.Unlock()
}

// Denied reports whether ip matches the configured deny-list or has been
// banned at runtime. Filtering strictness follows the reference behavior:
// only explicitly-configured or explicitly-banned addresses are rejected;
// private/NAT ranges are accepted by default (tracker/DHT candidates may
// legitimately be behind NAT).
func (f *IPFilter) Denied(ip net.IP) bool {
	if ip == nil {
		return false
	}
	f.mu.RLock()
	nets := f.denyNets
	f.mu.RUnlock()
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return f.bannedContains(ip)
}

// Ban adds ip to the runtime-banned probabilistic set; Denied reports it as
// denied from then on.
func (f *IPFilter) Ban(ip net.IP) {
	if f.banned == nil || ip == nil {
		return
	}
	h := fnv.New64a()
	h.Write(ip.To16())
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned.Add(h)
}

func (f *IPFilter) bannedContains(ip net.IP) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.banned == nil {
		return false
	}
	h := fnv.New64a()
	h.Write(ip.To16())
	return f.banned.Contains(h)
}
