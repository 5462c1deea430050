// Package nat probes UPnP IGD and NAT-PMP in parallel to map the listening
// ports through a home-router NAT, exposing the winning external address to
// the announce controller and the IPC status API.
package nat

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

// Protocol identifies which NAT traversal mechanism is currently mapping ports.
type Protocol string

const (
	ProtocolNone Protocol = "none"
	ProtocolUPnP Protocol = "upnp"
	ProtocolNATPMP Protocol = "natpmp"
)

const probeTimeout = 5 * time.Second

// Mapping is one active port mapping.
type Mapping struct {
	Protocol string // "tcp" or "udp"
	InternalPort int
	ExternalPort int
}

// upnpClient is the minimal surface both internetgateway2 client types
// (WANIPConnection1/2, WANPPPConnection1) expose, used to avoid type-switching
// on every call.
type upnpClient interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

// Manager owns whichever NAT traversal protocol first answered during the
// probe race, refreshing its leases until Close.
type Manager struct {
	mu sync.Mutex
	active Protocol
	upnp upnpClient
	pmp *natpmp.Client
	pmpGW net.IP
	extIP net.IP
	mappings map[string]Mapping // keyed by "proto:internalPort"

	leaseDuration time.Duration
	stop chan struct{}
}

// NewManager probes UPnP and NAT-PMP concurrently, choosing whichever answers first, and returns a Manager
// that refreshes the winning lease in the background.
func NewManager(ctx context.Context, enableUPnP, enableNATPMP bool, leaseDuration time.Duration) (*Manager, error) {
	m := &Manager{
		mappings: make(map[string]Mapping),
		leaseDuration: leaseDuration,
		stop: make(chan struct{}),
	}

	type result struct {
		proto Protocol
		upnp upnpClient
		pmp *natpmp.Client
		gw net.IP
		extIP net.IP
	}
	results := make(chan result, 2)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	if enableUPnP {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, extIP, err := probeUPnP(probeCtx)
			if err != nil {
				log.Printf("[nat] upnp probe failed: %v", err)
				return
			}
			results <- result{proto: ProtocolUPnP, upnp: client, extIP: extIP}
		}()
	}
	if enableNATPMP {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, gw, extIP, err := probeNATPMP()
			if err != nil {
				log.Printf("[nat] nat-pmp probe failed: %v", err)
				return
			}
			results <- result{proto: ProtocolNATPMP, pmp: client, gw: gw, extIP: extIP}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	select {
	case r, ok := <-results:
		if !ok {
			m.active = ProtocolNone
			return m, ccerr.Network("nat.NewManager", fmt.Errorf("no NAT traversal protocol available"))
		}
		m.active = r.proto
		m.upnp = r.upnp
		m.pmp = r.pmp
		m.pmpGW = r.gw
		m.extIP = r.extIP
	case <-probeCtx.Done():
		m.active = ProtocolNone
		return m, ccerr.Network("nat.NewManager", fmt.Errorf("NAT probe timed out"))
	}

	go m.refreshLoop()
	return m, nil
}

func probeUPnP(ctx context.Context) (upnpClient, net.IP, error) {
	clients1, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
	if err == nil && len(clients1) > 0 {
		c := clients1[0]
		ipStr, err := c.GetExternalIPAddress()
		if err == nil {
			return c, net.ParseIP(ipStr), nil
		}
	}
	clients2, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx)
	if err == nil && len(clients2) > 0 {
		c := clients2[0]
		ipStr, err := c.GetExternalIPAddress()
		if err == nil {
			return c, net.ParseIP(ipStr), nil
		}
	}
	ppp, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
	if err == nil && len(ppp) > 0 {
		c := ppp[0]
		ipStr, err := c.GetExternalIPAddress()
		if err == nil {
			return c, net.ParseIP(ipStr), nil
		}
	}
	return nil, nil, fmt.Errorf("no UPnP IGD WANIPConnection/WANPPPConnection service found")
}

// the three generated client constructors above each return
// (clients []*T, discoveryErrors []error, err error); the middle slice
// holds per-device discovery errors we don't need at this granularity.

func defaultGateway() (net.IP, error) {
	// Heuristic consistent with go-nat-pmp's own examples: most home routers
	// sit at the first address of the local /24; a full routing-table probe
	// is unnecessary complexity for a LAN gateway lookup.
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		ip4 := ipnet.IP.To4()
		gw := net.IPv4(ip4[0], ip4[1], ip4[2], 1)
		return gw, nil
	}
	return nil, fmt.Errorf("no usable IPv4 interface found")
}

func probeNATPMP() (*natpmp.Client, net.IP, net.IP, error) {
	gw, err := defaultGateway()
	if err != nil {
		return nil, nil, nil, err
	}
	client := natpmp.NewClientWithTimeout(gw, probeTimeout)
	resp, err := client.GetExternalAddress()
	if err != nil {
		return nil, nil, nil, err
	}
	ip := net.IPv4(resp.ExternalIPAddress[0], resp.ExternalIPAddress[1], resp.ExternalIPAddress[2], resp.ExternalIPAddress[3])
	return client, gw, ip, nil
}

// Active reports which protocol won the probe race.
func (m *Manager) Active() Protocol {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ExternalIP returns the router-reported external IPv4 address.
func (m *Manager) ExternalIP() net.IP {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extIP
}

// MapPort requests a port mapping for the given protocol ("tcp"/"udp") and
// internal port, returning the external port actually granted.
func (m *Manager) MapPort(proto string, internalPort int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.active {
	case ProtocolUPnP:
		if m.upnp == nil {
			return 0, ccerr.Network("nat.MapPort", fmt.Errorf("no active UPnP client"))
		}
		err := m.upnp.AddPortMapping("", uint16(internalPort), upnpProtoName(proto), uint16(internalPort), localIP(), true, "ccbtd", uint32(m.leaseDuration.Seconds()))
		if err != nil {
			return 0, ccerr.Network("nat.MapPort", err)
		}
		m.mappings[mapKey(proto, internalPort)] = Mapping{Protocol: proto, InternalPort: internalPort, ExternalPort: internalPort}
		return internalPort, nil
	case ProtocolNATPMP:
		if m.pmp == nil {
			return 0, ccerr.Network("nat.MapPort", fmt.Errorf("no active NAT-PMP client"))
		}
		resp, err := m.pmp.AddPortMapping(proto, internalPort, internalPort, int(m.leaseDuration.Seconds()))
		if err != nil {
			return 0, ccerr.Network("nat.MapPort", err)
		}
		ext := int(resp.MappedExternalPort)
		m.mappings[mapKey(proto, internalPort)] = Mapping{Protocol: proto, InternalPort: internalPort, ExternalPort: ext}
		return ext, nil
	default:
		return 0, ccerr.Network("nat.MapPort", fmt.Errorf("no active NAT traversal protocol"))
	}
}

func upnpProtoName(proto string) string {
	if proto == "udp" {
		return "UDP"
	}
	return "TCP"
}

func mapKey(proto string, port int) string { return fmt.Sprintf("%s:%d", proto, port) }

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// refreshLoop renews the active lease before it expires.
func (m *Manager) refreshLoop() {
	margin := m.leaseDuration / 5
	if margin <= 0 {
		margin = 30 * time.Second
	}
	interval := m.leaseDuration - margin
	if interval <= 0 {
		interval = m.leaseDuration
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.renewAll()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) renewAll() {
	m.mu.Lock()
	snapshot := make([]Mapping, 0, len(m.mappings))
	for _, mp := range m.mappings {
		snapshot = append(snapshot, mp)
	}
	m.mu.Unlock()

	for _, mp := range snapshot {
		if _, err := m.MapPort(mp.Protocol, mp.InternalPort); err != nil {
			log.Printf("[nat] lease refresh failed for %s/%d: %v", mp.Protocol, mp.InternalPort, err)
		}
	}
}

// Close tears down all active mappings and stops lease refresh.
func (m *Manager) Close() {
	close(m.stop)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mp := range m.mappings {
		switch m.active {
		case ProtocolUPnP:
			if m.upnp != nil {
				_ = m.upnp.DeletePortMapping("", uint16(mp.ExternalPort), upnpProtoName(mp.Protocol))
			}
		case ProtocolNATPMP:
			if m.pmp != nil {
				_, _ = m.pmp.AddPortMapping(mp.Protocol, mp.InternalPort, 0, 0)
			}
		}
	}
}
