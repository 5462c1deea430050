package nat

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerActiveAndExternalIP(t *testing.T) {
	m := &Manager{
		active: ProtocolNATPMP,
		extIP: net.IPv4(203, 0, 113, 5),
		mappings: make(map[string]Mapping),
	}
	require.Equal(t, ProtocolNATPMP, m.Active())
	require.Equal(t, "203.0.113.5", m.ExternalIP().String())
}

func TestMapPortNoActiveProtocolErrors(t *testing.T) {
	m := &Manager{active: ProtocolNone, mappings: make(map[string]Mapping)}
	_, err := m.MapPort("tcp", 6881)
	require.Error(t, err)
}

func TestUpnpProtoName(t *testing.T) {
	require.Equal(t, "TCP", upnpProtoName("tcp"))
	require.Equal(t, "UDP", upnpProtoName("udp"))
}

func TestMapKeyDistinguishesProtocolAndPort(t *testing.T) {
	require.NotEqual(t, mapKey("tcp", 6881), mapKey("udp", 6881))
	require.NotEqual(t, mapKey("tcp", 6881), mapKey("tcp", 6882))
}

func TestCloseStopsRefreshLoopWithoutPanicking(t *testing.T) {
	m := &Manager{
		active: ProtocolNone,
		mappings: make(map[string]Mapping),
		leaseDuration: time.Second,
		stop: make(chan struct{}),
	}
	m.Close()
}
