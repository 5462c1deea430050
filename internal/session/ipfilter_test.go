package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIPFilterDeniesConfiguredCIDR(t *testing.T) {
	f := NewIPFilter([]string{"10.0.0.0/8"})
	require.True(t, f.Denied(net.ParseIP("10.1.2.3")))
	require.False(t, f.Denied(net.ParseIP("192.168.1.1")))
}

func TestIPFilterAcceptsPrivateAddressesByDefault(t *testing.T) {
	f := NewIPFilter(nil)
	require.False(t, f.Denied(net.ParseIP("192.168.0.5")))
	require.False(t, f.Denied(net.ParseIP("172.16.0.1")))
}

func TestIPFilterNilIPNeverDenied(t *testing.T) {
	f := NewIPFilter([]string{"10.0.0.0/8"})
	require.False(t, f.Denied(nil))
}

func TestIPFilterBanRejectsSubsequentConnections(t *testing.T) {
	f := NewIPFilter(nil)
	ip := net.ParseIP("203.0.113.9")
	require.False(t, f.Denied(ip))
	f.Ban(ip)
	require.True(t, f.Denied(ip))
}

func TestIPFilterUpdateReplacesDenyList(t *testing.T) {
	f := NewIPFilter([]string{"10.0.0.0/8"})
	require.True(t, f.Denied(net.ParseIP("10.1.1.1")))
	f.Update([]string{"172.16.0.0/12"})
	require.False(t, f.Denied(net.ParseIP("10.1.1.1")))
	require.True(t, f.Denied(net.ParseIP("172.16.5.5")))
}

func TestIPFilterIgnoresMalformedCIDR(t *testing.T) {
	f := NewIPFilter([]string{"not-a-cidr", "10.0.0.0/8"})
	require.True(t, f.Denied(net.ParseIP("10.0.0.1")))
}
