package trackerudp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTracker is a minimal loopback BEP 15 server used to drive Client
// end-to-end without a real public tracker.
func fakeTracker(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := buf[:n]
			action := int32(binary.BigEndian.Uint32(req[8:12]))
			txn := int32(binary.BigEndian.Uint32(req[12:16]))
			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], 0)
				binary.BigEndian.PutUint32(resp[4:8], uint32(txn))
				binary.BigEndian.PutUint64(resp[8:16], 0x1122334455667788)
				conn.WriteToUDP(resp, addr)
			case actionAnnounce:
				resp := make([]byte, 26)
				binary.BigEndian.PutUint32(resp[0:4], uint32(actionAnnounce))
				binary.BigEndian.PutUint32(resp[4:8], uint32(txn))
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], 0)
				binary.BigEndian.PutUint32(resp[16:20], 1)
				resp[20], resp[21], resp[22], resp[23] = 127, 0, 0, 1
				resp[24], resp[25] = 0x1A, 0xE1
				conn.WriteToUDP(resp, addr)
			}
		}
	}()

	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func TestClientConnectAndAnnounce(t *testing.T) {
	_, port := fakeTracker(t)

	c, err := NewClient("127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx, "127.0.0.1", port))

	var infoHash, peerID [20]byte
	infoHash[0] = 0xAA
	resp, err := c.Announce(ctx, "127.0.0.1", port, AnnounceRequest{
			InfoHash: infoHash,
			PeerID: peerID,
			Left: 16384,
			NumWant: -1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
}

func TestSessionConnectionIDExpiry(t *testing.T) {
	s := newSession("127.0.0.1", 6969)
	s.connectionID = 42
	s.haveConn = true
	s.connectionTime = time.Now().Add(-51 * time.Second)

	require.False(t, s.connectionValid(time.Now()))
}

func TestSessionConnectionIDStillValid(t *testing.T) {
	s := newSession("127.0.0.1", 6969)
	s.connectionID = 42
	s.haveConn = true
	s.connectionTime = time.Now()

	require.True(t, s.connectionValid(time.Now()))
}
