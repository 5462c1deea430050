package trackerudp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestConnectRequestMagic exercises scenario S2 of : the CONNECT
// wire bytes use the fixed BEP 15 magic, action=0, and a transaction-id.
func TestConnectRequestMagic(t *testing.T) {
	req := encodeConnectRequest(0x58585858)
	require.Len(t, req, 16)
	require.Equal(t, uint64(protocolMagic), binary.BigEndian.Uint64(req[0:8]))
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(req[8:12]))
	require.Equal(t, uint32(0x58585858), binary.BigEndian.Uint32(req[12:16]))
}

func TestDecodeConnectResponse(t *testing.T) {
	resp := make([]byte, 16)
	binary.BigEndian.PutUint32(resp[0:4], 0) // action
	binary.BigEndian.PutUint32(resp[4:8], 0x58585858)
	binary.BigEndian.PutUint64(resp[8:16], 0xCCCCCCCCCCCCCCCC)

	connID, err := decodeConnectResponse(resp, 0x58585858)
	require.NoError(t, err)
	require.Equal(t, int64(-3689348814741910324) /* 0xCCCC...CCCC as signed */, connID)
}

func TestDecodeConnectResponseRejectsTxnMismatch(t *testing.T) {
	resp := make([]byte, 16)
	binary.BigEndian.PutUint32(resp[4:8], 0xAAAAAAAA)
	_, err := decodeConnectResponse(resp, 0x11111111)
	require.Error(t, err)
}

// TestCompactPeerTruncation exercises scenario S3: a peer blob of 13 bytes
// parses two peers and silently discards the dangling trailing byte.
func TestCompactPeerTruncation(t *testing.T) {
	header := make([]byte, 20)
	binary.BigEndian.PutUint32(header[0:4], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(header[4:8], 42)
	binary.BigEndian.PutUint32(header[8:12], 1800) // interval
	binary.BigEndian.PutUint32(header[12:16], 1) // leechers
	binary.BigEndian.PutUint32(header[16:20], 1) // seeders

	peers := []byte{
		127, 0, 0, 1, 0x1A, 0xE1, // peer 1
		10, 0, 0, 5, 0x1A, 0xE2, // peer 2
		0xFF, // dangling byte
	}
	data := append(header, peers...)

	resp, err := decodeAnnounceResponse(data, 42)
	require.NoError(t, err)
	require.Len(t, resp.Peers, 2)
	require.True(t, resp.Truncated)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
}

func TestCompactPeerSkipsInvalidAddresses(t *testing.T) {
	header := make([]byte, 20)
	binary.BigEndian.PutUint32(header[0:4], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(header[4:8], 7)

	peers := []byte{
		0, 0, 0, 0, 0x1A, 0xE1, // invalid IP 0.0.0.0
		127, 0, 0, 1, 0, 0, // invalid port 0
		192, 168, 1, 1, 0x1A, 0xE1, // valid private address, accepted
	}
	data := append(header, peers...)

	resp, err := decodeAnnounceResponse(data, 7)
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "192.168.1.1", resp.Peers[0].IP.String())
}

func TestDecodeAnnounceResponseRejectsTrackerError(t *testing.T) {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], uint32(actionError))
	binary.BigEndian.PutUint32(data[4:8], 5)
	data = append(data, []byte("nope")...)

	_, err := decodeAnnounceResponse(data, 5)
	require.Error(t, err)
}

func TestScrapeRoundTrip(t *testing.T) {
	var hash [20]byte
	hash[0] = 0xAA
	req := encodeScrapeRequest(99, 3, [][20]byte{hash})
	require.Len(t, req, 16+20)

	resp := make([]byte, 8+12)
	binary.BigEndian.PutUint32(resp[0:4], uint32(actionScrape))
	binary.BigEndian.PutUint32(resp[4:8], 3)
	binary.BigEndian.PutUint32(resp[8:12], 5) // complete
	binary.BigEndian.PutUint32(resp[12:16], 2) // downloaded
	binary.BigEndian.PutUint32(resp[16:20], 1) // incomplete

	stats, err := decodeScrapeResponse(resp, 3, 1)
	require.NoError(t, err)
	require.Equal(t, int32(5), stats[0].Complete)
}
