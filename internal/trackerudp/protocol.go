// Package trackerudp implements the BEP 15 UDP tracker protocol: connection-id
// lifecycle, CONNECT/ANNOUNCE/SCRAPE wire formats, compact-peer parsing, and
// Karn-safe retransmit/backoff.
package trackerudp

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

const (
	protocolMagic int64 = 0x41727101980

	actionConnect int32 = 0
	actionAnnounce int32 = 1
	actionScrape int32 = 2
	actionError int32 = 3
)

// Event is the BEP 3 announce event.
type Event int32

const (
	EventNone Event = 0
	EventCompleted Event = 1
	EventStarted Event = 2
	EventStopped Event = 3
)

// Peer is one compact-peer tuple returned by ANNOUNCE.
type Peer struct {
	IP net.IP
	Port uint16
}

func encodeConnectRequest(txn int32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(protocolMagic))
	binary.BigEndian.PutUint32(buf[8:12], uint32(actionConnect))
	binary.BigEndian.PutUint32(buf[12:16], uint32(txn))
	return buf
}

// decodeConnectResponse parses a CONNECT reply and checks the transaction-id
// and action match.
func decodeConnectResponse(data []byte, wantTxn int32) (connectionID int64, err error) {
	if len(data) < 16 {
		return 0, fmt.Errorf("trackerudp: CONNECT response too short (%d bytes)", len(data))
	}
	action := int32(binary.BigEndian.Uint32(data[0:4]))
	txn := int32(binary.BigEndian.Uint32(data[4:8]))
	if txn != wantTxn {
		return 0, fmt.Errorf("trackerudp: CONNECT transaction-id mismatch")
	}
	if action == actionError {
		return 0, fmt.Errorf("trackerudp: tracker error: %s", string(data[8:]))
	}
	if action != actionConnect {
		return 0, fmt.Errorf("trackerudp: unexpected action %d in CONNECT response", action)
	}
	connectionID = int64(binary.BigEndian.Uint64(data[8:16]))
	return connectionID, nil
}

// AnnounceRequest is the input to the ANNOUNCE wire message.
type AnnounceRequest struct {
	ConnectionID int64
	Transaction int32
	InfoHash [20]byte
	PeerID [20]byte
	Downloaded int64
	Left int64
	Uploaded int64
	Event Event
	IP uint32 // 0 = tracker should use the sender's address
	Key uint32
	NumWant int32 // -1 = default
	Port uint16
}

func encodeAnnounceRequest(req AnnounceRequest) []byte {
	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], uint64(req.ConnectionID))
	binary.BigEndian.PutUint32(buf[8:12], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(buf[12:16], uint32(req.Transaction))
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], uint32(req.Event))
	binary.BigEndian.PutUint32(buf[84:88], req.IP)
	binary.BigEndian.PutUint32(buf[88:92], req.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(req.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	return buf
}

// AnnounceResponse is the parsed ANNOUNCE reply.
type AnnounceResponse struct {
	Interval int32
	Leechers int32
	Seeders int32
	Peers []Peer
	Truncated bool // a dangling <6-byte tail was discarded
}

// decodeAnnounceResponse parses the fixed header plus the compact-peer tail,
// truncating any trailing bytes that don't form a full 6-byte tuple.
func decodeAnnounceResponse(data []byte, wantTxn int32) (*AnnounceResponse, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("trackerudp: ANNOUNCE response too short (%d bytes)", len(data))
	}
	action := int32(binary.BigEndian.Uint32(data[0:4]))
	txn := int32(binary.BigEndian.Uint32(data[4:8]))
	if txn != wantTxn {
		return nil, fmt.Errorf("trackerudp: ANNOUNCE transaction-id mismatch")
	}
	if action == actionError {
		return nil, fmt.Errorf("trackerudp: tracker error: %s", string(data[8:]))
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("trackerudp: unexpected action %d in ANNOUNCE response", action)
	}

	resp := &AnnounceResponse{
		Interval: int32(binary.BigEndian.Uint32(data[8:12])),
		Leechers: int32(binary.BigEndian.Uint32(data[12:16])),
		Seeders: int32(binary.BigEndian.Uint32(data[16:20])),
	}

	peerBlob := data[20:]
	usable := len(peerBlob) - (len(peerBlob) % 6)
	if usable != len(peerBlob) {
		resp.Truncated = true
	}
	for i := 0; i+6 <= usable; i += 6 {
		ip := net.IPv4(peerBlob[i], peerBlob[i+1], peerBlob[i+2], peerBlob[i+3])
		port := binary.BigEndian.Uint16(peerBlob[i+4 : i+6])
		if ip.Equal(net.IPv4zero) || port == 0 {
			continue // invalid peer, skipped
		}
		resp.Peers = append(resp.Peers, Peer{IP: ip, Port: port})
	}
	return resp, nil
}

func encodeScrapeRequest(connectionID int64, txn int32, infoHashes [][20]byte) []byte {
	buf := make([]byte, 16+20*len(infoHashes))
	binary.BigEndian.PutUint64(buf[0:8], uint64(connectionID))
	binary.BigEndian.PutUint32(buf[8:12], uint32(actionScrape))
	binary.BigEndian.PutUint32(buf[12:16], uint32(txn))
	for i, h := range infoHashes {
		copy(buf[16+i*20:16+(i+1)*20], h[:])
	}
	return buf
}

// ScrapeStats is one info-hash's scrape entry.
type ScrapeStats struct {
	Complete int32
	Downloaded int32
	Incomplete int32
}

func decodeScrapeResponse(data []byte, wantTxn int32, n int) ([]ScrapeStats, error) {
	if len(data) < 8+12*n {
		return nil, fmt.Errorf("trackerudp: SCRAPE response too short (%d bytes)", len(data))
	}
	action := int32(binary.BigEndian.Uint32(data[0:4]))
	txn := int32(binary.BigEndian.Uint32(data[4:8]))
	if txn != wantTxn {
		return nil, fmt.Errorf("trackerudp: SCRAPE transaction-id mismatch")
	}
	if action == actionError {
		return nil, fmt.Errorf("trackerudp: tracker error: %s", string(data[8:]))
	}
	if action != actionScrape {
		return nil, fmt.Errorf("trackerudp: unexpected action %d in SCRAPE response", action)
	}
	out := make([]ScrapeStats, n)
	for i := 0; i < n; i++ {
		off := 8 + i*12
		out[i] = ScrapeStats{
			Complete: int32(binary.BigEndian.Uint32(data[off : off+4])),
			Downloaded: int32(binary.BigEndian.Uint32(data[off+4 : off+8])),
			Incomplete: int32(binary.BigEndian.Uint32(data[off+8 : off+12])),
		}
	}
	return out, nil
}

func protocolError(op string, err error) error { return ccerr.Protocol(op, err) }
