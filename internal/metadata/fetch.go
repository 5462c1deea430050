// Package metadata fetches a torrent's info dict from a peer over the BEP 10
// extension protocol's ut_metadata exchange (BEP 9), the step a magnet link
// bootstraps through before a torrent session has anything to verify pieces
// against.
package metadata

import (
	"crypto/sha1"
	"fmt"
	"net"
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/wire"
)

const (
	utMetadataName = "ut_metadata"
	metadataPieceSize = 16384

	msgTypeRequest = 0
	msgTypeData = 1
	msgTypeReject = 2

	fetchTimeout = 30 * time.Second
)

type extHandshake struct {
	M map[string]int64 `bencode:"m"`
	MetadataSize int64 `bencode:"metadata_size,omitempty"`
}

type pieceMsg struct {
	MsgType int64 `bencode:"msg_type"`
	Piece int64 `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

// FetchFromPeer drives the ut_metadata exchange with a single peer over an
// already-handshaken connection (the caller has already completed the 68-byte
// BitTorrent handshake and confirmed the peer's reserved bits advertise
// extension-protocol support), returning the raw info dict bytes once every
// piece has arrived and the assembled dict's SHA-1 matches want.
func FetchFromPeer(conn net.Conn, want metainfo.InfoHash) ([]byte, error) {
	conn.SetDeadline(time.Now().Add(fetchTimeout))
	defer conn.SetDeadline(time.Time{})

	hsBody, err := bencode.Marshal(extHandshake{M: map[string]int64{utMetadataName: 1}})
	if err != nil {
		return nil, fmt.Errorf("metadata: encode handshake: %w", err)
	}
	if err := wire.WriteMessage(conn, &wire.Message{ID: wire.Extended, ExtendedID: 0, ExtendedPayload: hsBody}); err != nil {
		return nil, fmt.Errorf("metadata: send handshake: %w", err)
	}

	var (
		peerUTID byte
		totalSize int
		numPieces int
		requested bool
		pieces = make(map[int][]byte)
	)

	for {
		m, err := wire.ReadMessage(conn)
		if err != nil {
			return nil, fmt.Errorf("metadata: read: %w", err)
		}
		if m.KeepAlive || m.ID != wire.Extended {
			continue
		}

		if m.ExtendedID == 0 {
			var hs extHandshake
			val, _, err := splitBencodeValue(m.ExtendedPayload)
			if err != nil {
				return nil, ccerr.Protocol("metadata.FetchFromPeer", fmt.Errorf("malformed extended handshake: %w", err))
			}
			if err := bencode.Unmarshal(val, &hs); err != nil {
				return nil, ccerr.Protocol("metadata.FetchFromPeer", fmt.Errorf("decode extended handshake: %w", err))
			}
			id, ok := hs.M[utMetadataName]
			if !ok {
				return nil, ccerr.Protocol("metadata.FetchFromPeer", fmt.Errorf("peer does not support ut_metadata"))
			}
			if hs.MetadataSize <= 0 {
				return nil, ccerr.Protocol("metadata.FetchFromPeer", fmt.Errorf("peer advertised empty metadata_size"))
			}
			peerUTID = byte(id)
			totalSize = int(hs.MetadataSize)
			numPieces = (totalSize + metadataPieceSize - 1) / metadataPieceSize

			for i := 0; i < numPieces; i++ {
				req, err := bencode.Marshal(pieceMsg{MsgType: msgTypeRequest, Piece: int64(i)})
				if err != nil {
					return nil, fmt.Errorf("metadata: encode request: %w", err)
				}
				if err := wire.WriteMessage(conn, &wire.Message{ID: wire.Extended, ExtendedID: peerUTID, ExtendedPayload: req}); err != nil {
					return nil, fmt.Errorf("metadata: send request: %w", err)
				}
			}
			continue
		}

		if peerUTID == 0 || totalSize == 0 {
			// A data message arriving before we've parsed the peer's
			// handshake would be a protocol violation; ignore defensively.
			continue
		}

		dictBytes, tail, err := splitBencodeValue(m.ExtendedPayload)
		if err != nil {
			return nil, ccerr.Protocol("metadata.FetchFromPeer", fmt.Errorf("malformed piece message: %w", err))
		}
		var pm pieceMsg
		if err := bencode.Unmarshal(dictBytes, &pm); err != nil {
			return nil, ccerr.Protocol("metadata.FetchFromPeer", fmt.Errorf("decode piece message: %w", err))
		}

		switch pm.MsgType {
		case msgTypeReject:
			return nil, ccerr.Network("metadata.FetchFromPeer", fmt.Errorf("peer rejected metadata piece %d", pm.Piece))
		case msgTypeData:
			pieces[int(pm.Piece)] = append([]byte(nil), tail...)
		default:
			continue
		}

		if len(pieces) == numPieces {
			return assemble(pieces, numPieces, totalSize, want)
		}
	}
}

func assemble(pieces map[int][]byte, numPieces, totalSize int, want metainfo.InfoHash) ([]byte, error) {
	out := make([]byte, 0, totalSize)
	for i := 0; i < numPieces; i++ {
		p, ok := pieces[i]
		if !ok {
			return nil, ccerr.Protocol("metadata.assemble", fmt.Errorf("missing piece %d", i))
		}
		out = append(out, p...)
	}
	if len(out) != totalSize {
		return nil, ccerr.Protocol("metadata.assemble", fmt.Errorf("assembled size %d != advertised %d", len(out), totalSize))
	}
	if sha1.Sum(out) != [20]byte(want) {
		return nil, ccerr.Validation("metadata.assemble", fmt.Errorf("%w: fetched info dict does not match magnet xt", ccerr.ErrWrongInfoHash))
	}
	return out, nil
}

// splitBencodeValue scans exactly one bencoded value (int, string, list, or
// dict) from the start of b and returns it along with whatever bytes follow
// it (ut_metadata DATA messages append the raw metadata chunk directly after
// the bencoded dict, outside the bencode grammar).
func splitBencodeValue(b []byte) (value []byte, rest []byte, err error) {
	n, err := scanValue(b, 0)
	if err != nil {
		return nil, nil, err
	}
	return b[:n], b[n:], nil
}

func scanValue(b []byte, i int) (int, error) {
	if i >= len(b) {
		return 0, fmt.Errorf("unexpected end of value at offset %d", i)
	}
	switch {
	case b[i] == 'i':
		j := i + 1
		for j < len(b) && b[j] != 'e' {
			j++
		}
		if j >= len(b) {
			return 0, fmt.Errorf("unterminated integer at offset %d", i)
		}
		return j + 1, nil
	case b[i] == 'l':
		j := i + 1
		for j < len(b) && b[j] != 'e' {
			n, err := scanValue(b, j)
			if err != nil {
				return 0, err
			}
			j = n
		}
		if j >= len(b) {
			return 0, fmt.Errorf("unterminated list at offset %d", i)
		}
		return j + 1, nil
	case b[i] == 'd':
		j := i + 1
		for j < len(b) && b[j] != 'e' {
			n, err := scanValue(b, j) // key (a bencoded string)
			if err != nil {
				return 0, err
			}
			j = n
			n, err = scanValue(b, j) // value
			if err != nil {
				return 0, err
			}
			j = n
		}
		if j >= len(b) {
			return 0, fmt.Errorf("unterminated dict at offset %d", i)
		}
		return j + 1, nil
	case b[i] >= '0' && b[i] <= '9':
		j := i
		for j < len(b) && b[j] != ':' {
			j++
		}
		if j >= len(b) {
			return 0, fmt.Errorf("malformed string length at offset %d", i)
		}
		var length int
		for _, c := range b[i:j] {
			length = length*10 + int(c-'0')
		}
		end := j + 1 + length
		if end > len(b) {
			return 0, fmt.Errorf("string length %d exceeds buffer at offset %d", length, i)
		}
		return end, nil
	default:
		return 0, fmt.Errorf("unrecognized bencode tag %q at offset %d", b[i], i)
	}
}
