package metadata

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/wire"
)

func TestSplitBencodeValueSeparatesDictFromTrailingBytes(t *testing.T) {
	dict, err := bencode.Marshal(pieceMsg{MsgType: msgTypeData, Piece: 0, TotalSize: 40})
	require.NoError(t, err)
	tail := []byte("raw-metadata-bytes-follow-here")

	payload := append(append([]byte(nil), dict...), tail...)
	value, rest, err := splitBencodeValue(payload)
	require.NoError(t, err)
	require.Equal(t, dict, value)
	require.Equal(t, tail, rest)
}

func TestScanValueHandlesNestedContainers(t *testing.T) {
	raw, err := bencode.Marshal(extHandshake{M: map[string]int64{"ut_metadata": 3}, MetadataSize: 1234})
	require.NoError(t, err)
	n, err := scanValue(raw, 0)
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
}

// fakeMetadataPeer plays the remote side of the ut_metadata exchange: reply
// to the extended handshake with metadata_size and a ut_metadata id, then
// serve whatever piece requests arrive from a fixed info dict.
func fakeMetadataPeer(t *testing.T, conn net.Conn, info []byte) {
	t.Helper()

	m, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.Extended, m.ID)
	require.Equal(t, byte(0), m.ExtendedID) // handshake always rides id 0

	hsBody, err := bencode.Marshal(extHandshake{M: map[string]int64{"ut_metadata": 1}, MetadataSize: int64(len(info))})
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, &wire.Message{ID: wire.Extended, ExtendedID: 0, ExtendedPayload: hsBody}))

	numPieces := (len(info) + metadataPieceSize - 1) / metadataPieceSize
	for i := 0; i < numPieces; i++ {
		req, err := wire.ReadMessage(conn)
		require.NoError(t, err)
		require.Equal(t, wire.Extended, req.ID)

		dict, _, err := splitBencodeValue(req.ExtendedPayload)
		require.NoError(t, err)
		var pm pieceMsg
		require.NoError(t, bencode.Unmarshal(dict, &pm))
		require.Equal(t, int64(msgTypeRequest), pm.MsgType)

		begin := int(pm.Piece) * metadataPieceSize
		end := begin + metadataPieceSize
		if end > len(info) {
			end = len(info)
		}
		respDict, err := bencode.Marshal(pieceMsg{MsgType: msgTypeData, Piece: pm.Piece, TotalSize: int64(len(info))})
		require.NoError(t, err)
		payload := append(respDict, info[begin:end]...)
		require.NoError(t, wire.WriteMessage(conn, &wire.Message{ID: wire.Extended, ExtendedID: 1, ExtendedPayload: payload}))
	}
}

func TestFetchFromPeerAssemblesAndVerifiesMetadata(t *testing.T) {
	info, err := bencode.Marshal(metainfo.Info{PieceLength: 16384, Pieces: make([]byte, 20), Name: "f.bin", Length: 16384})
	require.NoError(t, err)
	want := metainfo.InfoHash(sha1.Sum(info))

	local, remote := net.Pipe()
	defer remote.Close()

	go fakeMetadataPeer(t, remote, info)

	local.SetDeadline(time.Now().Add(5 * time.Second))
	got, err := FetchFromPeer(local, want)
	require.NoError(t, err)
	require.Equal(t, info, got)
}

func TestFetchFromPeerRejectsMismatchedHash(t *testing.T) {
	info, err := bencode.Marshal(metainfo.Info{PieceLength: 16384, Pieces: make([]byte, 20), Name: "f.bin", Length: 16384})
	require.NoError(t, err)
	var wrongWant metainfo.InfoHash
	wrongWant[0] = 0xFF

	local, remote := net.Pipe()
	defer remote.Close()

	go fakeMetadataPeer(t, remote, info)

	local.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = FetchFromPeer(local, wrongWant)
	require.Error(t, err)
}
