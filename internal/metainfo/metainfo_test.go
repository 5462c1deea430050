package metainfo

import (
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
)

func buildTorrentBytes(t *testing.T, pieceLen, length int64, numPieces int) []byte {
	t.Helper()
	pieces := make([]byte, 20*numPieces)
	for i := 0; i < numPieces; i++ {
		h := sha1.Sum([]byte{byte(i)})
		copy(pieces[i*20:], h[:])
	}
	info := Info{
		PieceLength: pieceLen,
		Pieces: pieces,
		Name: "file.bin",
		Length: length,
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	mi := struct {
		Info bencode.RawMessage `bencode:"info"`
		Announce string `bencode:"announce"`
	}{
		Info: bencode.RawMessage(infoBytes),
		Announce: "udp://127.0.0.1:6969",
	}
	b, err := bencode.Marshal(mi)
	require.NoError(t, err)
	return b
}

func TestParseSingleFileTorrent(t *testing.T) {
	b := buildTorrentBytes(t, 16384, 16384, 1)
	mi, err := Parse(strings.NewReader(string(b)))
	require.NoError(t, err)
	require.Equal(t, 1, mi.NumPieces())
	total, err := mi.TotalLength()
	require.NoError(t, err)
	require.Equal(t, int64(16384), total)
	require.Equal(t, "udp://127.0.0.1:6969", mi.Announce)
	require.Len(t, mi.InfoHash(), 20)
}

func TestParseRejectsPieceCountMismatch(t *testing.T) {
	b := buildTorrentBytes(t, 16384, 32768, 1) // should be 2 pieces, only 1 given
	_, err := Parse(strings.NewReader(string(b)))
	require.Error(t, err)
}

func TestParseMagnetBasic(t *testing.T) {
	m, err := ParseMagnet("magnet:?xt=urn:btih:" + strings.Repeat("aa", 20) + "&dn=Example&tr=udp://tracker.example:80/announce")
	require.NoError(t, err)
	require.Equal(t, "Example", m.DisplayName)
	require.Equal(t, []string{"udp://tracker.example:80/announce"}, m.Trackers)
	require.Equal(t, strings.Repeat("aa", 20), m.InfoHash.String())
}

func TestParseMagnetRejectsMissingXT(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=Example")
	require.Error(t, err)
}
