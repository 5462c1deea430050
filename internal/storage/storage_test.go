package storage

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
)

func buildMeta(t *testing.T, data []byte, pieceLen int64) *metainfo.MetaInfo {
	t.Helper()
	numPieces := (len(data) + int(pieceLen) - 1) / int(pieceLen)
	pieces := make([]byte, 0, 20*numPieces)
	for i := 0; i < numPieces; i++ {
		begin := i * int(pieceLen)
		end := begin + int(pieceLen)
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[begin:end])
		pieces = append(pieces, h[:]...)
	}
	info := metainfo.Info{PieceLength: pieceLen, Pieces: pieces, Name: "f.bin", Length: int64(len(data))}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	wrapper := struct {
		Info bencode.RawMessage `bencode:"info"`
	}{Info: bencode.RawMessage(infoBytes)}
	b, err := bencode.Marshal(wrapper)
	require.NoError(t, err)

	mi, err := metainfo.Parse(bytes.NewReader(b))
	require.NoError(t, err)
	return mi
}

func TestWriteVerifyRoundTrip(t *testing.T) {
	data := make([]byte, 16384*2)
	for i := range data {
		data[i] = byte(i)
	}
	mi := buildMeta(t, data, 16384)
	dir := t.TempDir()
	s, err := Open(dir, mi)
	require.NoError(t, err)

	require.NoError(t, s.WriteBlock(0, 0, data[:16384]))
	require.NoError(t, s.WriteBlock(1, 0, data[16384:]))

	ok, err := s.VerifyPiece(0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.VerifyPiece(1)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, int64(len(data)), s.BytesVerified())
}

func TestVerifyPieceDetectsMismatch(t *testing.T) {
	data := make([]byte, 16384)
	mi := buildMeta(t, data, 16384)
	dir := t.TempDir()
	s, err := Open(dir, mi)
	require.NoError(t, err)

	garbage := make([]byte, 16384)
	garbage[0] = 0xFF
	require.NoError(t, s.WriteBlock(0, 0, garbage))

	ok, err := s.VerifyPiece(0)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, s.IsVerified(0))
}
