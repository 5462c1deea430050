package session

import (
	"bytes"
	"crypto/sha1"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/torrentsession"
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

func newTestTorrentSession(t *testing.T) *torrentsession.Session {
	t.Helper()
	data := make([]byte, 16384)
	mi := buildMeta(t, data, 16384)
	ts, err := torrentsession.NewFromMetaInfo(torrentsession.Deps{
		DownloadDir: t.TempDir(),
		GlobalMaxPeers: 50,
	}, mi)
	require.NoError(t, err)
	return ts
}

func TestManagerAddGetRemoveList(t *testing.T) {
	m := New(Config{MaxGlobalPeers: 10})
	ts := newTestTorrentSession(t)

	m.Add(ts)
	got, ok := m.Get(ts.InfoHash())
	require.True(t, ok)
	require.Same(t, ts, got)
	require.Len(t, m.List(), 1)

	m.Remove(ts.InfoHash())
	_, ok = m.Get(ts.InfoHash())
	require.False(t, ok)
	require.Len(t, m.List(), 0)
}

func TestManagerApplyHotReloadUpdatesCapAndFilter(t *testing.T) {
	m := New(Config{MaxGlobalPeers: 10})
	m.ApplyHotReload(5, []string{"10.0.0.0/8"})
	require.Equal(t, 5, m.maxGlobalPeers)
	require.True(t, m.ipFilter.Denied(net.ParseIP("10.1.2.3")))
}

func TestManagerAtGlobalCapReflectsPeerCounts(t *testing.T) {
	m := New(Config{MaxGlobalPeers: 0})
	require.True(t, m.atGlobalCap())
}

func TestManagerServeWithoutListenFails(t *testing.T) {
	m := New(Config{MaxGlobalPeers: 10})
	err := m.Serve(nil)
	require.Error(t, err)
}
