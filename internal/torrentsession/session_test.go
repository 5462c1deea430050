package torrentsession

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/picker"
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

func newTestSession(t *testing.T) *Session {
	t.Helper()
	data := make([]byte, 16384*2)
	mi := buildMeta(t, data, 16384)
	deps := Deps{
		DownloadDir: t.TempDir(),
		GlobalMaxPeers: 50,
	}
	s, err := NewFromMetaInfo(deps, mi)
	require.NoError(t, err)
	return s
}

func TestNewFromMetaInfoStartsQueuedWithZeroProgress(t *testing.T) {
	s := newTestSession(t)
	require.Equal(t, StatusQueued, s.Status())
	require.Equal(t, 0.0, s.Progress())
	require.Equal(t, 0, s.PeerCount())
}

func TestSetOptionMaxPeersAppliesImmediately(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.SetOption(MaxPeers(7)))
	require.EqualValues(t, 7, s.Options().MaxPeers)
}

func TestSetOptionPieceSelectionAppliesImmediately(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.SetOption(PieceSelection(picker.Sequential)))
	require.Equal(t, picker.Sequential, s.Options().PieceSelection)
}

func TestSetOptionPriorityRecordsPerFileWeight(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.SetOption(Priority{FileIndex: 0, Level: picker.PriorityHigh}))
	require.Equal(t, picker.PriorityHigh, s.Options().Priorities[0])
}

func TestSnapshotAndRestoreRoundTripVerifiedBitmap(t *testing.T) {
	s := newTestSession(t)
	data := make([]byte, 16384*2)
	require.NoError(t, s.storage.WriteBlock(0, 0, data[:16384]))
	ok, err := s.storage.VerifyPiece(0)
	require.NoError(t, err)
	require.True(t, ok)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.True(t, snap.VerifiedPieces[0])
	require.False(t, snap.VerifiedPieces[1])

	s2 := newTestSession(t)
	// Fresh session has different witnesses (different temp dir), so Restore
	// must detect drift and decline to adopt the stale bitmap rather than
	// silently marking unwritten pieces verified.
	err = s2.Restore(snap)
	require.NoError(t, err)
	require.False(t, s2.storage.IsVerified(0))
}

func TestInfoHashMatchesMetaInfo(t *testing.T) {
	s := newTestSession(t)
	require.Equal(t, s.mi.InfoHash(), s.InfoHash())
}
