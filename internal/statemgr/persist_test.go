package statemgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/torrentsession"
)

func snapshotFixture() torrentsession.Snapshot {
	return torrentsession.Snapshot{
		InfoHash: metainfo.InfoHash{0xbb},
		VerifiedPieces: []bool{true, false, true},
		Status: torrentsession.StatusPaused,
		Progress: 0.5,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	s := New()
	s.Torrents["aaaa"] = TorrentState{
		MagnetURI: "magnet:?xt=urn:btih:aaaa",
	}
	s.Session.TotalDownloaded = 1024

	require.NoError(t, m.Save(s))

	loaded, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, s.Version, loaded.Version)
	require.Equal(t, s.Session.TotalDownloaded, loaded.Session.TotalDownloaded)
	require.Contains(t, loaded.Torrents, "aaaa")
}

func TestLoadFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	first := New()
	first.Session.StartCount = 1
	require.NoError(t, m.Save(first))

	second := New()
	second.Session.StartCount = 2
	require.NoError(t, m.Save(second))

	// Corrupt the primary; the backup (= first save) should still load.
	require.NoError(t, corruptFile(filepath.Join(dir, stateFileName)))

	loaded, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Session.StartCount)
}

func TestSnapshotSurvivesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	s := New()
	s.Torrents["bbbb"] = TorrentState{
		Snapshot: snapshotFixture(),
	}
	require.NoError(t, m.Save(s))

	loaded, err := m.Load()
	require.NoError(t, err)
	got := loaded.Torrents["bbbb"].Snapshot
	require.Equal(t, metainfo.InfoHash{0xbb}, got.InfoHash)
	require.Equal(t, []bool{true, false, true}, got.VerifiedPieces)
}

func corruptFile(path string) error {
	return os.WriteFile(path, []byte("not a valid packed-map document"), 0o644)
}
