package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub001/internal/config"
)

func TestAcquireSingleInstanceRejectsSecondHolder(t *testing.T) {
	dir := t.TempDir()

	a := New(dir)
	require.NoError(t, a.AcquireSingleInstance())
	require.NoError(t, a.WritePID())

	b := New(dir)
	err := b.AcquireSingleInstance()
	require.Error(t, err)

	a.Release()
}

func TestAcquireSingleInstanceReclaimsAfterRelease(t *testing.T) {
	dir := t.TempDir()

	a := New(dir)
	require.NoError(t, a.AcquireSingleInstance())
	a.Release()

	c := New(dir)
	require.NoError(t, c.AcquireSingleInstance())
	c.Release()
}

func TestWaitForShutdownRespectsContextCancel(t *testing.T) {
	s := New(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sig := s.WaitForShutdown(ctx)
	require.Nil(t, sig)
	require.True(t, s.ShuttingDown())
}

func TestWatchConfigClassifiesHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ccbt.conf")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	seen := make(chan config.Diff, 1)
	cw, err := WatchConfig(path, cfg, func(_ *config.Config, diff config.Diff) {
			seen <- diff
	})
	require.NoError(t, err)
	defer cw.Close()

	require.NoError(t, os.WriteFile(path, []byte("network.listen_port = 7000\n"), 0o644))

	select {
	case diff := <-seen:
		require.Contains(t, diff.Changed, "network.listen_port")
		require.False(t, diff.RequiresRestart)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
