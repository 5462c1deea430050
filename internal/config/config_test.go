package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 6881, cfg.Network.ListenPort)
	require.True(t, cfg.Network.EnableTCP)
	require.True(t, filepath.IsAbs(cfg.Disk.DownloadDir))
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ccbt.conf")
	require.NoError(t, os.WriteFile(path, []byte("network.listen_port = 7000\nstrategy.piece_selection = sequential\n"), 0o644))

	t.Setenv("CCBT_NETWORK_LISTEN_PORT", "7777")
	cfg, err := Load(path)
	require.NoError(t, err)
	// Env overrides file.
	require.Equal(t, 7777, cfg.Network.ListenPort)
	require.Equal(t, "sequential", cfg.Strategy.PieceSelection)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Network.ListenPort = 70000
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsBadStrategy(t *testing.T) {
	cfg := Default()
	cfg.Strategy.PieceSelection = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestClassifyHotReloadable(t *testing.T) {
	old := Default()
	next := Default()
	next.Network.ListenPort = 6882

	d := Classify(old, next)
	require.False(t, d.RequiresRestart)
	require.Contains(t, d.Changed, "network.listen_port")
}

func TestClassifyRequiresRestart(t *testing.T) {
	old := Default()
	next := Default()
	next.Disk.DownloadDir = "/somewhere/else"

	d := Classify(old, next)
	require.True(t, d.RequiresRestart)
	require.Contains(t, d.Changed, "disk.download_dir")
}

func TestClassifyMixedChangesStillRequiresRestart(t *testing.T) {
	old := Default()
	next := Default()
	next.Network.ListenPort = 6882 // hot-reloadable
	next.Queue.MaxConcurrentSeeds = 1 // not on the allow-list

	d := Classify(old, next)
	require.True(t, d.RequiresRestart)
}
