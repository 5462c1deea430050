package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnlimitedBucketNeverBlocks(t *testing.T) {
	b := NewBucket(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, b.WaitN(ctx, 10_000_000))
}

func TestManagerDrawsGlobalThenPerTorrent(t *testing.T) {
	m := NewManager(0, 0)
	m.SetTorrentLimit("aa", 1, 0) // 1 KiB/s down override

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, "aa", Down, 512))

	// A second 512-byte draw takes the rest of the override's 1024-byte
	// burst, so it is admitted within the deadline.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, m.Wait(ctx2, "aa", Down, 512))
}

func TestClearTorrentLimitFallsBackToGlobal(t *testing.T) {
	m := NewManager(0, 0)
	m.SetTorrentLimit("bb", 1, 1)
	m.ClearTorrentLimit("bb")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Wait(ctx, "bb", Down, 1_000_000))
}
