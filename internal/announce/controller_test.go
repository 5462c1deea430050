package announce

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
)

func TestNewDedupsTrackerURLsWithinATier(t *testing.T) {
	var ih metainfo.InfoHash
	var peerID [20]byte
	c := New(ih, peerID, 6881, [][]string{
			{"http://tracker.example/announce", "http://tracker.example/announce"},
			{"http://backup.example/announce"},
		}, nil, nil, nil, nil)

	require.Len(t, c.tiers, 2)
	require.Len(t, c.tiers[0], 1)
	require.Len(t, c.tiers[1], 1)
}

func TestPublishDedupsByAddr(t *testing.T) {
	var ih metainfo.InfoHash
	var peerID [20]byte
	c := New(ih, peerID, 6881, nil, nil, nil, nil, nil)

	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}
	c.publish(Candidate{Addr: addr, Source: SourceTracker})
	c.publish(Candidate{Addr: addr, Source: SourceDHT})

	require.Len(t, c.Results, 1)
}

func TestWithJitterStaysWithinTenPercent(t *testing.T) {
	base := 30 * time.Minute
	for i := 0; i < 20; i++ {
		got := withJitter(base)
		require.InDelta(t, base, got, float64(base)/10+1)
	}
}

func TestSplitUDPURL(t *testing.T) {
	host, port, err := splitUDPURL("udp://tracker.example:6969/announce")
	require.NoError(t, err)
	require.Equal(t, "tracker.example", host)
	require.Equal(t, 6969, port)
}

func TestRecordFailureDoublesBackoffUpToCap(t *testing.T) {
	te := &trackerEntry{backoff: initialBackoff}
	recordFailure(te)
	require.Equal(t, 1, te.failures)
	require.Equal(t, 2*initialBackoff, te.backoff)

	te.backoff = maxBackoff
	recordFailure(te)
	require.Equal(t, maxBackoff, te.backoff)
}

func TestRecordSuccessResetsBackoffAndFailures(t *testing.T) {
	te := &trackerEntry{failures: 3, backoff: maxBackoff}
	recordSuccess(te, 30*time.Minute)
	require.Equal(t, 0, te.failures)
	require.Equal(t, initialBackoff, te.backoff)
	require.False(t, te.lastOK.IsZero())
}
