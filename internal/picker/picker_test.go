package picker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	has map[int]bool
	outstanding map[Block]bool
}

func (f fakePeer) HasPiece(index int) bool { return f.has[index] }
func (f fakePeer) HasOutstanding(b Block) bool { return f.outstanding[b] }

func allPieces(n int) fakePeer {
	has := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		has[i] = true
	}
	return fakePeer{has: has, outstanding: make(map[Block]bool)}
}

func TestRarestFirstPrefersLeastAvailablePiece(t *testing.T) {
	p := New(4, 16384, 4*16384, RarestFirst)
	// piece 2 is rarer than the rest.
	p.PeerHasPiece(0)
	p.PeerHasPiece(0)
	p.PeerHasPiece(1)
	p.PeerHasPiece(1)
	p.PeerHasPiece(2)
	p.PeerHasPiece(3)
	p.PeerHasPiece(3)

	b := p.NextBlock(allPieces(4))
	require.NotNil(t, b)
	require.Equal(t, 2, b.PieceIndex)
	require.Equal(t, int64(0), b.Begin)
}

func TestSequentialPicksLowestIndexFirst(t *testing.T) {
	p := New(4, 16384, 4*16384, Sequential)
	b := p.NextBlock(allPieces(4))
	require.NotNil(t, b)
	require.Equal(t, 0, b.PieceIndex)
}

func TestBlockSchedulingIsAscendingWithinPiece(t *testing.T) {
	p := New(1, 32768, 32768, Sequential)
	b1 := p.NextBlock(allPieces(1))
	require.NotNil(t, b1)
	require.Equal(t, int64(0), b1.Begin)
	require.Equal(t, int64(16384), b1.Length)

	b2 := p.NextBlock(allPieces(1))
	require.NotNil(t, b2)
	require.Equal(t, int64(16384), b2.Begin)

	// Piece fully requested; no further blocks until something is released.
	b3 := p.NextBlock(allPieces(1))
	require.Nil(t, b3)
}

func TestMarkHaveExcludesPieceFromFurtherRequests(t *testing.T) {
	p := New(2, 16384, 2*16384, Sequential)
	p.MarkHave(0)
	b := p.NextBlock(allPieces(2))
	require.NotNil(t, b)
	require.Equal(t, 1, b.PieceIndex)
}

func TestDoNotDownloadPriorityExcludesPiece(t *testing.T) {
	p := New(2, 16384, 2*16384, Sequential)
	p.SetPriority(0, PriorityDoNotDownload)
	b := p.NextBlock(allPieces(2))
	require.NotNil(t, b)
	require.Equal(t, 1, b.PieceIndex)
}

func TestReleaseBlockAllowsRerequest(t *testing.T) {
	p := New(1, 16384, 16384, Sequential)
	b := p.NextBlock(allPieces(1))
	require.NotNil(t, b)
	require.Nil(t, p.NextBlock(allPieces(1)))

	p.ReleaseBlock(*b)
	p.ResetPiece(0)
	again := p.NextBlock(allPieces(1))
	require.NotNil(t, again)
	require.Equal(t, int64(0), again.Begin)
}

func TestEndgameRequestsOutstandingBlockFromAnyHavingPeer(t *testing.T) {
	p := New(3, 16384, 3*16384, RarestFirst)
	p.SetEndgameThreshold(5) // all 3 remaining pieces count as endgame
	b := p.NextBlock(allPieces(3))
	require.NotNil(t, b)
	// In endgame, re-requesting from another peer with the same piece must
	// still be servable instead of nil, since duplicates race to completion.
	b2 := p.NextBlock(allPieces(3))
	require.NotNil(t, b2)
}

func TestEndgameCyclesThroughDistinctBlocksOfAMultiBlockPiece(t *testing.T) {
	p := New(1, 65536, 65536, RarestFirst) // 4 blocks of 16384 each
	p.SetEndgameThreshold(5)
	peer := allPieces(1)

	seen := make(map[int64]bool)
	for i := 0; i < 4; i++ {
		b := p.NextBlock(peer)
		require.NotNil(t, b)
		require.False(t, seen[b.Begin], "block at begin=%d was already requested", b.Begin)
		seen[b.Begin] = true
		peer.outstanding[*b] = true
	}
	require.Len(t, seen, 4)

	// Every block of the piece is now outstanding to this peer; none should
	// be re-offered to it.
	require.Nil(t, p.NextBlock(peer))
}

func TestStreamingWindowPrioritizesCursor(t *testing.T) {
	p := New(10, 16384, 10*16384, Streaming)
	p.SetStreamingCursor(5)
	p.SetStreamingWindowSize(2)
	b := p.NextBlock(allPieces(10))
	require.NotNil(t, b)
	require.True(t, b.PieceIndex == 5 || b.PieceIndex == 6)
}

func TestShortFinalBlockIsClampedToPieceBoundary(t *testing.T) {
	p := New(1, 16384, 16384+100, Sequential) // not actually used as single piece in this unit
	// Use a picker scoped to exactly one undersized piece.
	p2 := New(1, 20000, 20000, Sequential)
	b1 := p2.NextBlock(allPieces(1))
	require.NotNil(t, b1)
	require.Equal(t, int64(16384), b1.Length)
	b2 := p2.NextBlock(allPieces(1))
	require.NotNil(t, b2)
	require.Equal(t, int64(20000-16384), b2.Length)
	_ = p
}
