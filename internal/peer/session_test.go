package peer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/picker"
	"github.com/ccBitTorrent/ccbt-sub001/internal/storage"
	"github.com/ccBitTorrent/ccbt-sub001/internal/wire"
)

func buildSingleFileMeta(t *testing.T, data []byte, pieceLen int64) *metainfo.MetaInfo {
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

func newTestSession(t *testing.T, data []byte, pieceLen int64) (*Session, net.Conn) {
	t.Helper()
	mi := buildSingleFileMeta(t, data, pieceLen)
	dir := t.TempDir()
	st, err := storage.Open(dir, mi)
	require.NoError(t, err)
	p := picker.New(mi.NumPieces(), pieceLen, int64(len(data)), picker.RarestFirst)

	local, remote := net.Pipe()
	var ih, id [20]byte
	s := New(local, ih, id, p, st, 0)
	return s, remote
}

func TestPipelineDepthForRTT(t *testing.T) {
	require.Equal(t, maxPipelineDepth, pipelineDepthFor(50*time.Millisecond))
	require.Equal(t, 32, pipelineDepthFor(200*time.Millisecond))
	require.Equal(t, 16, pipelineDepthFor(500*time.Millisecond))
	require.Equal(t, minPipelineDepth, pipelineDepthFor(2*time.Second))
	require.Equal(t, minPipelineDepth, pipelineDepthFor(0))
}

func TestOnChokeReleasesOutstandingRequests(t *testing.T) {
	s, remote := newTestSession(t, make([]byte, 16384), 16384)
	defer remote.Close()

	blk := picker.Block{PieceIndex: 0, Begin: 0, Length: 16384}
	s.outstanding[blk] = outstandingRequest{block: blk, sentAt: time.Now()}

	require.NoError(t, s.onChoke())
	require.Empty(t, s.outstanding)
	require.True(t, s.peerChoking)
}

func TestOnBitfieldMarksPiecesAndUpdatesPickerAvailability(t *testing.T) {
	s, remote := newTestSession(t, make([]byte, 16384*3), 16384)
	defer remote.Close()

	// 3 pieces: bits 0 and 2 set, bit 1 clear -> 0b10100000
	s.onBitfield([]byte{0b10100000})

	require.True(t, s.HasPiece(0))
	require.False(t, s.HasPiece(1))
	require.True(t, s.HasPiece(2))
}

func TestOnPieceRejectsUnsolicitedData(t *testing.T) {
	s, remote := newTestSession(t, make([]byte, 16384), 16384)
	defer remote.Close()

	before := s.Reputation()
	err := s.onPiece(&wire.Message{ID: wire.Piece, Index: 0, Begin: 0, Block: make([]byte, 16384)})
	require.NoError(t, err)
	require.Equal(t, before-1, s.Reputation())
	require.Empty(t, s.pieceReceived)
}

func TestOnPieceCompletesAndVerifiesWholePiece(t *testing.T) {
	data := make([]byte, 16384)
	for i := range data {
		data[i] = byte(i)
	}
	s, remote := newTestSession(t, data, 16384)
	defer remote.Close()

	blk := picker.Block{PieceIndex: 0, Begin: 0, Length: int64(len(data))}
	s.outstanding[blk] = outstandingRequest{block: blk, sentAt: time.Now().Add(-10 * time.Millisecond)}

	done := make(chan error, 1)
	go func() {
		done <- s.onPiece(&wire.Message{ID: wire.Piece, Index: 0, Begin: 0, Block: data})
	}()

	// onPiece writes a HAVE back on successful verification; drain it so the
	// write doesn't block against the net.Pipe.
	buf := make([]byte, 64)
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, readErr := remote.Read(buf)
	require.NoError(t, readErr)

	require.NoError(t, <-done)
	require.True(t, s.storage.IsVerified(0))
}

func TestHandshakeRejectsMismatchedInfoHash(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	mi := buildSingleFileMeta(t, make([]byte, 16384), 16384)
	st, err := storage.Open(t.TempDir(), mi)
	require.NoError(t, err)
	p := picker.New(mi.NumPieces(), 16384, 16384, picker.RarestFirst)

	var ih, id [20]byte
	ih[0] = 0xAA
	s := New(local, ih, id, p, st, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.handshakeAndServe(ctx, true)
	}()

	// Respond as the remote peer with a different info_hash.
	_, err = wire.ReadHandshake(remote)
	require.NoError(t, err)
	var otherIH [20]byte
	otherIH[0] = 0xBB
	require.NoError(t, wire.WriteHandshake(remote, &wire.Handshake{InfoHash: otherIH}))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}
