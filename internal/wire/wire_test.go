package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hs := &Handshake{}
	hs.SetBit(43)
	copy(hs.InfoHash[:], bytes.Repeat([]byte{0xAA}, 20))
	copy(hs.PeerID[:], bytes.Repeat([]byte{0xBB}, 20))

	require.NoError(t, WriteHandshake(&buf, hs))
	require.Equal(t, HandshakeLength, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, hs.InfoHash, got.InfoHash)
	require.Equal(t, hs.PeerID, got.PeerID)
	require.True(t, got.SupportsExtensionProtocol())
	require.False(t, got.SupportsDHT())
}

func TestReadHandshakeRejectsBadProtocolLength(t *testing.T) {
	buf := bytes.NewBuffer(append([]byte{18}, bytes.Repeat([]byte{0}, 70)...))
	_, err := ReadHandshake(buf)
	require.Error(t, err)
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []*Message{
		NewKeepAlive(),
		{ID: Choke},
		{ID: Unchoke},
		{ID: Interested},
		NewHave(7),
		NewBitfield([]byte{0x80, 0x01}),
		NewRequest(1, 0, 16384),
		NewCancel(1, 0, 16384),
		NewPiece(1, 0, []byte("hello")),
	}
	for _, m := range msgs {
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, m))
		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		require.Equal(t, m.KeepAlive, got.KeepAlive)
		require.Equal(t, m.ID, got.ID)
		require.Equal(t, m.Index, got.Index)
		require.Equal(t, m.Begin, got.Begin)
		if m.Bitfield != nil {
			require.Equal(t, m.Bitfield, got.Bitfield)
		}
		if m.Block != nil {
			require.Equal(t, m.Block, got.Block)
		}
	}
}

func TestReadMessageRejectsMalformedHave(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 3, byte(Have), 0, 0}) // length says 3 bytes, HAVE needs 5
	_, err := ReadMessage(&buf)
	require.Error(t, err)
}

func TestReadMessageRejectsMalformedRequest(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 5, byte(Request), 0, 0, 0, 0})
	_, err := ReadMessage(&buf)
	require.Error(t, err)
}

func TestReadMessagePieceMinimumLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 5, byte(Piece), 0, 0, 0, 0})
	_, err := ReadMessage(&buf)
	require.Error(t, err)
}
