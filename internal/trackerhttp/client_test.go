package trackerhttp

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnnounceCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// interval 1800, compact peers: one valid tuple (127.0.0.1:6881)
				body := "d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"
				w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient()
	var infoHash, peerID [20]byte
	resp, err := c.Announce(AnnounceRequest{
		URL: srv.URL, InfoHash: infoHash, PeerID: peerID, Port: 6881, Left: 1, Compact: true,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1800, resp.Interval)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("d14:failure reason22:torrent not registerede"))
	}))
	defer srv.Close()

	c := NewClient()
	var infoHash, peerID [20]byte
	_, err := c.Announce(AnnounceRequest{URL: srv.URL, InfoHash: infoHash, PeerID: peerID})
	require.Error(t, err)
}

func TestAnnounceDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body := "d8:intervali900e5:peersl" +
				"d2:ip9:127.0.0.17:peer id20:aaaaaaaaaaaaaaaaaaaa4:porti6881ee" +
				"ee"
				w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient()
	var infoHash, peerID [20]byte
	resp, err := c.Announce(AnnounceRequest{URL: srv.URL, InfoHash: infoHash, PeerID: peerID})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.EqualValues(t, 6881, resp.Peers[0].Port)
}
