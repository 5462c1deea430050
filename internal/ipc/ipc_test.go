package ipc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccBitTorrent/ccbt-sub001/internal/session"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	mgr := session.New(session.Config{MaxGlobalPeers: 200})
	return NewServer(Deps{Manager: mgr})
}

func TestHandleStatusEmpty(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success)
}

func TestHandleAddRejectsEmptyBody(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/torrent/add", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.False(t, env.Success)
}

func TestHandleRemoveUnknownTorrentNotFound(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/torrent/remove", bytes.NewReader([]byte(`{"info_hash":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthMiddlewareRejectsBadAPIKey(t *testing.T) {
	mgr := session.New(session.Config{MaxGlobalPeers: 200})
	s := NewServer(Deps{Manager: mgr, APIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsGoodAPIKey(t *testing.T) {
	mgr := session.New(session.Config{MaxGlobalPeers: 200})
	s := NewServer(Deps{Manager: mgr, APIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareRequiresSignatureWhenMandated(t *testing.T) {
	mgr := session.New(session.Config{MaxGlobalPeers: 200})
	s := NewServer(Deps{Manager: mgr, RequireSignedIPC: true})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
