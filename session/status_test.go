package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusHandlerListsActiveTorrents(t *testing.T) {
	s := testSession(t)
	path := writeTorrentFile(t, t.TempDir(), "status-all")
	tr, err := s.AddTorrent(context.Background(), path)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.StatusHandler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var got sessionStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got.Torrents, 1)
	ih := tr.InfoHash()
	require.Equal(t, hex.EncodeToString(ih[:]), got.Torrents[0].InfoHash)
}

func TestStatusHandlerServesOneTorrent(t *testing.T) {
	s := testSession(t)
	path := writeTorrentFile(t, t.TempDir(), "status-one")
	tr, err := s.AddTorrent(context.Background(), path)
	require.NoError(t, err)
	ih := tr.InfoHash()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/"+hex.EncodeToString(ih[:]), nil)
	s.StatusHandler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var got torrentStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, hex.EncodeToString(ih[:]), got.InfoHash)
}

func TestStatusHandlerUnknownInfoHash(t *testing.T) {
	s := testSession(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/"+testHexInfoHash, nil)
	s.StatusHandler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusHandlerInvalidInfoHash(t *testing.T) {
	s := testSession(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/not-a-hex-hash", nil)
	s.StatusHandler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
