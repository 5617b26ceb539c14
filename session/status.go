package session

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
	"github.com/yoep/popcorn-fx-torrent-engine/torrentcore"
)

// torrentStatus is the JSON shape of a single torrent in a status response.
type torrentStatus struct {
	InfoHash     string `json:"info_hash"`
	Name         string `json:"name,omitempty"`
	NumPieces    int    `json:"num_pieces"`
	MissingCount int    `json:"missing_pieces"`
	Downloaded   int64  `json:"downloaded"`
	Left         int64  `json:"left"`
	NumPeers     int    `json:"num_peers"`
	Seeds        int    `json:"seeds"`
	Leechers     int    `json:"leechers"`
	Health       string `json:"health"`
}

// sessionStatus is the JSON shape of the session's top-level status.
type sessionStatus struct {
	ListenAddr string          `json:"listen_addr"`
	Torrents   []torrentStatus `json:"torrents"`
}

// StatusHandler returns an http.Handler serving the session's status as
// JSON: GET / lists every active torrent, GET /{infoHash} returns one.
// Built on the same gorilla/mux router stream.Server's file routes use
// (see SPEC_FULL.md §0), rather than pulling in a second router library
// for two HTTP surfaces that need the same thing.
func (s *Session) StatusHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.serveStatusAll).Methods(http.MethodGet)
	r.HandleFunc("/{infoHash}", s.serveStatusOne).Methods(http.MethodGet)
	return r
}

func (s *Session) serveStatusAll(w http.ResponseWriter, r *http.Request) {
	torrents := s.Torrents()
	status := sessionStatus{
		ListenAddr: s.listener.Addr().String(),
		Torrents:   make([]torrentStatus, 0, len(torrents)),
	}
	for _, t := range torrents {
		status.Torrents = append(status.Torrents, torrentStatusOf(t))
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Session) serveStatusOne(w http.ResponseWriter, r *http.Request) {
	ih, err := core.NewInfoHashV1FromHex(mux.Vars(r)["infoHash"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, ok := s.Torrent(ih)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, torrentStatusOf(t))
}

func torrentStatusOf(t *torrentcore.Torrent) torrentStatus {
	stats := t.Stats()
	name := ""
	if mi := t.MetaInfo(); mi != nil {
		name = mi.Name
	}
	ih := t.InfoHash()
	return torrentStatus{
		InfoHash:     hex.EncodeToString(ih[:]),
		Name:         name,
		NumPieces:    stats.NumPieces,
		MissingCount: stats.MissingCount,
		Downloaded:   stats.Downloaded,
		Left:         stats.Left,
		NumPeers:     stats.NumPeers,
		Seeds:        stats.Seeds,
		Leechers:     stats.Leechers,
		Health:       stats.Health.String(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
