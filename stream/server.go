package stream

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yoep/popcorn-fx-torrent-engine/storage"
	"github.com/yoep/popcorn-fx-torrent-engine/torrentcore"
)

// Server exposes one or more torrents' files over HTTP range requests, one
// opaque URL per active stream (http://host:port/<opaque-id>/<filename>).
type Server struct {
	config Config
	stats  tally.Scope
	clk    clock.Clock
	logger *zap.SugaredLogger

	router   *mux.Router
	listener net.Listener

	mu       sync.RWMutex
	handles  map[string]*handle
	egressRL *rate.Limiter
}

// New creates a Server bound to config.ListenAddr. It does not start
// accepting connections until Serve is called.
func New(config Config, stats tally.Scope, clk clock.Clock, logger *zap.SugaredLogger) (*Server, error) {
	config = config.applyDefaults()

	ln, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen: %s", err)
	}

	s := &Server{
		config:  config,
		stats:   stats.Tagged(map[string]string{"module": "stream"}),
		clk:     clk,
		logger:  logger,
		handles: make(map[string]*handle),
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/{id}/{filename}", s.serveFile).Methods(http.MethodGet, http.MethodHead)
	s.listener = ln
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Handler returns the server's http.Handler, for use in tests or when
// embedding the stream routes into a larger mux.
func (s *Server) Handler() http.Handler { return s.router }

// Serve blocks, accepting connections until the server is closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.router)
}

// Close stops accepting new connections. In-flight streams finish driving
// their own request contexts to completion.
func (s *Server) Close() error {
	return s.listener.Close()
}

// SetEgressLimiter installs a shared byte-rate limiter every subsequently
// added stream throttles its HTTP response writes against, e.g. a
// session's global EgressLimiter. Must be called before AddFile to apply
// to the streams it creates.
func (s *Server) SetEgressLimiter(l *rate.Limiter) {
	s.mu.Lock()
	s.egressRL = l
	s.mu.Unlock()
}

// AddFile registers file (one of t.Files()) for streaming and returns its
// URL. Adding the same (torrent, file index) pair again returns a fresh
// URL backed by a new handle; the caller is expected to track and reuse
// the first URL itself if that's not wanted.
func (s *Server) AddFile(t *torrentcore.Torrent, fileIndex int) (string, error) {
	files := t.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return "", fmt.Errorf("stream: file index %d out of range", fileIndex)
	}
	f := files[fileIndex]

	id := uuid.NewString()

	s.mu.Lock()
	h := newHandle(id, t, f, s.config, s.clk, s.logger, s.egressRL)
	s.handles[id] = h
	s.mu.Unlock()

	t.SetPriorityRange(f.Offset, f.Length, storage.PriorityNormal)
	return fmt.Sprintf("http://%s/%s/%s", s.Addr(), id, filenameOf(f.Path)), nil
}

// RemoveStream drops a stream's URL and its registered handle.
func (s *Server) RemoveStream(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.mu.RLock()
	h, ok := s.handles[vars["id"]]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

func filenameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
