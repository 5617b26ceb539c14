package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yoep/popcorn-fx-torrent-engine/storage"
	"github.com/yoep/popcorn-fx-torrent-engine/torrentcore"
)

// errStalled is returned from waitForPiece when no progress is observed
// for config.StallTimeout.
var errStalled = errors.New("stream: stalled waiting for piece")

const (
	pollInterval = 250 * time.Millisecond
	chunkSize    = 64 * 1024
)

// handle is one streamable file within a torrent, reachable at its own
// opaque URL. Multiple concurrent HTTP requests (e.g. a player's initial
// probe plus its real playback request) may read from the same handle.
type handle struct {
	id      string
	config  Config
	torrent *torrentcore.Torrent
	file    torrentcore.File
	clk     clock.Clock
	logger  *zap.SugaredLogger
	egress  *rate.Limiter

	mu      sync.Mutex
	readers int
}

func newHandle(id string, t *torrentcore.Torrent, f torrentcore.File, cfg Config, clk clock.Clock, logger *zap.SugaredLogger, egress *rate.Limiter) *handle {
	return &handle{id: id, config: cfg, torrent: t, file: f, clk: clk, logger: logger, egress: egress}
}

func (h *handle) enter() {
	h.mu.Lock()
	h.readers++
	h.mu.Unlock()
}

// leave decrements the reader count and, if no reader remains, lowers
// every piece of this file back to PriorityNormal so it stops competing
// with other active streams' readahead windows.
func (h *handle) leave() {
	h.mu.Lock()
	h.readers--
	last := h.readers == 0
	h.mu.Unlock()
	if last {
		h.torrent.SetPriorityRange(h.file.Offset, h.file.Length, storage.PriorityNormal)
	}
}

func (h *handle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	total := h.file.Length
	start, end := int64(0), total-1
	partial := false

	if rh := r.Header.Get("Range"); rh != "" {
		rng, err := parseRange(rh)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		start, end, err = rng.resolve(total)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		}
		partial = true
	}

	w.Header().Set("Content-Type", mimeType(h.file.Path))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if r.Method == http.MethodHead {
		return
	}

	h.enter()
	defer h.leave()

	if err := h.stream(r, w, start, end); err != nil {
		h.logger.Warnf("stream %s: %s", h.id, err)
	}
}

// stream copies [start, end] (inclusive, file-relative) to w, waiting on
// the torrent's piece-completion signal whenever the cursor's piece isn't
// Verified yet, and bumping priority for up to config.ReadaheadWindow
// pieces ahead of the cursor.
func (h *handle) stream(r *http.Request, w http.ResponseWriter, start, end int64) error {
	flusher, _ := w.(http.Flusher)
	pieceLength := h.torrent.PieceLength()
	if pieceLength <= 0 {
		return fmt.Errorf("piece length unknown")
	}

	buf := make([]byte, chunkSize)
	cursor := start
	for cursor <= end {
		piece := int((h.file.Offset + cursor) / pieceLength)
		h.bumpReadahead(piece)

		if !h.torrent.HasPiece(piece) {
			if err := h.waitForPiece(r.Context(), piece); err != nil {
				return err
			}
		}

		want := end - cursor + 1
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		pieceEnd := int64(piece+1)*pieceLength - h.file.Offset
		if remaining := pieceEnd - cursor; want > remaining {
			want = remaining
		}

		n, err := h.torrent.ReadAt(h.file.Offset+cursor, buf[:want])
		if err != nil {
			return err
		}
		if h.egress != nil {
			if err := h.egress.WaitN(r.Context(), n); err != nil {
				return err
			}
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		cursor += int64(n)
	}
	return nil
}

// bumpReadahead raises piece and every piece up to config.ReadaheadWindow
// ahead of it to PriorityReadahead, so the scheduler requests them in
// strict order ahead of the rest of the swarm.
func (h *handle) bumpReadahead(piece int) {
	last := piece + h.config.ReadaheadWindow
	if n := h.torrent.NumPieces(); last >= n {
		last = n - 1
	}
	for i := piece; i <= last; i++ {
		h.torrent.SetPriority(i, storage.PriorityReadahead)
	}
}

func (h *handle) waitForPiece(ctx context.Context, piece int) error {
	ch := h.torrent.Subscribe()
	defer h.torrent.Unsubscribe(ch)

	stall := h.clk.Timer(h.config.StallTimeout)
	defer stall.Stop()
	poll := h.clk.Ticker(pollInterval)
	defer poll.Stop()

	for {
		if h.torrent.HasPiece(piece) {
			return nil
		}
		select {
		case <-ctx.Done():
			return io.ErrClosedPipe
		case <-stall.C:
			return errStalled
		case <-poll.C:
		case <-ch:
		}
	}
}
