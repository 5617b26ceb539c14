package torrentcore

import (
	"math"
	"sync"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// Event is implemented by every event a Torrent emits to its subscribers.
// Subscribers own their receiving end: Subscribe returns a channel rather
// than registering a callback, so the emitter never calls back into
// subscriber code directly.
type Event interface {
	isTorrentEvent()
}

type baseEvent struct{}

func (baseEvent) isTorrentEvent() {}

// StateChangedEvent fires whenever the torrent's State transitions.
type StateChangedEvent struct {
	baseEvent
	State State
}

// MetadataChangedEvent fires once metadata has been learned (either from a
// .torrent file at construction or retrieved from peers).
type MetadataChangedEvent struct{ baseEvent }

// PeerConnectedEvent fires when a new peer connection is dispatched.
type PeerConnectedEvent struct {
	baseEvent
	PeerID core.PeerID
}

// PeerDisconnectedEvent fires when a peer connection closes.
type PeerDisconnectedEvent struct {
	baseEvent
	PeerID core.PeerID
}

// TrackersChangedEvent fires whenever the tracker tier set is (re)built or
// a tracker's state changes materially.
type TrackersChangedEvent struct{ baseEvent }

// PiecesChangedEvent fires once the piece table is (re)built.
type PiecesChangedEvent struct{ baseEvent }

// PiecePrioritiesChangedEvent fires whenever one or more piece priorities
// change (e.g. a stream readahead window advancing).
type PiecePrioritiesChangedEvent struct{ baseEvent }

// PieceCompletedEvent fires once a specific piece becomes Verified.
type PieceCompletedEvent struct {
	baseEvent
	Piece int
}

// FilesChangedEvent fires once the file table is (re)built.
type FilesChangedEvent struct{ baseEvent }

// OptionsChangedEvent fires whenever torrent options (e.g. paused) change.
type OptionsChangedEvent struct{ baseEvent }

// RecheckProgressEvent reports incremental ValidateFiles hashing progress:
// once after the first piece is hashed, again after every 32nd piece after
// that, and a final time with Fraction 1 on completion.
type RecheckProgressEvent struct {
	baseEvent
	// Fraction is the share of total pieces hashed so far, in [0, 1].
	Fraction float64
}

// Health classifies a torrent's swarm condition from its seed/leecher mix.
type Health int

const (
	HealthUnknown Health = iota
	HealthBad
	HealthMedium
	HealthGood
	HealthExcellent
)

func (h Health) String() string {
	switch h {
	case HealthBad:
		return "bad"
	case HealthMedium:
		return "medium"
	case HealthGood:
		return "good"
	case HealthExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// HealthFrom scores a torrent's swarm from its seed and leecher counts: the
// seed/leecher ratio (capped at 5, weighted 60%) and raw seed count (capped
// at 30, weighted 40%) are normalized to a percentage, then bucketed into
// one of four non-unknown states. Zero seeds and zero leechers is Unknown.
func HealthFrom(seeds, leechers int) Health {
	if seeds == 0 && leechers == 0 {
		return HealthUnknown
	}
	ratio := float64(seeds)
	if leechers > 0 {
		ratio = float64(seeds) / float64(leechers)
	}
	normalizedRatio := math.Min(ratio/5.0*100.0, 100.0)
	normalizedSeeds := math.Min(float64(seeds)/30.0*100.0, 100.0)
	weighted := normalizedRatio*0.6 + normalizedSeeds*0.4
	switch math.Round(weighted * 3.0 / 100.0) {
	case 0:
		return HealthBad
	case 1:
		return HealthMedium
	case 2:
		return HealthGood
	case 3:
		return HealthExcellent
	default:
		return HealthUnknown
	}
}

// Stats is a point-in-time snapshot of a torrent's progress and swarm
// state, returned by Torrent.Stats. Torrent does not emit StatsEvent itself.
type Stats struct {
	Downloaded   int64
	Left         int64
	NumPeers     int
	NumPieces    int
	MissingCount int
	Seeds        int
	Leechers     int
	Health       Health
}

// StatsEvent carries a Stats snapshot.
type StatsEvent struct {
	baseEvent
	Stats Stats
}

// subscriber fan-out: each Subscribe call gets an owned buffered channel.
// emit drops the event for any subscriber whose channel is full rather
// than blocking the torrent's tick loop on a slow consumer.
type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]struct{})}
}

func (b *eventBus) subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *eventBus) unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		if c == ch {
			delete(b.subs, c)
			close(c)
			return
		}
	}
}

func (b *eventBus) emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		select {
		case c <- e:
		default:
		}
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		close(c)
		delete(b.subs, c)
	}
}
