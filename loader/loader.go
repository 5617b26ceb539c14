// Package loader turns a URL or media identifier into a playable stream by
// running it through an ordered chain of loading strategies, mirroring the
// chain-of-responsibility shape of a media player's playlist loader:
// MediaTorrentURL resolves a catalog entry to a torrent URI, Torrent and
// File strategies open a playable source, TorrentDetails short-circuits
// detail-only requests, Subtitles attaches a track, and Player publishes
// the result.
package loader

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MediaLoader runs playlist items through its LoadingChain one at a time,
// fanning out State transitions and errors to subscribers.
type MediaLoader struct {
	chain  *LoadingChain
	events *eventBus
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current *LoadingData
}

// New creates a MediaLoader with an empty chain; call Add to install
// strategies in the order they should run.
func New(logger *zap.SugaredLogger) *MediaLoader {
	events := newEventBus()
	return &MediaLoader{
		chain:  NewLoadingChain(events),
		events: events,
		logger: logger,
	}
}

// Add appends a strategy to the loader's chain.
func (l *MediaLoader) Add(name string, s LoadingStrategy, state State) {
	l.chain.Add(name, s, state)
}

// Subscribe returns a channel of the loader's events. The caller owns the
// channel and must Unsubscribe to release it.
func (l *MediaLoader) Subscribe() <-chan Event { return l.events.subscribe() }

// Unsubscribe releases a channel returned by Subscribe.
func (l *MediaLoader) Unsubscribe(ch <-chan Event) { l.events.unsubscribe(ch) }

// Load runs data through the chain to completion, cancellation (via ctx),
// or error. Only one load may be in flight at a time; a second call while
// one is running returns an error rather than interleaving chains.
func (l *MediaLoader) Load(ctx context.Context, data *LoadingData) error {
	l.mu.Lock()
	if l.current != nil {
		l.mu.Unlock()
		return errLoaderBusy
	}
	l.current = data
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.current = nil
		l.mu.Unlock()
	}()

	l.events.emit(StateChangedEvent{State: StateStarting})
	if err := l.chain.Run(ctx, data); err != nil {
		l.events.emit(StateChangedEvent{State: StateError})
		l.logger.Errorw("media load failed", "url", data.URL, "error", err)
		return err
	}
	return nil
}

// Cancel aborts the in-flight load, if any, running every strategy's
// Cancel in reverse order (including strategies the load has not reached
// yet) and reporting StateCancelled.
func (l *MediaLoader) Cancel(ctx context.Context) {
	l.mu.Lock()
	data := l.current
	l.mu.Unlock()
	if data == nil {
		return
	}
	l.chain.Cancel(ctx, data)
	l.events.emit(StateChangedEvent{State: StateCancelled})
}

// Close releases every subscriber channel.
func (l *MediaLoader) Close() { l.events.closeAll() }

// Publish emits e to every subscriber. It satisfies EventPublisher so
// strategies can emit events of their own without reaching into the
// loader's internal event bus.
func (l *MediaLoader) Publish(e Event) { l.events.emit(e) }
