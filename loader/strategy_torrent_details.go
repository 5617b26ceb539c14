package loader

import "context"

// TorrentDetailsStrategy short-circuits detail-only requests: once
// TorrentStrategy has resolved a torrent handle, a request that only wants
// metadata (file list, sizes) rather than playback gets a
// TorrentDetailsLoadedEvent and the chain ends there, never reaching File,
// Subtitles, or Player.
type TorrentDetailsStrategy struct {
	events EventPublisher
}

// NewTorrentDetailsStrategy creates a strategy that emits its event on
// events, which may be nil.
func NewTorrentDetailsStrategy(events EventPublisher) *TorrentDetailsStrategy {
	return &TorrentDetailsStrategy{events: events}
}

func (s *TorrentDetailsStrategy) Process(ctx context.Context, data *LoadingData) (LoadingResult, error) {
	if !data.DetailsOnly || data.TorrentHandle == nil {
		return Continue, nil
	}

	if s.events != nil {
		s.events.Publish(TorrentDetailsLoadedEvent{Data: data})
	}
	return Completed, nil
}

func (s *TorrentDetailsStrategy) Cancel(ctx context.Context, data *LoadingData) error { return nil }
