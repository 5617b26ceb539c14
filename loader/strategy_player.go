package loader

import (
	"context"
	"fmt"
)

// PlayerStrategy publishes the final stream URL and title to the external
// player and completes the chain: playback has started, there is nothing
// left for a later strategy to do.
type PlayerStrategy struct {
	publisher PlayerPublisher
}

// NewPlayerStrategy creates a strategy backed by publisher.
func NewPlayerStrategy(publisher PlayerPublisher) *PlayerStrategy {
	return &PlayerStrategy{publisher: publisher}
}

func (s *PlayerStrategy) Process(ctx context.Context, data *LoadingData) (LoadingResult, error) {
	if data.URL == "" {
		return Continue, fmt.Errorf("nothing to play: no stream url resolved")
	}

	title := data.Title
	if title == "" && data.Media != nil {
		title = data.Media.Title()
	}
	if err := s.publisher.Play(ctx, data.URL, title); err != nil {
		return Continue, fmt.Errorf("publish stream to player: %w", err)
	}
	return Completed, nil
}

// Cancel is a no-op: stopping playback in the external player is the
// player's own concern, not something this loader chain can reach into.
func (s *PlayerStrategy) Cancel(ctx context.Context, data *LoadingData) error { return nil }
