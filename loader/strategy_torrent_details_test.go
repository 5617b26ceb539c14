package loader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []Event
}

func (p *recordingPublisher) Publish(e Event) { p.events = append(p.events, e) }

func TestTorrentDetailsStrategyCompletesDetailsOnlyRequests(t *testing.T) {
	require := require.New(t)
	pub := &recordingPublisher{}
	s := NewTorrentDetailsStrategy(pub)
	tr := testTorrent(t)
	data := &LoadingData{DetailsOnly: true, TorrentHandle: tr}

	result, err := s.Process(context.Background(), data)
	require.NoError(err)
	require.Equal(Completed, result)
	require.Len(pub.events, 1)
	evt, ok := pub.events[0].(TorrentDetailsLoadedEvent)
	require.True(ok)
	require.Same(data, evt.Data)
}

func TestTorrentDetailsStrategyIsNoopForPlaybackRequests(t *testing.T) {
	require := require.New(t)
	pub := &recordingPublisher{}
	s := NewTorrentDetailsStrategy(pub)
	tr := testTorrent(t)
	data := &LoadingData{DetailsOnly: false, TorrentHandle: tr}

	result, err := s.Process(context.Background(), data)
	require.NoError(err)
	require.Equal(Continue, result)
	require.Empty(pub.events)
}

func TestTorrentDetailsStrategyIsNoopWithoutTorrentHandle(t *testing.T) {
	require := require.New(t)
	pub := &recordingPublisher{}
	s := NewTorrentDetailsStrategy(pub)
	data := &LoadingData{DetailsOnly: true}

	result, err := s.Process(context.Background(), data)
	require.NoError(err)
	require.Equal(Continue, result)
	require.Empty(pub.events)
}
