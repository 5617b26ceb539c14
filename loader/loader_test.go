package loader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMediaLoaderLoadEmitsStartingThenRunsChain(t *testing.T) {
	require := require.New(t)
	l := New(zap.NewNop().Sugar())
	var processed []string
	l.Add("only", &recordingStrategy{name: "only", result: Completed, processed: &processed, cancelled: &[]string{}}, StateConnecting)

	ch := l.Subscribe()
	defer l.Unsubscribe(ch)

	require.NoError(l.Load(context.Background(), &LoadingData{URL: "magnet:?xt=urn:btih:x"}))
	require.Equal([]string{"only"}, processed)

	var states []State
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			if sc, ok := e.(StateChangedEvent); ok {
				states = append(states, sc.State)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	require.Equal([]State{StateStarting, StateConnecting}, states)
}

func TestMediaLoaderLoadReportsErrorState(t *testing.T) {
	require := require.New(t)
	l := New(zap.NewNop().Sugar())
	var processed, cancelled []string
	l.Add("failing", &recordingStrategy{name: "failing", result: Continue, err: errors.New("boom"), processed: &processed, cancelled: &cancelled}, StateConnecting)

	ch := l.Subscribe()
	defer l.Unsubscribe(ch)

	err := l.Load(context.Background(), &LoadingData{URL: "magnet:?xt=urn:btih:x"})
	require.Error(err)

	var sawError bool
	deadline := time.After(time.Second)
	for !sawError {
		select {
		case e := <-ch:
			if sc, ok := e.(StateChangedEvent); ok && sc.State == StateError {
				sawError = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for StateError")
		}
	}
}

func TestMediaLoaderRejectsConcurrentLoad(t *testing.T) {
	require := require.New(t)
	l := New(zap.NewNop().Sugar())
	block := make(chan struct{})
	l.Add("blocker", blockingStrategy{block: block}, StateConnecting)

	done := make(chan error, 1)
	go func() { done <- l.Load(context.Background(), &LoadingData{}) }()

	// give the goroutine a chance to mark current non-nil before the
	// second Load call races it
	time.Sleep(20 * time.Millisecond)
	err := l.Load(context.Background(), &LoadingData{})
	require.ErrorIs(err, errLoaderBusy)

	close(block)
	require.NoError(<-done)
}

type blockingStrategy struct {
	block chan struct{}
}

func (s blockingStrategy) Process(ctx context.Context, data *LoadingData) (LoadingResult, error) {
	<-s.block
	return Completed, nil
}

func (s blockingStrategy) Cancel(ctx context.Context, data *LoadingData) error { return nil }
