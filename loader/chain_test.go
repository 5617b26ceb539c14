package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingStrategy struct {
	name       string
	result     LoadingResult
	err        error
	processed  *[]string
	cancelled  *[]string
	cancelErr  error
}

func (s *recordingStrategy) Process(ctx context.Context, data *LoadingData) (LoadingResult, error) {
	*s.processed = append(*s.processed, s.name)
	return s.result, s.err
}

func (s *recordingStrategy) Cancel(ctx context.Context, data *LoadingData) error {
	*s.cancelled = append(*s.cancelled, s.name)
	return s.cancelErr
}

func TestLoadingChainRunsAllStagesOnContinue(t *testing.T) {
	require := require.New(t)
	var processed, cancelled []string
	c := NewLoadingChain(nil)
	c.Add("a", &recordingStrategy{name: "a", result: Continue, processed: &processed, cancelled: &cancelled}, StateStarting)
	c.Add("b", &recordingStrategy{name: "b", result: Continue, processed: &processed, cancelled: &cancelled}, StateConnecting)

	err := c.Run(context.Background(), &LoadingData{})
	require.NoError(err)
	require.Equal([]string{"a", "b"}, processed)
	require.Empty(cancelled)
}

func TestLoadingChainStopsOnCompleted(t *testing.T) {
	require := require.New(t)
	var processed, cancelled []string
	c := NewLoadingChain(nil)
	c.Add("a", &recordingStrategy{name: "a", result: Completed, processed: &processed, cancelled: &cancelled}, StateStarting)
	c.Add("b", &recordingStrategy{name: "b", result: Continue, processed: &processed, cancelled: &cancelled}, StateConnecting)

	err := c.Run(context.Background(), &LoadingData{})
	require.NoError(err)
	require.Equal([]string{"a"}, processed)
}

func TestLoadingChainCancelsRanStagesInReverseOnError(t *testing.T) {
	require := require.New(t)
	var processed, cancelled []string
	c := NewLoadingChain(nil)
	c.Add("a", &recordingStrategy{name: "a", result: Continue, processed: &processed, cancelled: &cancelled}, StateStarting)
	c.Add("b", &recordingStrategy{name: "b", result: Continue, err: errors.New("boom"), processed: &processed, cancelled: &cancelled}, StateConnecting)
	c.Add("c", &recordingStrategy{name: "c", result: Continue, processed: &processed, cancelled: &cancelled}, StatePlaying)

	err := c.Run(context.Background(), &LoadingData{})
	require.Error(err)
	require.Equal([]string{"a", "b"}, processed)
	require.Equal([]string{"b", "a"}, cancelled, "cancel must run in reverse order over the stages that actually ran")
}

func TestLoadingChainRunStopsOnCancelledContext(t *testing.T) {
	require := require.New(t)
	var processed, cancelled []string
	c := NewLoadingChain(nil)
	c.Add("a", &recordingStrategy{name: "a", result: Continue, processed: &processed, cancelled: &cancelled}, StateStarting)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Run(ctx, &LoadingData{})
	require.Error(err)
	require.Empty(processed)
}
