package torrentcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	require := require.New(t)

	cases := map[State]string{
		StateInitializing:      "initializing",
		StateCheckingFiles:     "checking_files",
		StateRetrievingMetadata: "retrieving_metadata",
		StateDownloading:       "downloading",
		StatePaused:            "paused",
		StateFinished:          "finished",
		StateSeeding:           "seeding",
		StateError:             "error",
		State(99):              "unknown",
	}
	for state, want := range cases {
		require.Equal(want, state.String())
	}
}
