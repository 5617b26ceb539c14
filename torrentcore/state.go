package torrentcore

// State is the torrent's lifecycle state, driven by the operation chain.
// Transitions are idempotent: re-entering the same state is a no-op and
// emits no event.
type State int

const (
	// StateInitializing is the state before pieces/files have been built.
	StateInitializing State = iota
	// StateCheckingFiles is set while ValidateFiles hashes existing on-disk
	// data.
	StateCheckingFiles
	// StateRetrievingMetadata is set while metadata is being fetched from
	// peers via ut_metadata.
	StateRetrievingMetadata
	// StateDownloading is set while pieces are still missing and requests
	// are being issued.
	StateDownloading
	// StatePaused is set when downloading has been explicitly suspended.
	StatePaused
	// StateFinished is set once every wanted piece is Verified.
	StateFinished
	// StateSeeding is set once Finished and still serving pieces to peers.
	StateSeeding
	// StateError names an unrecoverable-failure state; nothing in this
	// package's operation chain sets it.
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateCheckingFiles:
		return "checking_files"
	case StateRetrievingMetadata:
		return "retrieving_metadata"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateFinished:
		return "finished"
	case StateSeeding:
		return "seeding"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
