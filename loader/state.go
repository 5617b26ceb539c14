package loader

// State is the loader's lifecycle state, advanced by the LoadingChain as it
// runs. Unlike torrentcore.State, transitions here are purely observational:
// no strategy's behavior depends on the current State, only on the
// LoadingData it is handed.
type State int

const (
	// StateIdle is the state before Load has been called.
	StateIdle State = iota
	// StateStarting is set while the chain resolves an initial URL.
	StateStarting
	// StateConnecting is set while a torrent or local file is being opened.
	StateConnecting
	// StateDownloading is set once a torrent handle exists and pieces are
	// being fetched.
	StateDownloading
	// StateDownloadFinished is set once every wanted piece has been
	// verified (reported by a session-level hook; not reached by every
	// load, e.g. a TorrentDetails-only request completes before it).
	StateDownloadFinished
	// StateRetrievingSubtitles is set while subtitle tracks are being
	// looked up.
	StateRetrievingSubtitles
	// StateDownloadingSubtitle is set while the selected subtitle track is
	// being fetched.
	StateDownloadingSubtitle
	// StatePlaying is set once the stream URL has been published to the
	// external player.
	StatePlaying
	// StateCancelled is set once an in-flight load has been cancelled.
	StateCancelled
	// StateError is a terminal state reached when a strategy returns an
	// error.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateDownloading:
		return "downloading"
	case StateDownloadFinished:
		return "download_finished"
	case StateRetrievingSubtitles:
		return "retrieving_subtitles"
	case StateDownloadingSubtitle:
		return "downloading_subtitle"
	case StatePlaying:
		return "playing"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
