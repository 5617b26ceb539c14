package session

import "errors"

var (
	// errSessionClosed is returned by any operation attempted after Close.
	errSessionClosed = errors.New("session: closed")

	// errUnrecognizedSource is returned when AddTorrent's uri is neither a
	// magnet link, a path to a readable .torrent file, nor a 40-character
	// hex info hash.
	errUnrecognizedSource = errors.New("session: unrecognized torrent source")
)
