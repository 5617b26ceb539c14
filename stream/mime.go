package stream

import "strings"

// builtinMimeTypes covers the container/subtitle formats Popcorn FX
// actually streams; the host OS's mime.types (consulted by the standard
// library's mime package) is unreliable across platforms for these, so
// lookups don't fall back to it.
var builtinMimeTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".ts":   "video/mp2t",
	".srt":  "text/plain",
	".vtt":  "text/vtt",
}

const defaultMimeType = "application/octet-stream"

// mimeType returns the MIME type for a file path by its extension,
// defaulting to application/octet-stream for anything unrecognized.
func mimeType(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return defaultMimeType
	}
	if t, ok := builtinMimeTypes[strings.ToLower(path[i:])]; ok {
		return t
	}
	return defaultMimeType
}
