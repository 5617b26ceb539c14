package stream

import (
	"fmt"
	"strconv"
	"strings"
)

const bytesPrefix = "bytes="

// byteRange is a single parsed "bytes=start-end" (or open-ended
// "bytes=start-") request range. End is -1 when absent, meaning "through
// the end of the resource".
type byteRange struct {
	start int64
	end   int64
}

// parseRange parses an HTTP Range header value per RFC 7233's "bytes"
// unit: only a single range is supported (multi-range values are rejected
// rather than parsed), a missing end means open-ended, and any
// non-numeric or non-"bytes" value is an error.
func parseRange(value string) (byteRange, error) {
	if !strings.HasPrefix(value, bytesPrefix) {
		return byteRange{}, fmt.Errorf("invalid range value %q", value)
	}
	rangeValue := value[len(bytesPrefix):]
	if strings.Contains(rangeValue, ",") {
		return byteRange{}, fmt.Errorf("multi-range requests are not supported: %q", value)
	}

	parts := strings.SplitN(rangeValue, "-", 2)
	if len(parts) != 2 {
		return byteRange{}, fmt.Errorf("invalid range value %q", value)
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return byteRange{}, fmt.Errorf("range parse error: %s", err)
	}

	end := int64(-1)
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return byteRange{}, fmt.Errorf("range parse error: %s", err)
		}
	}

	return byteRange{start: start, end: end}, nil
}

// resolve clamps r against a resource of the given size, returning the
// inclusive [start, end] byte indices to serve.
func (r byteRange) resolve(size int64) (int64, int64, error) {
	if r.start < 0 || r.start >= size {
		return 0, 0, fmt.Errorf("range start %d out of bounds for size %d", r.start, size)
	}
	end := r.end
	if end < 0 || end >= size {
		end = size - 1
	}
	if end < r.start {
		return 0, 0, fmt.Errorf("range end %d before start %d", end, r.start)
	}
	return r.start, end, nil
}
