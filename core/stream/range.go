// Package stream computes byte windows for Range requests and produces
// response bodies as bounded chunks.
package stream

import (
	"strconv"
	"strings"

	"github.com/searchktools/rawserve/core/mime"
)

// DefaultMaxFragment caps an open-ended range ("bytes=N-").
const DefaultMaxFragment = 4 * 1024 * 1024

// Window is a half-open byte interval [Start, Start+Length) of a resource
// of Total bytes.
type Window struct {
	Start  int64
	Length int64
	Total  int64
}

// End returns the index of the last byte in the window.
func (w Window) End() int64 {
	return w.Start + w.Length - 1
}

// ContentRange renders the Content-Range header value.
func (w Window) ContentRange() string {
	var b strings.Builder
	b.WriteString("bytes ")
	b.WriteString(strconv.FormatInt(w.Start, 10))
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(w.End(), 10))
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(w.Total, 10))
	return b.String()
}

// Streamable reports whether a body of size bytes and the given content
// type should be produced lazily in chunks rather than buffered.
func Streamable(size int64, contentType string, threshold int64) bool {
	return size > threshold || mime.IsMedia(contentType)
}

// ParseRange resolves a single-range "bytes=start-end" header against a
// resource of size bytes. Multi-range headers, malformed headers and empty
// resources report false, which means the full resource is served.
//
// A negative start counts from the end of the resource. An absent end
// yields a window of at most maxFragment bytes.
func ParseRange(header string, size, maxFragment int64) (Window, bool) {
	header = strings.TrimSpace(header)
	if header == "" || size <= 0 || strings.Contains(header, ",") {
		return Window{}, false
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return Window{}, false
	}
	if maxFragment <= 0 {
		maxFragment = DefaultMaxFragment
	}

	startText, endText := splitRange(strings.TrimSpace(spec))

	start, hasStart := parseOffset(startText)
	if !hasStart && startText != "" {
		return Window{}, false
	}
	end, hasEnd := parseOffset(endText)
	if !hasEnd && endText != "" {
		return Window{}, false
	}

	if start < 0 {
		start += size
	}
	if start >= size {
		start = size - 1
	}
	if start < 0 {
		start = 0
	}

	if !hasEnd {
		end = start + maxFragment - 1
	}

	length := end - start + 1
	if length < 0 {
		length = 0
	}
	length = min(length, size-start)

	return Window{Start: start, Length: length, Total: size}, true
}

// splitRange separates "a-b" into its two sides. A leading '-' belongs to
// the first number ("-100" is a suffix range), so only a dash that follows a
// digit separates the sides.
func splitRange(spec string) (string, string) {
	for i := 1; i < len(spec); i++ {
		if spec[i] != '-' {
			continue
		}
		before := strings.TrimSpace(spec[:i])
		if before == "" || before[len(before)-1] < '0' || before[len(before)-1] > '9' {
			continue
		}
		return before, strings.TrimSpace(spec[i+1:])
	}
	return spec, ""
}

func parseOffset(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
