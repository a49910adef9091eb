package http

import (
	"bytes"
	"context"
	"mime"
	"regexp"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultMultipartWindow is how many body bytes are scanned for boundary
// markers before the scanner yields.
const DefaultMultipartWindow = 40_000_000

var (
	partName        = regexp.MustCompile(`\bname="([^"]*)"`)
	partFileName    = regexp.MustCompile(`\bfilename="([^"]*)"`)
	partContentType = regexp.MustCompile(`(?mi)^content-type:([^\r\n]+)`)
	boundaryParam   = regexp.MustCompile(`boundary=("?)([^";\s]+)`)

	headerEnd = []byte("\r\n\r\n")
)

// UploadedFile is a file part of a multipart/form-data body.
type UploadedFile struct {
	content     []byte
	contentType string
	fileName    string
}

// NewUploadedFile returns an UploadedFile.
func NewUploadedFile(content []byte, contentType, fileName string) *UploadedFile {
	return &UploadedFile{content: content, contentType: contentType, fileName: fileName}
}

// Content returns the file bytes.
func (f *UploadedFile) Content() []byte { return f.content }

// ContentType returns the declared content type of the part.
func (f *UploadedFile) ContentType() string { return f.contentType }

// FileName returns the client-supplied file name.
func (f *UploadedFile) FileName() string { return f.fileName }

// ScanOptions tune ScanMultipart.
type ScanOptions struct {
	// Window is the number of bytes scanned between cooperative yields.
	Window int
}

// Boundary extracts the boundary token from a multipart Content-Type.
func Boundary(contentType string) (string, error) {
	if _, params, err := mime.ParseMediaType(contentType); err == nil && params["boundary"] != "" {
		return params["boundary"], nil
	}
	if m := boundaryParam.FindStringSubmatch(contentType); m != nil {
		return m[2], nil
	}
	return "", errors.Mark(errors.Wrapf(ErrBadBoundary, "content type %q", contentType), ErrClientInput)
}

// ScanMultipart splits body on boundary and decodes each part. Parts with a
// content type and a file name become *UploadedFile values, parts without a
// content type become strings, and parts with a content type but no file
// name are dropped. Repeated names collect into a list in arrival order.
// The result is passed through NormalizeFields.
func ScanMultipart(ctx context.Context, body []byte, boundary string, opts ScanOptions) (map[string]any, error) {
	if boundary == "" {
		return nil, ClientInput(ErrBadBoundary, "empty boundary")
	}
	if len(body) == 0 {
		return make(map[string]any), nil
	}

	marker := []byte("--" + boundary)
	starts, err := findMarkers(ctx, body, marker, opts.Window)
	if err != nil {
		return nil, err
	}
	if len(starts) == 0 {
		return nil, errors.Mark(errors.Wrapf(ErrBadBoundary, "boundary %q not present in body", boundary), ErrClientInput)
	}

	var fields []Field
	index := make(map[string]int)

	// The segment after the last marker is the closing "--" and is ignored.
	for i := 0; i+1 < len(starts); i++ {
		from := starts[i] + len(marker) + 2
		to := starts[i+1] - 2
		if from > to {
			continue
		}

		name, value, ok := decodePart(body[from:to])
		if !ok {
			continue
		}

		if at, seen := index[name]; seen {
			switch prev := fields[at].Value.(type) {
			case []any:
				fields[at].Value = append(prev, value)
			default:
				fields[at].Value = []any{prev, value}
			}
			continue
		}
		index[name] = len(fields)
		fields = append(fields, Field{Name: name, Value: value})
	}

	return NormalizeFields(fields), nil
}

// findMarkers returns the offset of every marker occurrence. The body is
// scanned in windows; between windows the goroutine yields and the context
// is checked.
func findMarkers(ctx context.Context, body, marker []byte, window int) ([]int, error) {
	if window <= 0 {
		window = DefaultMultipartWindow
	}

	var starts []int
	pos := 0
	for off := 0; off < len(body); off += window {
		windowEnd := min(off+window, len(body))
		// Let a marker that begins inside this window finish past its end.
		limit := min(windowEnd+len(marker)-1, len(body))

		for pos < windowEnd {
			i := bytes.Index(body[pos:limit], marker)
			if i < 0 {
				break
			}
			starts = append(starts, pos+i)
			pos += i + len(marker)
		}
		pos = max(pos, windowEnd)

		if windowEnd < len(body) {
			runtime.Gosched()
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(err, "scan multipart body")
			}
		}
	}
	return starts, nil
}

func decodePart(part []byte) (string, any, bool) {
	head := part
	var content []byte
	if i := bytes.Index(part, headerEnd); i >= 0 {
		head = part[:i]
		content = part[i+len(headerEnd):]
	}

	info := string(head)
	name := firstGroup(partName, info)
	if name == "" {
		return "", nil, false
	}
	fileName := firstGroup(partFileName, info)
	contentType := strings.TrimSpace(firstGroup(partContentType, info))

	switch {
	case contentType != "" && fileName != "":
		return name, NewUploadedFile(content, contentType, fileName), true
	case contentType != "":
		return "", nil, false
	default:
		return name, string(content), true
	}
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return unescapeComponent(m[1])
}
