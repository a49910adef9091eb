package stream

import (
	"context"
	"io"
	"iter"

	"github.com/cockroachdb/errors"

	"github.com/searchktools/rawserve/core/pools"
)

// Default read windows
const (
	DefaultFullChunk  = 4 * 1024 * 1024
	DefaultRangeChunk = 512 * 1024
)

// ErrInvalidated is yielded when the backing resource is invalidated while
// a transfer is in flight.
var ErrInvalidated = errors.New("resource invalidated during transfer")

// ReadAtCloser is the random-access view of a resource.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Opener opens the backing resource for one transfer.
type Opener func(ctx context.Context) (ReadAtCloser, error)

// ChunkOptions tune a chunk producer.
type ChunkOptions struct {
	// ChunkSize is the read window; DefaultFullChunk when zero.
	ChunkSize int
	// Pool supplies read buffers. A yielded chunk is only valid until the
	// consumer returns from the loop body.
	Pool *pools.BytePool
	// Blocked reports whether the resource was invalidated.
	Blocked func() bool
}

// Chunks returns a lazy producer for the window [off, off+n) of the resource
// opened by open. The resource is opened on first iteration and closed when
// iteration ends. Production stops when the consumer breaks, the context is
// done, or Blocked reports true.
func Chunks(ctx context.Context, open Opener, off, n int64, opts ChunkOptions) iter.Seq2[[]byte, error] {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultFullChunk
	}

	return func(yield func([]byte, error) bool) {
		src, err := open(ctx)
		if err != nil {
			yield(nil, errors.Wrap(err, "open resource"))
			return
		}
		defer src.Close()

		for done := int64(0); done < n; {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if opts.Blocked != nil && opts.Blocked() {
				yield(nil, ErrInvalidated)
				return
			}

			size := int(min(int64(chunkSize), n-done))
			buf := getBuffer(opts.Pool, size)

			read, err := src.ReadAt(buf, off+done)
			if read < size {
				putBuffer(opts.Pool, buf)
				if err == nil || errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				yield(nil, errors.Wrapf(err, "read at offset %d", off+done))
				return
			}

			ok := yield(buf, nil)
			putBuffer(opts.Pool, buf)
			if !ok {
				return
			}
			done += int64(read)
		}
	}
}

func getBuffer(pool *pools.BytePool, size int) []byte {
	if pool == nil {
		return make([]byte, size)
	}
	return pool.Get(size)
}

func putBuffer(pool *pools.BytePool, buf []byte) {
	if pool != nil {
		pool.Put(buf)
	}
}
