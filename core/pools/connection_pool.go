package pools

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

// ConnBuffers are the buffered reader and writer serving one connection.
type ConnBuffers struct {
	Reader *bufio.Reader
	Writer *bufio.Writer
}

// ConnectionPool recycles per-connection buffers
type ConnectionPool struct {
	pool sync.Pool
	gets atomic.Uint64
	puts atomic.Uint64
	news atomic.Uint64
}

// NewConnectionPool creates a pool of buffers of the given sizes
func NewConnectionPool(readSize, writeSize int) *ConnectionPool {
	cp := &ConnectionPool{}
	cp.pool.New = func() any {
		cp.news.Add(1)
		return &ConnBuffers{
			Reader: bufio.NewReaderSize(nil, readSize),
			Writer: bufio.NewWriterSize(nil, writeSize),
		}
	}
	return cp
}

// Get returns buffers bound to rw
func (cp *ConnectionPool) Get(rw io.ReadWriter) *ConnBuffers {
	cp.gets.Add(1)
	b := cp.pool.Get().(*ConnBuffers)
	b.Reader.Reset(rw)
	b.Writer.Reset(rw)
	return b
}

// Put unbinds b and returns it to the pool. Buffers of a hijacked
// connection must not be put back.
func (cp *ConnectionPool) Put(b *ConnBuffers) {
	b.Reader.Reset(nil)
	b.Writer.Reset(nil)
	cp.puts.Add(1)
	cp.pool.Put(b)
}

// Stats returns pool statistics. The hit rate is the share of Gets served
// without allocating.
func (cp *ConnectionPool) Stats() (gets, puts uint64, hitRate float64) {
	g := cp.gets.Load()
	p := cp.puts.Load()

	if g > 0 {
		hitRate = 1 - float64(cp.news.Load())/float64(g)
		if hitRate < 0 {
			hitRate = 0
		}
	}

	return g, p, hitRate
}
