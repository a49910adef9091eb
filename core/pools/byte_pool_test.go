package pools

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytePoolTiers(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{16, 64})

	small := bp.Get(10)
	require.Len(t, small, 10)
	require.Equal(t, 16, cap(small))

	medium := bp.Get(17)
	require.Len(t, medium, 17)
	require.Equal(t, 64, cap(medium))

	huge := bp.Get(100)
	require.Len(t, huge, 100)

	bp.Put(small)
	bp.Put(medium)
	bp.Put(huge)

	stats := bp.Stats()
	require.Equal(t, uint64(3), stats.TotalGets)
	require.Equal(t, uint64(2), stats.TotalPuts)
	require.Equal(t, uint64(1), stats.TotalMisses)
}

func TestBytePoolReuseKeepsLength(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{32})

	buf := bp.Get(8)
	bp.Put(buf)

	again := bp.Get(20)
	require.Len(t, again, 20)
	require.Equal(t, 32, cap(again))
}

func TestConnectionPool(t *testing.T) {
	cp := NewConnectionPool(64, 64)

	var rw bytes.Buffer
	rw.WriteString("hello\n")

	b := cp.Get(&rw)
	line, err := b.Reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello\n", line)

	_, err = b.Writer.WriteString("out")
	require.NoError(t, err)
	require.NoError(t, b.Writer.Flush())
	require.Equal(t, "out", rw.String())

	cp.Put(b)
	again := cp.Get(&rw)
	require.Equal(t, 64, again.Reader.Size())

	gets, puts, _ := cp.Stats()
	require.Equal(t, uint64(2), gets)
	require.Equal(t, uint64(1), puts)
}

func TestGCProfiles(t *testing.T) {
	cfg, err := ProfileConfig(ProfileThroughput)
	require.NoError(t, err)
	require.Equal(t, 300, cfg.GOGC)

	_, err = ProfileConfig("turbo")
	require.Error(t, err)

	prev := ApplyGCConfig(GCConfig{GOGC: 120})
	require.Equal(t, 120, ApplyGCConfig(GCConfig{GOGC: prev}))
	require.Positive(t, GetGCStats().NumGoroutine)
}
