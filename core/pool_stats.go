package core

import (
	"encoding/json"
	"fmt"

	"github.com/searchktools/rawserve/core/pools"
)

// PoolStats represents statistics for the engine's pools and connections
type PoolStats struct {
	Connection    ConnectionPoolStats `json:"connection"`
	BytePool      pools.BytePoolStats `json:"byte_pool"`
	GC            pools.GCStats       `json:"gc"`
	OpenConns     int                 `json:"open_connections"`
	IdleConns     int                 `json:"idle_connections"`
	StaticEntries int                 `json:"static_entries"`
}

type ConnectionPoolStats struct {
	Gets    uint64  `json:"gets"`
	Puts    uint64  `json:"puts"`
	HitRate float64 `json:"hit_rate"`
}

// PoolStats returns a snapshot of the engine's pools
func (e *Engine) PoolStats() PoolStats {
	stats := PoolStats{
		BytePool:      e.bytePool.Stats(),
		GC:            pools.GetGCStats(),
		StaticEntries: e.cache.Len(),
	}

	gets, puts, hitRate := e.connPool.Stats()
	stats.Connection = ConnectionPoolStats{
		Gets:    gets,
		Puts:    puts,
		HitRate: hitRate,
	}
	stats.OpenConns, stats.IdleConns = e.idleConns()

	return stats
}

// PoolStatsJSON returns pool statistics as JSON string
func (e *Engine) PoolStatsJSON() string {
	data, _ := json.MarshalIndent(e.PoolStats(), "", "  ")
	return string(data)
}

// PoolStatsText returns pool statistics as human-readable text
func (e *Engine) PoolStatsText() string {
	stats := e.PoolStats()
	return fmt.Sprintf(`Pool Statistics
===============

Connection Buffers:
  Gets:     %d
  Puts:     %d
  Hit Rate: %.2f%%

Byte Pool:
  Gets:     %d
  Puts:     %d
  Misses:   %d

Connections:
  Open:     %d
  Idle:     %d

Static Cache Entries: %d
Goroutines:           %d
GC Cycles:            %d
`,
		stats.Connection.Gets, stats.Connection.Puts, stats.Connection.HitRate*100,
		stats.BytePool.TotalGets, stats.BytePool.TotalPuts, stats.BytePool.TotalMisses,
		stats.OpenConns, stats.IdleConns,
		stats.StaticEntries,
		stats.GC.NumGoroutine,
		stats.GC.NumGC,
	)
}
