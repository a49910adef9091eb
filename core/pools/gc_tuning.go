package pools

import (
	"runtime"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
)

// GCConfig holds GC tuning parameters
type GCConfig struct {
	// GOGC sets the garbage collection target percentage. Zero leaves the
	// runtime setting alone.
	GOGC int

	// MemoryLimit sets the soft memory limit in bytes. Zero means no limit.
	MemoryLimit int64
}

// GC profiles selectable by name.
const (
	ProfileDefault    = "default"
	ProfileThroughput = "throughput"
	ProfileLowLatency = "latency"
)

// ProfileConfig returns the GC settings of a named profile.
func ProfileConfig(profile string) (GCConfig, error) {
	switch profile {
	case "", ProfileDefault:
		return GCConfig{}, nil
	case ProfileThroughput:
		// Large transfers churn through chunk buffers; collect less often
		return GCConfig{GOGC: 300}, nil
	case ProfileLowLatency:
		return GCConfig{GOGC: 150}, nil
	}
	return GCConfig{}, errors.Newf("unknown gc profile %q", profile)
}

// ApplyGCConfig applies cfg and returns the previous GC percentage
func ApplyGCConfig(cfg GCConfig) int {
	prev := debug.SetGCPercent(-1)
	debug.SetGCPercent(prev)

	if cfg.GOGC > 0 {
		prev = debug.SetGCPercent(cfg.GOGC)
	}

	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}

	return prev
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32        `json:"num_gc"`
	PauseTotal   time.Duration `json:"pause_total"`
	LastPause    time.Duration `json:"last_pause"`
	AllocBytes   uint64        `json:"alloc_bytes"`
	TotalAlloc   uint64        `json:"total_alloc"`
	Sys          uint64        `json:"sys"`
	NumGoroutine int           `json:"num_goroutine"`
}

// GetGCStats returns current GC statistics
func GetGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		AllocBytes:   ms.Alloc,
		TotalAlloc:   ms.TotalAlloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}

	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}

	return stats
}
