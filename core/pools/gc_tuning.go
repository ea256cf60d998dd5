package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds GC tuning parameters
type GCConfig struct {
	// GOGC sets the garbage collection target percentage.
	// 0 leaves the runtime setting alone, negative disables the collector.
	GOGC int

	// MemoryLimit sets the soft memory limit in bytes. 0 = no limit.
	MemoryLimit int64
}

// DefaultGCConfig returns GC settings for a server whose working set is
// dominated by long-lived pooled objects.
func DefaultGCConfig() GCConfig {
	return GCConfig{GOGC: 200}
}

// ApplyGCConfig applies cfg and returns the settings it replaced.
func ApplyGCConfig(cfg GCConfig) GCConfig {
	var prev GCConfig
	if cfg.GOGC != 0 {
		prev.GOGC = debug.SetGCPercent(cfg.GOGC)
	}
	if cfg.MemoryLimit > 0 {
		prev.MemoryLimit = debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32        `json:"num_gc"`
	PauseTotal   time.Duration `json:"pause_total"`
	LastPause    time.Duration `json:"last_pause"`
	AvgPause     time.Duration `json:"avg_pause"`
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

		// PauseNs is a ring of the most recent 256 pauses
		n := ms.NumGC
		if n > 256 {
			n = 256
		}
		var recent uint64
		for i := uint32(0); i < n; i++ {
			recent += ms.PauseNs[i]
		}
		stats.AvgPause = time.Duration(recent / uint64(n))
	}

	return stats
}
