package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/searchktools/fast-httpd/core/pools"
)

// PoolStats represents statistics for all pools
type PoolStats struct {
	Connections pools.FixedPoolStats `json:"connections"`
	Accepts     pools.FixedPoolStats `json:"accepts"`
	Arena       pools.ArenaStats     `json:"arena"`
	Admission   pools.AdmissionStats `json:"admission"`
	Registered  int                  `json:"registered"`
	Buffers     pools.BufferStats    `json:"buffers"`
	GC          pools.GCStats        `json:"gc"`
}

// Stats returns a snapshot of the engine's pools.
func (e *Engine) Stats() PoolStats {
	return PoolStats{
		Connections: e.connPool.Stats(),
		Accepts:     e.acceptPool.Stats(),
		Arena:       e.arena.Stats(),
		Admission:   e.admission.Stats(),
		Registered:  e.registry.Len(),
		Buffers:     e.outBufs.Stats(),
		GC:          pools.GetGCStats(),
	}
}

// JSON returns the statistics as indented JSON.
func (s PoolStats) JSON() string {
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

// String renders the statistics as a human-readable report.
func (s PoolStats) String() string {
	var b strings.Builder

	b.WriteString("Pool Statistics\n")
	b.WriteString("===============\n\n")

	b.WriteString("Connections:\n")
	fmt.Fprintf(&b, "  Capacity: %d\n", s.Connections.Capacity)
	fmt.Fprintf(&b, "  Free: %d\n", s.Connections.Available)
	fmt.Fprintf(&b, "  Registered: %d\n", s.Registered)
	fmt.Fprintf(&b, "  Gets/Puts: %d/%d\n\n", s.Connections.Gets, s.Connections.Puts)

	b.WriteString("Admission:\n")
	fmt.Fprintf(&b, "  In use: %d of %d\n", s.Admission.InUse, s.Admission.Max)
	fmt.Fprintf(&b, "  Peak: %d\n\n", s.Admission.Peak)

	b.WriteString("Accepts:\n")
	fmt.Fprintf(&b, "  Capacity: %d\n", s.Accepts.Capacity)
	fmt.Fprintf(&b, "  Outstanding: %d\n", s.Accepts.Capacity-s.Accepts.Available)
	fmt.Fprintf(&b, "  Waits: %d\n\n", s.Accepts.Waits)

	b.WriteString("Receive Arena:\n")
	fmt.Fprintf(&b, "  Slots: %d x %d bytes\n", s.Arena.Slots, s.Arena.SlotSize)
	fmt.Fprintf(&b, "  Free: %d\n\n", s.Arena.Available)

	b.WriteString("Response Buffers:\n")
	fmt.Fprintf(&b, "  Gets: %d (small %d, medium %d, large %d)\n",
		s.Buffers.TotalGets, s.Buffers.SmallHits, s.Buffers.MediumHits, s.Buffers.LargeHits)
	fmt.Fprintf(&b, "  Dropped: %d\n\n", s.Buffers.Dropped)

	b.WriteString("GC:\n")
	fmt.Fprintf(&b, "  Cycles: %d\n", s.GC.NumGC)
	fmt.Fprintf(&b, "  Avg pause: %v\n", s.GC.AvgPause)
	fmt.Fprintf(&b, "  Heap: %.2f MB\n", float64(s.GC.AllocBytes)/1024/1024)
	fmt.Fprintf(&b, "  Goroutines: %d\n", s.GC.NumGoroutine)

	return b.String()
}
