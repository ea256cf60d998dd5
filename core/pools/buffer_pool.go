package pools

import (
	"sync"
	"sync/atomic"
)

// Output buffer tiers
const (
	SmallBufferSize  = 2 * 1024  // status line, headers and a short body
	MediumBufferSize = 8 * 1024  // typical JSON
	LargeBufferSize  = 32 * 1024 // anything bigger is grown by append and not pooled
)

// BufferPool holds serialized-response buffers in three size tiers.
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool

	smallHits  atomic.Uint64
	mediumHits atomic.Uint64
	largeHits  atomic.Uint64
	totalGets  atomic.Uint64
	dropped    atomic.Uint64
}

// BufferStats contains buffer pool statistics
type BufferStats struct {
	SmallHits  uint64 `json:"small_hits"`
	MediumHits uint64 `json:"medium_hits"`
	LargeHits  uint64 `json:"large_hits"`
	TotalGets  uint64 `json:"total_gets"`
	Dropped    uint64 `json:"dropped"`
}

func newBuffer(size int) func() any {
	return func() any {
		buf := make([]byte, 0, size)
		return &buf
	}
}

// NewBufferPool creates a buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small:  sync.Pool{New: newBuffer(SmallBufferSize)},
		medium: sync.Pool{New: newBuffer(MediumBufferSize)},
		large:  sync.Pool{New: newBuffer(LargeBufferSize)},
	}
}

// Get returns an empty buffer with room for at least sizeHint bytes when the
// hint fits a tier.
func (bp *BufferPool) Get(sizeHint int) *[]byte {
	bp.totalGets.Add(1)

	switch {
	case sizeHint <= SmallBufferSize:
		bp.smallHits.Add(1)
		return bp.small.Get().(*[]byte)
	case sizeHint <= MediumBufferSize:
		bp.mediumHits.Add(1)
		return bp.medium.Get().(*[]byte)
	default:
		bp.largeHits.Add(1)
		return bp.large.Get().(*[]byte)
	}
}

// Put returns buf to the tier matching its capacity. Oversized buffers are dropped.
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	*buf = (*buf)[:0]

	switch c := cap(*buf); {
	case c <= SmallBufferSize:
		bp.small.Put(buf)
	case c <= MediumBufferSize:
		bp.medium.Put(buf)
	case c <= LargeBufferSize:
		bp.large.Put(buf)
	default:
		bp.dropped.Add(1)
	}
}

// Stats returns buffer pool statistics
func (bp *BufferPool) Stats() BufferStats {
	return BufferStats{
		SmallHits:  bp.smallHits.Load(),
		MediumHits: bp.mediumHits.Load(),
		LargeHits:  bp.largeHits.Load(),
		TotalGets:  bp.totalGets.Load(),
		Dropped:    bp.dropped.Load(),
	}
}
