package pools

import (
	"errors"
	"sync/atomic"
)

// ErrExhausted is returned (or raised) when a bounded pool has nothing left to hand out.
var ErrExhausted = errors.New("pools: exhausted")

// Arena is one contiguous byte region carved into equal-size slots.
// Receive buffers are taken from it so that the live working set is a single
// allocation made at startup.
type Arena struct {
	buf      []byte
	slotSize int
	free     chan int

	allocs atomic.Uint64
	frees  atomic.Uint64
}

// ArenaStats contains arena statistics
type ArenaStats struct {
	Slots     int    `json:"slots"`
	SlotSize  int    `json:"slot_size"`
	Available int    `json:"available"`
	Allocs    uint64 `json:"allocs"`
	Frees     uint64 `json:"frees"`
}

// NewArena allocates slots*slotSize bytes up front.
func NewArena(slots, slotSize int) *Arena {
	if slots <= 0 || slotSize <= 0 {
		panic("pools: arena needs positive slot count and size")
	}

	a := &Arena{
		buf:      make([]byte, slots*slotSize),
		slotSize: slotSize,
		free:     make(chan int, slots),
	}
	for i := 0; i < slots; i++ {
		a.free <- i
	}
	return a
}

// Alloc hands out a free slot index.
func (a *Arena) Alloc() (int, error) {
	select {
	case idx := <-a.free:
		a.allocs.Add(1)
		return idx, nil
	default:
		return -1, ErrExhausted
	}
}

// Slot returns the bytes of slot idx. The slice capacity is clamped so an
// append can never spill into the neighbouring slot.
func (a *Arena) Slot(idx int) []byte {
	off := idx * a.slotSize
	return a.buf[off : off+a.slotSize : off+a.slotSize]
}

// Free returns slot idx to the arena.
func (a *Arena) Free(idx int) {
	if idx < 0 || idx >= cap(a.free) {
		return
	}
	select {
	case a.free <- idx:
		a.frees.Add(1)
	default:
		panic("pools: arena slot freed twice")
	}
}

// SlotSize returns the size of every slot.
func (a *Arena) SlotSize() int { return a.slotSize }

// Available returns the number of free slots.
func (a *Arena) Available() int { return len(a.free) }

// Stats returns arena statistics
func (a *Arena) Stats() ArenaStats {
	return ArenaStats{
		Slots:     cap(a.free),
		SlotSize:  a.slotSize,
		Available: len(a.free),
		Allocs:    a.allocs.Load(),
		Frees:     a.frees.Load(),
	}
}
