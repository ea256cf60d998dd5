package pools

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrOverflow is raised when more objects are released than the pool ever handed out.
var ErrOverflow = errors.New("pools: release beyond capacity")

// Poolable objects are reset before they go back to their pool.
type Poolable interface {
	Reset()
}

// FixedPool is a bounded pool of pre-built objects. Unlike sync.Pool it never
// creates objects on demand: once the warm-up set is handed out, Acquire blocks.
type FixedPool[T any] struct {
	items    chan T
	capacity int

	gets  atomic.Uint64
	puts  atomic.Uint64
	waits atomic.Uint64
}

// FixedPoolStats contains pool statistics
type FixedPoolStats struct {
	Capacity  int    `json:"capacity"`
	Available int    `json:"available"`
	Gets      uint64 `json:"gets"`
	Puts      uint64 `json:"puts"`
	Waits     uint64 `json:"waits"`
}

// NewFixedPool builds capacity objects with newFunc and stores them all.
// newFunc receives the object's index so callers can bind per-slot resources.
func NewFixedPool[T any](capacity int, newFunc func(idx int) T) *FixedPool[T] {
	if capacity <= 0 {
		panic("pools: fixed pool capacity must be positive")
	}

	p := &FixedPool[T]{
		items:    make(chan T, capacity),
		capacity: capacity,
	}
	for i := 0; i < capacity; i++ {
		p.items <- newFunc(i)
	}
	return p
}

// Acquire takes an object, waiting until one is released or ctx is done.
func (p *FixedPool[T]) Acquire(ctx context.Context) (T, error) {
	select {
	case obj := <-p.items:
		p.gets.Add(1)
		return obj, nil
	default:
	}

	p.waits.Add(1)
	select {
	case obj := <-p.items:
		p.gets.Add(1)
		return obj, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryAcquire takes an object without waiting.
func (p *FixedPool[T]) TryAcquire() (T, bool) {
	select {
	case obj := <-p.items:
		p.gets.Add(1)
		return obj, true
	default:
		var zero T
		return zero, false
	}
}

// Release resets obj (if it is Poolable) and puts it back.
func (p *FixedPool[T]) Release(obj T) {
	if poolable, ok := any(obj).(Poolable); ok {
		poolable.Reset()
	}

	select {
	case p.items <- obj:
		p.puts.Add(1)
	default:
		panic(ErrOverflow)
	}
}

// Available returns the number of idle objects.
func (p *FixedPool[T]) Available() int { return len(p.items) }

// Cap returns the pool capacity.
func (p *FixedPool[T]) Cap() int { return p.capacity }

// Stats returns pool statistics
func (p *FixedPool[T]) Stats() FixedPoolStats {
	return FixedPoolStats{
		Capacity:  p.capacity,
		Available: len(p.items),
		Gets:      p.gets.Load(),
		Puts:      p.puts.Load(),
		Waits:     p.waits.Load(),
	}
}
