package pools

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestArena_SlotsAreDisjoint(t *testing.T) {
	a := NewArena(4, 16)
	require.Equal(t, 4, a.Available())

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		idx, err := a.Alloc()
		require.NoError(t, err)
		require.False(t, seen[idx])
		seen[idx] = true

		slot := a.Slot(idx)
		assert.Len(t, slot, 16)
		assert.Equal(t, 16, cap(slot))
		for j := range slot {
			slot[j] = byte(idx)
		}
	}

	_, err := a.Alloc()
	assert.ErrorIs(t, err, ErrExhausted)

	for idx := range seen {
		for _, b := range a.Slot(idx) {
			require.Equal(t, byte(idx), b)
		}
	}
}

func TestArena_FreeReturnsSlot(t *testing.T) {
	a := NewArena(1, 8)
	idx, err := a.Alloc()
	require.NoError(t, err)
	require.Zero(t, a.Available())

	a.Free(idx)
	assert.Equal(t, 1, a.Available())
	assert.Panics(t, func() { a.Free(idx) })

	stats := a.Stats()
	assert.EqualValues(t, 1, stats.Allocs)
	assert.EqualValues(t, 1, stats.Frees)
}

type resettable struct {
	id    int
	dirty bool
}

func (r *resettable) Reset() { r.dirty = false }

func TestFixedPool_AcquireRelease(t *testing.T) {
	p := NewFixedPool(2, func(i int) *resettable { return &resettable{id: i} })
	require.Equal(t, 2, p.Cap())

	a, ok := p.TryAcquire()
	require.True(t, ok)
	b, ok := p.TryAcquire()
	require.True(t, ok)
	assert.NotEqual(t, a.id, b.id)

	_, ok = p.TryAcquire()
	assert.False(t, ok)

	a.dirty = true
	p.Release(a)
	assert.False(t, a.dirty, "Release should reset Poolable objects")
	assert.Equal(t, 1, p.Available())

	p.Release(b)
	assert.Panics(t, func() { p.Release(&resettable{}) })

	stats := p.Stats()
	assert.EqualValues(t, 2, stats.Gets)
	assert.EqualValues(t, 2, stats.Puts)
}

func TestFixedPool_AcquireBlocks(t *testing.T) {
	p := NewFixedPool(1, func(i int) int { return i })
	v, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan int)
	go func() {
		v, err := p.Acquire(context.Background())
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(10 * time.Millisecond)
	p.Release(v)

	select {
	case v := <-got:
		assert.Equal(t, 0, v)
	case <-time.After(time.Second):
		t.Fatal("blocked Acquire was not woken by Release")
	}
	assert.GreaterOrEqual(t, p.Stats().Waits, uint64(1))
}

func TestAdmission_NeverExceedsMax(t *testing.T) {
	const max = 3
	a := NewAdmission(max)

	var wg sync.WaitGroup
	var current, peak atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, a.Acquire(context.Background())) {
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			a.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(max))
	assert.LessOrEqual(t, a.Stats().Peak, int64(max))
	assert.Zero(t, a.InUse())
}

func TestAdmission_TryAcquireAndOverRelease(t *testing.T) {
	a := NewAdmission(1)
	require.True(t, a.TryAcquire())
	assert.False(t, a.TryAcquire())
	assert.EqualValues(t, 1, a.InUse())

	a.Release()
	assert.Zero(t, a.InUse())
	assert.PanicsWithValue(t, ErrNoPermit, a.Release)
	assert.Zero(t, a.InUse())
}

func TestAdmission_AcquireHonoursContext(t *testing.T) {
	a := NewAdmission(1)
	require.True(t, a.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, a.Acquire(ctx))
	assert.EqualValues(t, 1, a.InUse())
}

func TestBufferPool_Tiers(t *testing.T) {
	bp := NewBufferPool()

	small := bp.Get(100)
	assert.GreaterOrEqual(t, cap(*small), SmallBufferSize)
	medium := bp.Get(SmallBufferSize + 1)
	assert.GreaterOrEqual(t, cap(*medium), MediumBufferSize)
	large := bp.Get(MediumBufferSize + 1)
	assert.GreaterOrEqual(t, cap(*large), LargeBufferSize)

	*small = append(*small, "abc"...)
	bp.Put(small)
	bp.Put(medium)
	bp.Put(large)

	huge := make([]byte, 0, LargeBufferSize*2)
	bp.Put(&huge)
	bp.Put(nil)

	stats := bp.Stats()
	assert.EqualValues(t, 3, stats.TotalGets)
	assert.EqualValues(t, 1, stats.Dropped)
}

func TestApplyGCConfig_RestoresPrevious(t *testing.T) {
	prev := ApplyGCConfig(GCConfig{GOGC: 150})
	defer ApplyGCConfig(GCConfig{GOGC: prev.GOGC})

	again := ApplyGCConfig(GCConfig{GOGC: 150})
	assert.Equal(t, 150, again.GOGC)

	stats := GetGCStats()
	assert.Positive(t, stats.NumGoroutine)
}
