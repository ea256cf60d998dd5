package pools

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrNoPermit is raised when a permit is released that was never acquired.
var ErrNoPermit = errors.New("pools: permit released without acquire")

// Admission is a counting permit pool bounding the number of live connections.
type Admission struct {
	sem   *semaphore.Weighted
	max   int64
	inUse atomic.Int64
	peak  atomic.Int64
}

// AdmissionStats contains admission statistics
type AdmissionStats struct {
	Max   int64 `json:"max"`
	InUse int64 `json:"in_use"`
	Peak  int64 `json:"peak"`
}

// NewAdmission creates a permit pool with max permits.
func NewAdmission(max int) *Admission {
	if max <= 0 {
		panic("pools: admission needs at least one permit")
	}
	return &Admission{
		sem: semaphore.NewWeighted(int64(max)),
		max: int64(max),
	}
}

// Acquire waits for a permit or until ctx is done.
func (a *Admission) Acquire(ctx context.Context) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	a.taken()
	return nil
}

// TryAcquire takes a permit if one is free.
func (a *Admission) TryAcquire() bool {
	if !a.sem.TryAcquire(1) {
		return false
	}
	a.taken()
	return true
}

func (a *Admission) taken() {
	n := a.inUse.Add(1)
	for {
		peak := a.peak.Load()
		if n <= peak || a.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Release returns one permit.
func (a *Admission) Release() {
	if a.inUse.Add(-1) < 0 {
		a.inUse.Add(1)
		panic(ErrNoPermit)
	}
	a.sem.Release(1)
}

// InUse returns the number of permits currently held.
func (a *Admission) InUse() int64 { return a.inUse.Load() }

// Max returns the permit count.
func (a *Admission) Max() int64 { return a.max }

// Stats returns admission statistics
func (a *Admission) Stats() AdmissionStats {
	return AdmissionStats{
		Max:   a.max,
		InUse: a.inUse.Load(),
		Peak:  a.peak.Load(),
	}
}
