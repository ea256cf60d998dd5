package core

import (
	"context"
	"time"
)

// Sweeper periodically evicts connections that have been idle longer than
// the timeout.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	evict    func(c *Connection) bool
	now      func() time.Time

	scratch []*Connection
}

// NewSweeper creates a sweeper over registry. evict is called for each idle
// connection and reports whether it was closed.
func NewSweeper(registry *Registry, interval, timeout time.Duration, evict func(*Connection) bool) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		evict:    evict,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass and returns the number of connections evicted.
func (s *Sweeper) Sweep() int {
	now := s.now()
	s.scratch = s.registry.Snapshot(s.scratch[:0])

	evicted := 0
	for i, c := range s.scratch {
		if c.IdleFor(now) > s.timeout && s.evict(c) {
			evicted++
		}
		s.scratch[i] = nil
	}
	return evicted
}
