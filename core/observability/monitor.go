package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Thresholds used by Bottlenecks.
const (
	slowHandlerAvg = 100 * time.Millisecond
	errorRateLimit = 0.05
)

// PerformanceMonitor keeps per-route latency and error counters in memory.
type PerformanceMonitor struct {
	enabled  atomic.Bool
	handlers sync.Map
	global   struct {
		totalRequests atomic.Uint64
		totalDuration atomic.Uint64
	}
}

// HandlerMetrics stores per-handler metrics
type HandlerMetrics struct {
	Name          string
	Count         atomic.Uint64
	Errors        atomic.Uint64
	TotalDuration atomic.Uint64
	MinDuration   atomic.Uint64
	MaxDuration   atomic.Uint64

	latencyBuckets [10]atomic.Uint64
}

// latencyBounds are the upper bounds, in milliseconds, of the first nine
// latency buckets; the tenth is unbounded.
var latencyBounds = [9]uint64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type     string
	Location string
	Severity int
	Impact   float64
	Details  string
}

// NewPerformanceMonitor creates a monitor
func NewPerformanceMonitor() *PerformanceMonitor {
	pm := &PerformanceMonitor{}
	pm.enabled.Store(true)
	return pm
}

// SetEnabled turns recording on or off.
func (pm *PerformanceMonitor) SetEnabled(on bool) {
	pm.enabled.Store(on)
}

// RecordRequest records a request
func (pm *PerformanceMonitor) RecordRequest(handler string, duration time.Duration, isError bool) {
	if !pm.enabled.Load() {
		return
	}

	val, _ := pm.handlers.LoadOrStore(handler, &HandlerMetrics{Name: handler})
	m := val.(*HandlerMetrics)

	m.Count.Add(1)
	if isError {
		m.Errors.Add(1)
	}

	d := uint64(duration.Nanoseconds())
	m.TotalDuration.Add(d)
	updateMinMax(m, d)
	m.latencyBuckets[bucketFor(d)].Add(1)

	pm.global.totalRequests.Add(1)
	pm.global.totalDuration.Add(d)
}

func updateMinMax(m *HandlerMetrics, d uint64) {
	for {
		cur := m.MinDuration.Load()
		if (cur != 0 && d >= cur) || m.MinDuration.CompareAndSwap(cur, d) {
			break
		}
	}
	for {
		cur := m.MaxDuration.Load()
		if d <= cur || m.MaxDuration.CompareAndSwap(cur, d) {
			break
		}
	}
}

func bucketFor(durationNs uint64) int {
	ms := durationNs / uint64(time.Millisecond)
	for i, bound := range latencyBounds {
		if ms < bound {
			return i
		}
	}
	return len(latencyBounds)
}

// Handler returns the metrics recorded for handler, if any.
func (pm *PerformanceMonitor) Handler(handler string) (*HandlerMetrics, bool) {
	val, ok := pm.handlers.Load(handler)
	if !ok {
		return nil, false
	}
	return val.(*HandlerMetrics), true
}

// Totals returns the request count and mean duration across all handlers.
func (pm *PerformanceMonitor) Totals() (uint64, time.Duration) {
	n := pm.global.totalRequests.Load()
	if n == 0 {
		return 0, 0
	}
	return n, time.Duration(pm.global.totalDuration.Load() / n)
}

// Bottlenecks inspects the recorded handlers for slow averages and high error
// rates, worst first.
func (pm *PerformanceMonitor) Bottlenecks() []Bottleneck {
	var found []Bottleneck

	pm.handlers.Range(func(_, value any) bool {
		m := value.(*HandlerMetrics)
		count := m.Count.Load()
		if count == 0 {
			return true
		}

		avg := time.Duration(m.TotalDuration.Load() / count)
		if avg > slowHandlerAvg {
			found = append(found, Bottleneck{
				Type:     "latency",
				Location: m.Name,
				Severity: 8,
				Impact:   float64(avg) / float64(slowHandlerAvg) * 100,
				Details:  fmt.Sprintf("High latency (%v avg)", avg),
			})
		}

		errs := m.Errors.Load()
		if rate := float64(errs) / float64(count); errs > 0 && rate > errorRateLimit {
			found = append(found, Bottleneck{
				Type:     "errors",
				Location: m.Name,
				Severity: 10,
				Impact:   rate * 100,
				Details:  fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
		return true
	})

	sort.Slice(found, func(i, j int) bool {
		if found[i].Severity != found[j].Severity {
			return found[i].Severity > found[j].Severity
		}
		return found[i].Location < found[j].Location
	})
	return found
}
