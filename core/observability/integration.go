package observability

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/searchktools/fast-httpd/core/http"
)

// Observatory bundles the per-request instruments the engine drives.
// Any of its fields may be nil, and so may the Observatory itself.
type Observatory struct {
	Metrics *Metrics
	Tracer  *Tracer
	Monitor *PerformanceMonitor
}

// Observe runs next for c, timing it, tracing it and recording the outcome.
// A panic in next is recorded as a 500 and then re-raised.
func (o *Observatory) Observe(c *http.Context, next http.HandlerFunc) {
	if o == nil {
		next(c)
		return
	}

	start := time.Now()
	ctx, span := o.Tracer.Start(c.Context(), c.Request)
	c.WithContext(ctx)

	completed := false
	defer func() {
		status := c.Response.Status
		if status == 0 {
			status = 200
		}
		if !completed {
			status = 500
		}
		elapsed := time.Since(start)

		o.Tracer.End(span, status, !completed)
		o.Metrics.Request(c.Request.Method, status, elapsed)
		if o.Monitor != nil {
			o.Monitor.RecordRequest(c.Request.Method+" "+c.Request.Path(), elapsed, status >= 500)
		}
	}()

	next(c)
	completed = true
}

// Report renders the monitor's view of handler health and process memory.
func (o *Observatory) Report() string {
	var b strings.Builder

	b.WriteString("Server Observatory\n")
	b.WriteString("==================\n\n")

	b.WriteString("Handler Performance:\n")
	if o != nil && o.Monitor != nil {
		n, avg := o.Monitor.Totals()
		fmt.Fprintf(&b, "  Requests: %d (avg %v)\n", n, avg)

		bottlenecks := o.Monitor.Bottlenecks()
		if len(bottlenecks) == 0 {
			b.WriteString("  No bottlenecks detected\n")
		}
		for i, bn := range bottlenecks {
			fmt.Fprintf(&b, "  %d. [%s] %s - %s (severity: %d/10)\n",
				i+1, bn.Type, bn.Location, bn.Details, bn.Severity)
		}
	} else {
		b.WriteString("  monitor disabled\n")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	b.WriteString("\nSystem Metrics:\n")
	fmt.Fprintf(&b, "  Heap Alloc:   %d MB\n", m.HeapAlloc/(1024*1024))
	fmt.Fprintf(&b, "  Heap Objects: %d\n", m.HeapObjects)
	fmt.Fprintf(&b, "  GC Runs:      %d\n", m.NumGC)
	fmt.Fprintf(&b, "  Goroutines:   %d\n", runtime.NumGoroutine())

	return b.String()
}
