package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fasthttpd"

// Metrics are the server's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	connsAccepted   prometheus.Counter
	connsClosed     *prometheus.CounterVec
	connsActive     prometheus.Gauge
	permitsInUse    prometheus.Gauge
	acceptErrors    prometheus.Counter
	protocolErrors  *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	bytesReceived   prometheus.Counter
	bytesSent       prometheus.Counter
	handlerPanics   prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		connsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of closed connections by reason",
		}, []string{"reason"}),
		connsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently registered",
		}),
		permitsInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_permits_in_use",
			Help:      "Admission permits currently held",
		}),
		acceptErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of failed accepts",
		}),
		protocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed requests by reason",
		}, []string{"reason"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of handled HTTP requests",
		}, []string{"method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_handler_duration_seconds",
			Help:      "Handler execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Total bytes received from clients",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Total bytes sent to clients",
		}),
		handlerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total number of recovered handler panics",
		}),
	}
}

func (m *Metrics) ConnAccepted() {
	if m != nil {
		m.connsAccepted.Inc()
	}
}

func (m *Metrics) ConnClosed(reason string) {
	if m != nil {
		m.connsClosed.WithLabelValues(reason).Inc()
	}
}

// SetLoad publishes the registry size and permit count.
func (m *Metrics) SetLoad(active int, permits int64) {
	if m != nil {
		m.connsActive.Set(float64(active))
		m.permitsInUse.Set(float64(permits))
	}
}

func (m *Metrics) AcceptError() {
	if m != nil {
		m.acceptErrors.Inc()
	}
}

func (m *Metrics) ProtocolError(reason string) {
	if m != nil {
		m.protocolErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Received(n int) {
	if m != nil {
		m.bytesReceived.Add(float64(n))
	}
}

func (m *Metrics) Sent(n int) {
	if m != nil {
		m.bytesSent.Add(float64(n))
	}
}

func (m *Metrics) HandlerPanic() {
	if m != nil {
		m.handlerPanics.Inc()
	}
}

// Request records one handled request.
func (m *Metrics) Request(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}
