package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/searchktools/fast-httpd/config"
	"github.com/searchktools/fast-httpd/core"
	"github.com/searchktools/fast-httpd/core/http"
	"github.com/searchktools/fast-httpd/core/observability"
	"github.com/searchktools/fast-httpd/core/pools"
)

const serviceName = "fast-httpd"

// App wires an engine to its configuration, logging, metrics and tracing.
type App struct {
	cfg    *config.Config
	log    *logrus.Logger
	out    io.Writer
	tty    bool
	engine *core.Engine

	registry *prometheus.Registry
	obs      *observability.Observatory
	tp       *sdktrace.TracerProvider

	metricsMu sync.Mutex
	metricsLn net.Listener
}

// Option customizes an App.
type Option func(*App)

// WithOutput sends logs and the banner to w instead of stderr.
func WithOutput(w io.Writer, tty bool) Option {
	return func(a *App) {
		a.out = w
		a.tty = tty
	}
}

// New creates an application instance serving handler.
func New(cfg *config.Config, handler http.HandlerFunc, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fd := os.Stderr.Fd()
	a := &App{
		cfg:      cfg,
		out:      colorable.NewColorableStderr(),
		tty:      isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}

	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat, a.out, a.tty)
	if err != nil {
		return nil, err
	}
	a.log = logger

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.obs = &observability.Observatory{
		Metrics: observability.NewMetrics(a.registry),
		Monitor: observability.NewPerformanceMonitor(),
	}
	if cfg.TraceEndpoint != "" {
		tp, err := observability.NewOTLPProvider(context.Background(), cfg.TraceEndpoint, serviceName, true)
		if err != nil {
			return nil, err
		}
		a.tp = tp
		a.obs.Tracer = observability.NewTracer(tp)
	}

	engine, err := core.New(handler, cfg.EngineOptions(a.log, a.obs))
	if err != nil {
		return nil, err
	}
	a.engine = engine
	return a, nil
}

// NewLogger builds a logrus logger writing to out. Colours are used only
// when out is a terminal.
func NewLogger(level, format string, out io.Writer, tty bool) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   tty,
			DisableColors: !tty,
			FullTimestamp: true,
		})
	}
	return logger, nil
}

// Engine returns the underlying engine.
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Logger returns the application logger.
func (a *App) Logger() *logrus.Logger {
	return a.log
}

// MetricsAddr returns the bound metrics address once Run has started it.
func (a *App) MetricsAddr() net.Addr {
	a.metricsMu.Lock()
	defer a.metricsMu.Unlock()
	if a.metricsLn == nil {
		return nil
	}
	return a.metricsLn.Addr()
}

// Run serves until ctx is done or SIGINT/SIGTERM arrives, then shuts down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	prev := pools.ApplyGCConfig(a.cfg.GC())
	a.log.WithFields(logrus.Fields{
		"gogc":         a.cfg.GCPercent,
		"memory_limit": a.cfg.MemoryLimit,
		"previous":     prev.GOGC,
	}).Debug("GC tuned")

	if a.cfg.MetricsAddr != "" {
		shutdown, err := a.serveMetrics()
		if err != nil {
			return err
		}
		defer shutdown()
	}

	a.printBanner()
	err := a.engine.ListenAndServe(ctx, a.cfg.Addr)

	if a.tp != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if terr := a.tp.Shutdown(sctx); terr != nil {
			a.log.WithError(terr).Warn("flushing traces")
		}
		cancel()
	}
	if a.log.IsLevelEnabled(logrus.DebugLevel) {
		a.log.Debug("\n" + a.obs.Report() + "\n" + a.engine.Stats().String())
	}
	return err
}

// serveMetrics exposes /metrics and /debug/pools on MetricsAddr.
func (a *App) serveMetrics() (func(), error) {
	ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	a.metricsMu.Lock()
	a.metricsLn = ln
	a.metricsMu.Unlock()

	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.HandleFunc("/debug/pools", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, a.engine.Stats().JSON())
	})
	srv := &nethttp.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			a.log.WithError(err).Error("metrics server failed")
		}
	}()
	a.log.WithField("addr", ln.Addr().String()).Info("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("metrics server shutdown")
		}
		<-done
	}, nil
}

func (a *App) printBanner() {
	banner := color.New(color.FgCyan, color.Bold)
	value := color.New(color.FgGreen)
	if !a.tty {
		banner.DisableColor()
		value.DisableColor()
	}

	_, _ = banner.Fprintf(a.out, "%s listening on %s\n", serviceName, a.cfg.Addr)
	_, _ = fmt.Fprintf(a.out, "  connections %s  accepts %s  buffer %s  idle %s\n",
		value.Sprint(a.cfg.MaxConnections),
		value.Sprint(a.cfg.MaxAccept),
		value.Sprintf("%dB", a.cfg.BufferSize),
		value.Sprint(a.cfg.IdleTimeout),
	)
}
