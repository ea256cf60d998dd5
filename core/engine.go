package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/fast-httpd/core/aio"
	"github.com/searchktools/fast-httpd/core/http"
	"github.com/searchktools/fast-httpd/core/observability"
	"github.com/searchktools/fast-httpd/core/pools"
)

// Options configure an Engine. Zero values take the package defaults.
type Options struct {
	// MaxAccept is the number of accepts that may be outstanding at once.
	MaxAccept int
	// MaxConnections caps the connections admitted at any instant.
	MaxConnections int
	// BufferSize is the receive slot size per connection.
	BufferSize int

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	MaxHeaderBytes int
	MaxBodyBytes   int64

	// RejectWithStatus answers malformed requests with 400 instead of
	// dropping the connection silently.
	RejectWithStatus bool

	IO aio.Options

	Logger      logrus.FieldLogger
	Observatory *observability.Observatory
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		MaxAccept:      DefaultMaxAccept,
		MaxConnections: DefaultMaxConnections,
		BufferSize:     DefaultBufferSize,
		IdleTimeout:    DefaultIdleTimeout,
		SweepInterval:  DefaultSweepInterval,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxBodyBytes:   DefaultMaxBodyBytes,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAccept <= 0 {
		o.MaxAccept = d.MaxAccept
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = d.MaxConnections
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = d.MaxBodyBytes
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	return o
}

// acceptContext is the pooled state of one outstanding accept.
type acceptContext struct {
	done aio.AcceptCompletion
}

// Engine accepts connections and runs each through
// receive, parse, handle, send and close.
type Engine struct {
	opts    Options
	handler http.HandlerFunc
	log     logrus.FieldLogger
	obs     *observability.Observatory
	metrics *observability.Metrics

	arena      *pools.Arena
	acceptPool *pools.FixedPool[*acceptContext]
	connPool   *pools.FixedPool[*Connection]
	admission  *pools.Admission
	outBufs    *pools.BufferPool
	registry   *Registry
	sweeper    *Sweeper

	running        atomic.Bool
	stopping       atomic.Bool
	acceptFailures atomic.Int64
	inflight       sync.WaitGroup

	mu      sync.Mutex
	ln      aio.Listener
	baseCtx context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds an engine and pre-allocates every pool it will use.
func New(handler http.HandlerFunc, opts Options) (*Engine, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	opts = opts.withDefaults()

	e := &Engine{
		opts:      opts,
		handler:   handler,
		log:       opts.Logger,
		obs:       opts.Observatory,
		arena:     pools.NewArena(opts.MaxConnections, opts.BufferSize),
		admission: pools.NewAdmission(opts.MaxConnections),
		outBufs:   pools.NewBufferPool(),
		registry:  NewRegistry(opts.MaxConnections),
		baseCtx:   context.Background(),
	}
	if e.obs != nil {
		e.metrics = e.obs.Metrics
	}

	limits := http.Limits{MaxHeaderBytes: opts.MaxHeaderBytes, MaxBodyBytes: opts.MaxBodyBytes}
	e.connPool = pools.NewFixedPool(opts.MaxConnections, func(idx int) *Connection {
		slot, err := e.arena.Alloc()
		if err != nil {
			panic(fmt.Errorf("core: receive slot for connection %d: %w", idx, err))
		}
		c := &Connection{
			id:      idx,
			slot:    slot,
			recvBuf: e.arena.Slot(slot),
			client:  http.NewClient(limits),
		}
		c.onRecv = func(s aio.Socket, n int, err error) { e.received(c, s, n, err) }
		c.onSend = func(s aio.Socket, n int, err error) { e.sentAsync(c, s, n, err) }
		return c
	})
	e.acceptPool = pools.NewFixedPool(opts.MaxAccept, func(int) *acceptContext {
		actx := &acceptContext{}
		actx.done = func(s aio.Socket, err error) { e.accepted(actx, s, err) }
		return actx
	})
	e.sweeper = NewSweeper(e.registry, opts.SweepInterval, opts.IdleTimeout, e.evict)

	e.log.WithFields(logrus.Fields{
		"max_accept":      opts.MaxAccept,
		"max_connections": opts.MaxConnections,
		"buffer_size":     opts.BufferSize,
		"idle_timeout":    opts.IdleTimeout,
	}).Debug("engine pools initialized")

	return e, nil
}

// ListenAndServe binds addr and serves until ctx is done or Stop is called.
func (e *Engine) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := aio.Listen(addr, e.opts.IO)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return e.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done or Stop is called, then
// closes ln and every live connection. It returns nil on a clean stop.
func (e *Engine) Serve(ctx context.Context, ln aio.Listener) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})

	e.mu.Lock()
	e.ln = ln
	e.baseCtx = ctx
	e.cancel = cancel
	e.stopped = stopped
	e.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.sweeper.Run(ctx)
	}()

	e.log.WithField("addr", ln.Addr().String()).Info("accepting connections")
	e.acceptLoop(ctx, ln)

	cancel()
	wg.Wait()
	e.shutdown(ln)

	e.mu.Lock()
	e.ln = nil
	e.cancel = nil
	e.mu.Unlock()
	e.running.Store(false)
	close(stopped)

	e.log.Info("engine stopped")
	return nil
}

// Stop ends Serve and waits for it to return or for ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, stopped := e.cancel, e.stopped
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the listening address while serving.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// acceptLoop keeps up to MaxAccept accepts outstanding. It takes the
// admission permit before issuing each accept, so it blocks once
// MaxConnections connections are live.
func (e *Engine) acceptLoop(ctx context.Context, ln aio.Listener) {
	for {
		if !e.acceptBackoff(ctx) {
			return
		}
		if err := e.admission.Acquire(ctx); err != nil {
			return
		}
		actx, err := e.acceptPool.Acquire(ctx)
		if err != nil {
			e.admission.Release()
			return
		}

		e.inflight.Add(1)
		s, pending, err := ln.Accept(actx.done)
		if pending {
			continue
		}
		e.accepted(actx, s, err)
		if errors.Is(err, aio.ErrClosed) {
			return
		}
	}
}

// acceptBackoff sleeps after consecutive accept failures, doubling from
// minAcceptDelay up to maxAcceptDelay. It reports false once ctx is done.
func (e *Engine) acceptBackoff(ctx context.Context) bool {
	failures := e.acceptFailures.Load()
	if failures == 0 {
		return ctx.Err() == nil
	}
	delay := maxAcceptDelay
	if failures < 16 {
		delay = min(minAcceptDelay<<(failures-1), maxAcceptDelay)
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) accepted(actx *acceptContext, s aio.Socket, err error) {
	defer e.inflight.Done()
	e.acceptPool.Release(actx)

	if err != nil {
		e.admission.Release()
		if !errors.Is(err, aio.ErrAborted) && !errors.Is(err, aio.ErrClosed) {
			e.acceptFailures.Add(1)
			e.metrics.AcceptError()
			e.log.WithError(err).Warn("accept failed")
		}
		return
	}

	if e.stopping.Load() {
		_ = s.Close()
		e.admission.Release()
		e.metrics.ConnClosed(reasonUnstarted)
		return
	}
	e.acceptFailures.Store(0)
	e.admit(s)
}

// admit binds s to a pooled connection and starts receiving.
func (e *Engine) admit(s aio.Socket) {
	c, ok := e.connPool.TryAcquire()
	if !ok {
		// a permit is held, so the pool cannot be empty
		e.log.WithError(pools.ErrExhausted).WithFields(logrus.Fields{
			"permits_in_use": e.admission.InUse(),
			"registered":     e.registry.Len(),
		}).Panic("connection pool exhausted while holding an admission permit")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sock = s
	c.touch(time.Now())
	e.registry.Add(c)
	e.metrics.ConnAccepted()
	e.publishLoad()

	e.receive(c)
}

func (e *Engine) connLog(c *Connection) logrus.FieldLogger {
	return e.log.WithFields(logrus.Fields{"conn": c.id, "remote": c.remote()})
}

func (e *Engine) publishLoad() {
	e.metrics.SetLoad(e.registry.Len(), e.admission.InUse())
}

// receive issues receives until one is pending or the connection moves on.
// c.mu must be held.
func (e *Engine) receive(c *Connection) {
	for {
		n, pending, err := c.sock.Recv(c.recvBuf, c.onRecv)
		if pending {
			return
		}
		if !e.consume(c, n, err) {
			return
		}
	}
}

func (e *Engine) received(c *Connection, s aio.Socket, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock != s {
		return
	}
	if e.consume(c, n, err) {
		e.receive(c)
	}
}

// consume handles one receive result and reports whether another receive
// should be issued.
func (e *Engine) consume(c *Connection, n int, err error) bool {
	if err != nil {
		if !errors.Is(err, aio.ErrAborted) {
			e.connLog(c).WithError(err).Debug("receive failed")
		}
		e.close(c, reasonIOError)
		return false
	}
	if n == 0 {
		e.close(c, reasonPeer)
		return false
	}

	e.metrics.Received(n)
	c.touch(time.Now())

	if err := c.client.Feed(c.recvBuf[:n]); err != nil {
		e.close(c, reasonProtocol)
		return false
	}
	state, err := c.client.Process()
	if err != nil {
		e.reject(c, err)
		return false
	}
	if state == http.StateFinished {
		e.dispatch(c)
		return false
	}
	return true
}

func (e *Engine) reject(c *Connection, err error) {
	reason := "malformed request"
	var perr *http.ProtocolError
	if errors.As(err, &perr) {
		reason = perr.Reason
	}
	e.metrics.ProtocolError(reason)
	e.connLog(c).WithError(err).Warn("dropping malformed request")

	if !e.opts.RejectWithStatus {
		e.close(c, reasonProtocol)
		return
	}

	resp := &c.client.Response
	resp.Reset()
	resp.Status = 400
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Connection", "close")
	resp.WriteString(http.StatusText(400))
	e.respond(c)
}

// dispatch runs the handler on the completed request and starts the reply.
func (e *Engine) dispatch(c *Connection) {
	hc := c.client.Context(e.baseCtx, c.sock.RemoteAddr())
	e.invoke(c, hc)
	e.respond(c)
}

func (e *Engine) invoke(c *Connection, hc *http.Context) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		e.metrics.HandlerPanic()
		e.connLog(c).WithFields(logrus.Fields{
			"panic": r,
			"stack": string(debug.Stack()),
		}).Error("handler panicked")

		resp := hc.Response
		resp.Reset()
		resp.Status = 500
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
		resp.WriteString(http.StatusText(500))
	}()

	e.obs.Observe(hc, e.handler)
}

func (e *Engine) respond(c *Connection) {
	resp := &c.client.Response
	c.out = e.outBufs.Get(256 + resp.Body.Len())
	*c.out = http.AppendResponse((*c.out)[:0], resp)
	c.sendOff = 0
	c.sendLeft = len(*c.out)
	e.send(c)
}

// send issues sends until one is pending or the response is fully written.
// c.mu must be held.
func (e *Engine) send(c *Connection) {
	for {
		n, pending, err := c.sock.Send((*c.out)[c.sendOff:c.sendOff+c.sendLeft], c.onSend)
		if pending {
			return
		}
		if !e.sent(c, n, err) {
			return
		}
	}
}

func (e *Engine) sentAsync(c *Connection, s aio.Socket, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock != s {
		return
	}
	if e.sent(c, n, err) {
		e.send(c)
	}
}

// sent accounts for one send result and reports whether bytes remain.
func (e *Engine) sent(c *Connection, n int, err error) bool {
	if err == nil && n <= 0 {
		err = io.ErrShortWrite
	}
	if err != nil {
		if !errors.Is(err, aio.ErrAborted) {
			e.connLog(c).WithError(err).Debug("send failed")
		}
		e.close(c, reasonIOError)
		return false
	}

	e.metrics.Sent(n)
	c.sendOff += n
	c.sendLeft -= n
	if c.sendLeft == 0 {
		e.close(c, reasonComplete)
		return false
	}
	return true
}

// close tears c down once: only the caller that removes it from the registry
// shuts the socket, returns the connection to its pool and releases its
// permit. c.mu must be held.
func (e *Engine) close(c *Connection, reason string) bool {
	if !e.registry.Remove(c) {
		return false
	}

	log := e.connLog(c).WithField("reason", reason)
	if err := c.sock.Shutdown(); err != nil {
		log.WithError(err).Trace("shutdown")
	}
	if err := c.sock.Close(); err != nil {
		log.WithError(err).Debug("close")
	}
	if c.out != nil {
		e.outBufs.Put(c.out)
		c.out = nil
	}

	e.connPool.Release(c)
	e.admission.Release()

	e.metrics.ConnClosed(reason)
	e.publishLoad()
	log.Debug("connection closed")
	return true
}

// evict closes c for the sweeper unless a completion is running on it.
func (e *Engine) evict(c *Connection) bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()

	if c.sock == nil || c.IdleFor(time.Now()) <= e.opts.IdleTimeout {
		return false
	}
	return e.close(c, reasonIdle)
}

// shutdown closes the listener, waits for accepts already in flight and
// closes every live connection.
func (e *Engine) shutdown(ln aio.Listener) {
	e.stopping.Store(true)
	defer e.stopping.Store(false)

	if err := ln.Close(); err != nil {
		e.log.WithError(err).Debug("closing listener")
	}
	e.inflight.Wait()

	for _, c := range e.registry.Snapshot(nil) {
		c.mu.Lock()
		e.close(c, reasonShutdown)
		c.mu.Unlock()
	}
}
