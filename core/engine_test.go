package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/fast-httpd/core/aio"
	"github.com/searchktools/fast-httpd/core/http"
	"github.com/searchktools/fast-httpd/core/observability"
)

const helloRequest = "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n"

func hello(c *http.Context) {
	c.String(200, "Hello, world!")
}

// fakeSocket serves scripted input inline and records everything sent.
type fakeSocket struct {
	mu        sync.Mutex
	in        [][]byte
	eof       bool
	sendMax   int
	out       bytes.Buffer
	recvCB    aio.Completion
	closes    int
	shutdowns int
}

func (f *fakeSocket) Recv(p []byte, cb aio.Completion) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.in) > 0 {
		n := copy(p, f.in[0])
		if n == len(f.in[0]) {
			f.in = f.in[1:]
		} else {
			f.in[0] = f.in[0][n:]
		}
		return n, false, nil
	}
	if f.eof {
		return 0, false, nil
	}
	f.recvCB = cb
	return 0, true, nil
}

func (f *fakeSocket) Send(p []byte, _ aio.Completion) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return 0, false, aio.ErrClosed
	}
	n := len(p)
	if f.sendMax > 0 && n > f.sendMax {
		n = f.sendMax
	}
	f.out.Write(p[:n])
	return n, false, nil
}

func (f *fakeSocket) Shutdown() error {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
}

func (f *fakeSocket) output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

func (f *fakeSocket) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// admitFake runs s through the engine as if it had just been accepted.
func admitFake(t *testing.T, e *Engine, s aio.Socket) {
	t.Helper()
	require.True(t, e.admission.TryAcquire(), "no admission permit left")
	e.admit(s)
}

func onlyConnection(t *testing.T, e *Engine) *Connection {
	t.Helper()
	conns := e.registry.Snapshot(nil)
	require.Len(t, conns, 1)
	return conns[0]
}

func TestNew_RequiresHandler(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestNew_AppliesDefaults(t *testing.T) {
	e, err := New(hello, Options{})
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, DefaultMaxConnections, stats.Connections.Capacity)
	assert.Equal(t, DefaultMaxConnections, stats.Connections.Available)
	assert.Equal(t, DefaultMaxAccept, stats.Accepts.Capacity)
	assert.Equal(t, DefaultBufferSize, stats.Arena.SlotSize)
	assert.Equal(t, 0, stats.Arena.Available, "every slot is bound to a connection")
	assert.Equal(t, int64(DefaultMaxConnections), stats.Admission.Max)
	assert.Contains(t, stats.JSON(), `"registered": 0`)
	assert.Contains(t, stats.String(), "Pool Statistics")
}

func TestEngine_RequestLifecycle(t *testing.T) {
	e, err := New(hello, Options{MaxConnections: 2})
	require.NoError(t, err)

	fs := &fakeSocket{
		in: [][]byte{
			[]byte("GET /hello HTTP/1.1\r\nHo"),
			[]byte("st: x\r\n"),
			[]byte("\r\n"),
		},
		sendMax: 7,
	}
	admitFake(t, e, fs)

	out := fs.output()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
	assert.Contains(t, out, "Content-Length: 13\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nHello, world!"), out)

	assert.Equal(t, 1, fs.closeCount())
	assert.Equal(t, 0, e.registry.Len())
	assert.Equal(t, int64(0), e.admission.InUse())
	assert.Equal(t, 2, e.connPool.Available())
}

func TestEngine_PendingReceiveCompletes(t *testing.T) {
	e, err := New(hello, Options{MaxConnections: 1})
	require.NoError(t, err)

	fs := &fakeSocket{}
	admitFake(t, e, fs)
	c := onlyConnection(t, e)
	require.NotNil(t, fs.recvCB)

	copy(c.recvBuf, helloRequest)
	fs.recvCB(fs, len(helloRequest), nil)

	assert.Contains(t, fs.output(), "Hello, world!")
	assert.Equal(t, 0, e.registry.Len())
}

func TestEngine_MalformedRequestClosesSilently(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	reg := prometheus.NewRegistry()
	obs := &observability.Observatory{Metrics: observability.NewMetrics(reg)}

	called := false
	e, err := New(func(c *http.Context) { called = true }, Options{
		MaxConnections: 1,
		Logger:         logger,
		Observatory:    obs,
	})
	require.NoError(t, err)

	fs := &fakeSocket{in: [][]byte{[]byte("GET /\r\n\r\n")}}
	admitFake(t, e, fs)

	assert.False(t, called)
	assert.Empty(t, fs.output())
	assert.Equal(t, 1, fs.closeCount())
	assert.Equal(t, int64(0), e.admission.InUse())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "dropping malformed request", entry.Message)

	n, err := testutil.GatherAndCount(reg, "fasthttpd_protocol_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_RejectWithStatus(t *testing.T) {
	e, err := New(hello, Options{MaxConnections: 1, RejectWithStatus: true})
	require.NoError(t, err)

	fs := &fakeSocket{in: [][]byte{[]byte("POST / HTTP/1.1\r\nContent-Length: x\r\n\r\n")}}
	admitFake(t, e, fs)

	out := fs.output()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 400 Bad Request\r\n"), out)
	assert.Contains(t, out, "Connection: close\r\n")
	assert.Equal(t, 1, fs.closeCount())
}

func TestEngine_HugeContentLengthWithDefaultLimits(t *testing.T) {
	e, err := New(hello, Options{MaxConnections: 1})
	require.NoError(t, err)
	assert.EqualValues(t, DefaultMaxHeaderBytes, e.opts.MaxHeaderBytes)
	assert.EqualValues(t, DefaultMaxBodyBytes, e.opts.MaxBodyBytes)

	fs := &fakeSocket{in: [][]byte{[]byte("POST / HTTP/1.1\r\nContent-Length: 9223372036854775807\r\n\r\n")}}
	require.NotPanics(t, func() { admitFake(t, e, fs) })

	assert.Empty(t, fs.output())
	assert.Equal(t, 1, fs.closeCount())
	assert.Equal(t, int64(0), e.admission.InUse())
}

func TestEngine_PeerCloseBeforeRequest(t *testing.T) {
	e, err := New(hello, Options{MaxConnections: 1})
	require.NoError(t, err)

	fs := &fakeSocket{in: [][]byte{[]byte("GET / HT")}, eof: true}
	admitFake(t, e, fs)

	assert.Empty(t, fs.output())
	assert.Equal(t, 1, fs.closeCount())
	assert.Equal(t, 0, e.registry.Len())
}

func TestEngine_HandlerPanicBecomes500(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := &observability.Observatory{Metrics: observability.NewMetrics(reg)}
	e, err := New(func(c *http.Context) {
		c.String(200, "partial")
		panic("boom")
	}, Options{MaxConnections: 1, Observatory: obs})
	require.NoError(t, err)

	fs := &fakeSocket{in: [][]byte{[]byte(helloRequest)}}
	admitFake(t, e, fs)

	out := fs.output()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 500 Internal Server Error\r\n"), out)
	assert.NotContains(t, out, "partial")
	assert.Equal(t, int64(0), e.admission.InUse())

	expected := `
# HELP fasthttpd_handler_panics_total Total number of recovered handler panics
# TYPE fasthttpd_handler_panics_total counter
fasthttpd_handler_panics_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "fasthttpd_handler_panics_total"))
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	e, err := New(hello, Options{MaxConnections: 2})
	require.NoError(t, err)

	fs := &fakeSocket{}
	admitFake(t, e, fs)
	c := onlyConnection(t, e)

	c.mu.Lock()
	assert.True(t, e.close(c, reasonShutdown))
	assert.False(t, e.close(c, reasonIdle))
	c.mu.Unlock()

	assert.Equal(t, 1, fs.closeCount())
	assert.Equal(t, int64(0), e.admission.InUse())
	assert.Equal(t, 2, e.connPool.Available())
	assert.Equal(t, uint64(1), e.connPool.Stats().Puts)
}

func TestEngine_StaleCompletionIgnored(t *testing.T) {
	e, err := New(hello, Options{MaxConnections: 1})
	require.NoError(t, err)

	old := &fakeSocket{}
	admitFake(t, e, old)
	c := onlyConnection(t, e)
	c.mu.Lock()
	e.close(c, reasonIdle)
	c.mu.Unlock()

	// the same pooled connection now serves a new socket
	next := &fakeSocket{}
	admitFake(t, e, next)
	require.Same(t, c, onlyConnection(t, e))

	old.recvCB(old, 0, aio.ErrAborted)

	assert.Equal(t, 1, e.registry.Len())
	assert.Equal(t, 0, next.closeCount())
	assert.Equal(t, int64(1), e.admission.InUse())

	c.mu.Lock()
	e.close(c, reasonShutdown)
	c.mu.Unlock()
}

func TestEngine_EvictIdle(t *testing.T) {
	e, err := New(hello, Options{MaxConnections: 1, IdleTimeout: time.Second})
	require.NoError(t, err)

	fs := &fakeSocket{}
	admitFake(t, e, fs)
	c := onlyConnection(t, e)

	assert.False(t, e.evict(c), "fresh connection is not idle")

	c.touch(time.Now().Add(-time.Minute))
	c.mu.Lock()
	assert.False(t, e.evict(c), "locked connection is skipped")
	c.mu.Unlock()

	assert.True(t, e.evict(c))
	assert.False(t, e.evict(c))
	assert.Equal(t, 1, fs.closeCount())
	assert.Equal(t, int64(0), e.admission.InUse())
}

// Loopback tests run on both socket substrates.

var substrates = map[string]aio.Options{
	"portable": {Portable: true},
	"native":   {Workers: 4},
}

func serve(t *testing.T, h http.HandlerFunc, opts Options) (*Engine, string) {
	t.Helper()
	e, err := New(h, opts)
	require.NoError(t, err)

	ln, err := aio.Listen("127.0.0.1:0", opts.IO)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Serve(context.Background(), ln) }()
	require.Eventually(t, func() bool { return e.Addr() != nil }, 2*time.Second, time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, e.Stop(ctx))
		assert.NoError(t, <-done)
	})
	return e, ln.Addr().String()
}

// exchange writes the request in parts and reads until the server closes.
func exchange(addr string, parts ...string) (string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}

	for i, p := range parts {
		if i > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		if _, err := io.WriteString(conn, p); err != nil {
			return "", err
		}
	}

	out, err := io.ReadAll(conn)
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return string(out), err
	}
	// a reset after the server closes still counts as a close
	return string(out), nil
}

func forEachSubstrate(t *testing.T, fn func(t *testing.T, sub aio.Options)) {
	for name, sub := range substrates {
		t.Run(name, func(t *testing.T) { fn(t, sub) })
	}
}

func TestServe_Hello(t *testing.T) {
	forEachSubstrate(t, func(t *testing.T, sub aio.Options) {
		e, addr := serve(t, hello, Options{IO: sub})

		for i := 0; i < 5; i++ {
			out, err := exchange(addr, helloRequest)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"), out)
			assert.Contains(t, out, "Content-Type: text/plain; charset=utf-8\r\n")
			assert.Contains(t, out, "\r\nDate: ")
			assert.True(t, strings.HasSuffix(out, "Hello, world!"), out)
		}

		assert.Eventually(t, func() bool {
			return e.Stats().Admission.InUse == 0
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestServe_SplitAndChunked(t *testing.T) {
	echo := func(c *http.Context) {
		c.Bytes(200, c.Body())
	}
	forEachSubstrate(t, func(t *testing.T, sub aio.Options) {
		_, addr := serve(t, echo, Options{IO: sub, BufferSize: 16})

		out, err := exchange(addr,
			"POST /echo HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n",
			"5\r\nHello\r\n",
			"6\r\n world\r\n0\r\n\r\n",
		)
		require.NoError(t, err)
		assert.Contains(t, out, "Content-Length: 11\r\n")
		assert.True(t, strings.HasSuffix(out, "\r\n\r\nHello world"), out)
	})
}

func TestServe_LargeResponse(t *testing.T) {
	big := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)
	forEachSubstrate(t, func(t *testing.T, sub aio.Options) {
		_, addr := serve(t, func(c *http.Context) { c.Bytes(200, big) }, Options{IO: sub})

		out, err := exchange(addr, helloRequest)
		require.NoError(t, err)
		idx := strings.Index(out, "\r\n\r\n")
		require.Positive(t, idx)
		assert.Equal(t, len(big), len(out)-idx-4)
	})
}

func TestServe_MalformedGetsNoResponse(t *testing.T) {
	forEachSubstrate(t, func(t *testing.T, sub aio.Options) {
		var calls atomic.Int32
		_, addr := serve(t, func(c *http.Context) { calls.Add(1) }, Options{IO: sub})

		out, err := exchange(addr, "GET /\r\n\r\n")
		require.NoError(t, err)
		assert.Empty(t, out)
		assert.Zero(t, calls.Load())
	})
}

func TestServe_AdmissionCap(t *testing.T) {
	forEachSubstrate(t, func(t *testing.T, sub aio.Options) {
		release := make(chan struct{})
		var calls atomic.Int32
		h := func(c *http.Context) {
			calls.Add(1)
			<-release
			c.String(200, "ok")
		}
		e, addr := serve(t, h, Options{IO: sub, MaxAccept: 1, MaxConnections: 2})

		results := make(chan string, 3)
		for i := 0; i < 3; i++ {
			go func() {
				out, _ := exchange(addr, helloRequest)
				results <- out
			}()
		}

		assert.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, int32(2), calls.Load(), "third connection must wait for a permit")
		assert.Equal(t, int64(2), e.Stats().Admission.InUse)
		close(release)

		for i := 0; i < 3; i++ {
			select {
			case out := <-results:
				assert.True(t, strings.HasSuffix(out, "ok"), out)
			case <-time.After(5 * time.Second):
				t.Fatal("request never completed")
			}
		}
		assert.Equal(t, int32(3), calls.Load())
		assert.LessOrEqual(t, e.Stats().Admission.Peak, int64(2))
	})
}

func TestServe_IdleEviction(t *testing.T) {
	forEachSubstrate(t, func(t *testing.T, sub aio.Options) {
		e, addr := serve(t, hello, Options{
			IO:            sub,
			IdleTimeout:   50 * time.Millisecond,
			SweepInterval: 10 * time.Millisecond,
		})

		start := time.Now()
		out, err := exchange(addr, "GET / HTTP/1.1\r\n")
		require.NoError(t, err)
		assert.Empty(t, out)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

		assert.Eventually(t, func() bool {
			return e.Stats().Registered == 0
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestServe_StopClosesLiveConnections(t *testing.T) {
	forEachSubstrate(t, func(t *testing.T, sub aio.Options) {
		e, err := New(hello, Options{IO: sub})
		require.NoError(t, err)
		ln, err := aio.Listen("127.0.0.1:0", sub)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- e.Serve(context.Background(), ln) }()
		require.Eventually(t, func() bool { return e.Addr() != nil }, 2*time.Second, time.Millisecond)

		assert.ErrorIs(t, e.Serve(context.Background(), ln), ErrRunning)

		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		require.Eventually(t, func() bool { return e.Stats().Registered == 1 }, 2*time.Second, time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Stop(ctx))
		require.NoError(t, <-done)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 1)
		n, _ := conn.Read(buf)
		assert.Zero(t, n)

		stats := e.Stats()
		assert.Zero(t, stats.Registered)
		assert.Zero(t, stats.Admission.InUse)
		assert.Equal(t, stats.Connections.Capacity, stats.Connections.Available)
		assert.Equal(t, stats.Accepts.Capacity, stats.Accepts.Available)
		assert.Nil(t, e.Addr())
	})
}

func TestServe_ContextCancelStops(t *testing.T) {
	e, err := New(hello, Options{IO: aio.Options{Portable: true}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.ListenAndServe(ctx, "127.0.0.1:0") }()
	require.Eventually(t, func() bool { return e.Addr() != nil }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

// failingListener fails every accept with err, inline or through the
// completion.
type failingListener struct {
	err     error
	pending bool
	calls   atomic.Int64
	closed  atomic.Bool
}

func (l *failingListener) Accept(cb aio.AcceptCompletion) (aio.Socket, bool, error) {
	if l.closed.Load() {
		return nil, false, aio.ErrClosed
	}
	l.calls.Add(1)
	if l.pending {
		go cb(nil, l.err)
		return nil, true, nil
	}
	return nil, false, l.err
}

func (l *failingListener) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServe_AcceptErrorsBackOff(t *testing.T) {
	for _, pending := range []bool{false, true} {
		name := "inline"
		if pending {
			name = "completion"
		}
		t.Run(name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			obs := &observability.Observatory{Metrics: observability.NewMetrics(reg)}
			e, err := New(hello, Options{MaxAccept: 1, Observatory: obs})
			require.NoError(t, err)

			ln := &failingListener{err: syscall.EMFILE, pending: pending}
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			require.NoError(t, e.Serve(ctx, ln))

			calls := ln.calls.Load()
			assert.GreaterOrEqual(t, calls, int64(2))
			assert.Less(t, calls, int64(20), "accept retried without backing off")
			assert.True(t, ln.closed.Load())
			assert.Equal(t, int64(0), e.admission.InUse())
		})
	}
}

func TestEngine_AcceptBackoffResetsOnSuccess(t *testing.T) {
	e, err := New(hello, Options{MaxConnections: 1})
	require.NoError(t, err)

	actx, err := e.acceptPool.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, e.admission.TryAcquire())
	e.inflight.Add(1)
	e.accepted(actx, nil, syscall.EMFILE)
	assert.Equal(t, int64(1), e.acceptFailures.Load())

	actx, err = e.acceptPool.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, e.admission.TryAcquire())
	e.inflight.Add(1)
	fs := &fakeSocket{in: [][]byte{[]byte(helloRequest)}}
	e.accepted(actx, fs, nil)
	assert.Equal(t, int64(0), e.acceptFailures.Load())
	assert.Contains(t, fs.output(), "Hello, world!")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, e.acceptBackoff(context.Background()))
	e.acceptFailures.Store(3)
	assert.False(t, e.acceptBackoff(ctx))
}
