//go:build linux

package aio

import (
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-httpd/core/pools"
)

const (
	opNone = iota
	opRecv
	opSend
)

type readier interface {
	ready()
}

// poller owns one epoll instance. Descriptors are registered EPOLLONESHOT and
// armed only while an operation is pending; readiness runs the retry on the
// worker pool, never on the wait loop. The poller stops itself once the
// listener and every socket it produced are closed.
type poller struct {
	epfd    int
	wakefd  int
	workers *pools.WorkerPool

	mu  sync.Mutex
	fds map[int]readier

	refs     atomic.Int64
	stopping atomic.Bool
	done     chan struct{}
}

func newPoller(workers int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}

	p := &poller{
		epfd:    epfd,
		wakefd:  wakefd,
		workers: pools.NewWorkerPool(workers, 1024),
		fds:     make(map[int]readier, 1024),
		done:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func (p *poller) run() {
	defer close(p.done)

	events := make([]unix.EpollEvent, 256)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			break
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.wakefd {
				var buf [8]byte
				_, _ = unix.Read(p.wakefd, buf[:])
				continue
			}

			p.mu.Lock()
			h := p.fds[fd]
			p.mu.Unlock()
			if h != nil {
				p.dispatch(h.ready)
			}
		}

		if p.stopping.Load() {
			break
		}
	}

	unix.Close(p.epfd)
	unix.Close(p.wakefd)
	p.workers.Close()
}

// dispatch runs task on the worker pool, or on a fresh goroutine when the pool
// is full or shut down. Completions are never delivered on the caller's stack.
func (p *poller) dispatch(task func()) {
	if !p.workers.TrySubmit(task) {
		go task()
	}
}

func (p *poller) register(fd int, h readier) error {
	p.refs.Add(1)
	p.mu.Lock()
	p.fds[fd] = h
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLONESHOT, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.unregister(fd)
		p.release()
		return err
	}
	return nil
}

func (p *poller) arm(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLONESHOT, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) unregister(fd int) {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) release() {
	if p.refs.Add(-1) == 0 {
		p.stopping.Store(true)
		var one = [8]byte{1}
		_, _ = unix.Write(p.wakefd, one[:])
	}
}

func retryEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR {
			return n, err
		}
	}
}

func isAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

type epollSocket struct {
	p      *poller
	fd     int
	remote net.Addr

	mu     sync.Mutex
	closed bool
	op     int
	buf    []byte
	cb     Completion
}

func (s *epollSocket) attempt(op int, p []byte) (int, error) {
	if op == opRecv {
		return retryEINTR(func() (int, error) { return unix.Read(s.fd, p) })
	}
	return retryEINTR(func() (int, error) {
		return unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
	})
}

func (s *epollSocket) start(op int, p []byte, cb Completion) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false, ErrClosed
	}

	n, err := s.attempt(op, p)
	if !isAgain(err) {
		if err != nil {
			return 0, false, err
		}
		return n, false, nil
	}

	events := uint32(unix.EPOLLOUT)
	if op == opRecv {
		events = unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if err := s.p.arm(s.fd, events); err != nil {
		return 0, false, err
	}
	s.op, s.buf, s.cb = op, p, cb
	return 0, true, nil
}

func (s *epollSocket) Recv(p []byte, cb Completion) (int, bool, error) {
	return s.start(opRecv, p, cb)
}

func (s *epollSocket) Send(p []byte, cb Completion) (int, bool, error) {
	return s.start(opSend, p, cb)
}

func (s *epollSocket) ready() {
	s.mu.Lock()
	if s.closed || s.op == opNone {
		s.mu.Unlock()
		return
	}

	op := s.op
	n, err := s.attempt(op, s.buf)
	if isAgain(err) {
		events := uint32(unix.EPOLLOUT)
		if op == opRecv {
			events = unix.EPOLLIN | unix.EPOLLRDHUP
		}
		if err = s.p.arm(s.fd, events); err == nil {
			s.mu.Unlock()
			return
		}
	}

	cb := s.cb
	s.op, s.buf, s.cb = opNone, nil, nil
	s.mu.Unlock()

	if err != nil {
		cb(s, 0, err)
		return
	}
	cb(s, n, nil)
}

func (s *epollSocket) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return unix.Shutdown(s.fd, unix.SHUT_RDWR)
}

func (s *epollSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cb := s.cb
	pending := s.op != opNone
	s.op, s.buf, s.cb = opNone, nil, nil
	s.mu.Unlock()

	s.p.unregister(s.fd)
	err := unix.Close(s.fd)
	if pending {
		s.p.dispatch(func() { cb(s, 0, ErrAborted) })
	}
	s.p.release()
	return err
}

func (s *epollSocket) RemoteAddr() net.Addr { return s.remote }

type epollListener struct {
	p    *poller
	fd   int
	addr net.Addr

	mu      sync.Mutex
	closed  bool
	armed   bool
	waiters []AcceptCompletion
}

type acceptResult struct {
	cb  AcceptCompletion
	s   Socket
	err error
}

func (l *epollListener) accept() (Socket, error) {
	var (
		nfd int
		sa  unix.Sockaddr
	)
	_, err := retryEINTR(func() (int, error) {
		var err error
		nfd, sa, err = unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return nfd, err
	})
	if err != nil {
		return nil, err
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	s := &epollSocket{p: l.p, fd: nfd, remote: sockaddrToTCP(sa)}
	if err := l.p.register(nfd, s); err != nil {
		unix.Close(nfd)
		return nil, err
	}
	return s, nil
}

func (l *epollListener) Accept(cb AcceptCompletion) (Socket, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, false, ErrClosed
	}
	if len(l.waiters) == 0 {
		s, err := l.accept()
		if !isAgain(err) {
			return s, false, err
		}
	}

	l.waiters = append(l.waiters, cb)
	if !l.armed {
		if err := l.p.arm(l.fd, unix.EPOLLIN); err != nil {
			l.waiters = l.waiters[:len(l.waiters)-1]
			return nil, false, err
		}
		l.armed = true
	}
	return nil, true, nil
}

func (l *epollListener) ready() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.armed = false

	var results []acceptResult
	for len(l.waiters) > 0 {
		s, err := l.accept()
		if isAgain(err) {
			break
		}
		results = append(results, acceptResult{cb: l.waiters[0], s: s, err: err})
		l.waiters = l.waiters[1:]
	}
	if len(l.waiters) > 0 {
		if err := l.p.arm(l.fd, unix.EPOLLIN); err == nil {
			l.armed = true
		}
	}
	l.mu.Unlock()

	for _, r := range results {
		r.cb(r.s, r.err)
	}
}

func (l *epollListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	l.p.unregister(l.fd)
	err := unix.Close(l.fd)
	for _, cb := range waiters {
		cb := cb
		l.p.dispatch(func() { cb(nil, ErrAborted) })
	}
	l.p.release()
	return err
}

func (l *epollListener) Addr() net.Addr { return l.addr }

func sockaddrToTCP(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		return &net.TCPAddr{IP: ip, Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return &net.TCPAddr{IP: ip, Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}
