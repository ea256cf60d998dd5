package aio

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// netListener adapts a net.Listener. Every operation is pending and completes
// on its own goroutine.
type netListener struct {
	ln     net.Listener
	closed atomic.Bool
}

// NewNetListener wraps ln in the portable substrate.
func NewNetListener(ln net.Listener) Listener {
	return &netListener{ln: ln}
}

func (l *netListener) Accept(cb AcceptCompletion) (Socket, bool, error) {
	if l.closed.Load() {
		return nil, false, ErrClosed
	}
	go func() {
		c, err := l.ln.Accept()
		if err != nil {
			cb(nil, l.mapErr(err))
			return
		}
		if tc, ok := c.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		cb(newNetSocket(c), nil)
	}()
	return nil, true, nil
}

func (l *netListener) mapErr(err error) error {
	if l.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrAborted
	}
	return err
}

func (l *netListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}

func (l *netListener) Addr() net.Addr { return l.ln.Addr() }

type netSocket struct {
	conn   net.Conn
	closed atomic.Bool
	once   sync.Once
}

func newNetSocket(c net.Conn) *netSocket {
	return &netSocket{conn: c}
}

func (s *netSocket) Recv(p []byte, cb Completion) (int, bool, error) {
	if s.closed.Load() {
		return 0, false, ErrClosed
	}
	go func() {
		n, err := s.conn.Read(p)
		if n > 0 {
			cb(s, n, nil)
			return
		}
		if err == io.EOF {
			cb(s, 0, nil)
			return
		}
		cb(s, 0, s.mapErr(err))
	}()
	return 0, true, nil
}

func (s *netSocket) Send(p []byte, cb Completion) (int, bool, error) {
	if s.closed.Load() {
		return 0, false, ErrClosed
	}
	go func() {
		n, err := s.conn.Write(p)
		if n > 0 {
			cb(s, n, nil)
			return
		}
		cb(s, 0, s.mapErr(err))
	}()
	return 0, true, nil
}

func (s *netSocket) mapErr(err error) error {
	if err == nil {
		return io.ErrShortWrite
	}
	if s.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrAborted
	}
	return err
}

func (s *netSocket) Shutdown() error {
	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	hc, ok := s.conn.(halfCloser)
	if !ok {
		return nil
	}
	return errors.Join(hc.CloseWrite(), hc.CloseRead())
}

func (s *netSocket) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

func (s *netSocket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
