// Package aio is the completion-based socket layer the engine runs on.
//
// Every operation either completes inline, in which case the result is
// returned and the completion is never called, or reports pending and invokes
// the completion exactly once later on a goroutine owned by the substrate.
// At most one receive or send may be outstanding per socket.
package aio

import (
	"errors"
	"net"
)

var (
	// ErrAborted is delivered to the completion of an operation whose socket
	// (or listener) was closed while it was pending.
	ErrAborted = errors.New("aio: operation aborted")

	// ErrClosed is returned when an operation is issued on a closed socket or listener.
	ErrClosed = errors.New("aio: use of closed socket")
)

// Completion receives the result of a pending Recv or Send. s is the socket the
// operation was issued on, so callers can discard results for sockets they
// have since replaced. A Recv result of n == 0 with a nil error means the peer
// closed its side.
type Completion func(s Socket, n int, err error)

// AcceptCompletion receives the result of a pending Accept.
type AcceptCompletion func(s Socket, err error)

// Socket is an accepted stream connection.
type Socket interface {
	// Recv reads into p.
	Recv(p []byte, cb Completion) (n int, pending bool, err error)
	// Send writes a prefix of p; callers loop until all of p is sent.
	Send(p []byte, cb Completion) (n int, pending bool, err error)
	// Shutdown disables both directions, unblocking the peer.
	Shutdown() error
	// Close releases the socket and aborts any pending operation.
	Close() error
	RemoteAddr() net.Addr
}

// Listener accepts sockets.
type Listener interface {
	// Accept may be called again before earlier accepts complete.
	Accept(cb AcceptCompletion) (s Socket, pending bool, err error)
	Close() error
	Addr() net.Addr
}

// Options configure Listen.
type Options struct {
	// Workers is the number of goroutines running completions on the epoll
	// substrate. Zero means runtime.NumCPU().
	Workers int
	// Portable forces the net-based substrate even where epoll is available.
	Portable bool
}

// Listen binds a TCP listener on addr using the best substrate for the platform.
func Listen(addr string, opts Options) (Listener, error) {
	if !opts.Portable {
		if ln, ok, err := listenNative(addr, opts); ok {
			return ln, err
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewNetListener(ln), nil
}
