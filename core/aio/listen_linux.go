//go:build linux

package aio

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listenNative binds addr with net.Listen, then moves a duplicate of the
// descriptor onto an epoll poller.
func listenNative(addr string, opts Options) (Listener, bool, error) {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, true, err
	}
	defer nl.Close()

	tl, ok := nl.(*net.TCPListener)
	if !ok {
		return nil, true, fmt.Errorf("aio: unexpected listener type %T", nl)
	}
	rc, err := tl.SyscallConn()
	if err != nil {
		return nil, true, err
	}

	fd := -1
	var dupErr error
	if err := rc.Control(func(sfd uintptr) {
		fd, dupErr = unix.FcntlInt(sfd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, true, err
	}
	if dupErr != nil {
		return nil, true, fmt.Errorf("aio: dup listener: %w", dupErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, true, err
	}

	p, err := newPoller(opts.Workers)
	if err != nil {
		unix.Close(fd)
		return nil, true, fmt.Errorf("aio: epoll: %w", err)
	}

	l := &epollListener{p: p, fd: fd, addr: tl.Addr()}
	if err := p.register(fd, l); err != nil {
		unix.Close(fd)
		return nil, true, err
	}
	return l, true, nil
}
