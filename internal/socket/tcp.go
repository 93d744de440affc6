package socket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// connectTimeout bounds the blocking part of TCPConnect. Connect failures
// are server-scoped errors that propagate to the caller, so a bounded
// block here is acceptable; everything after construction polls.
const connectTimeout = 10 * time.Second

// pollWindow is the deadline put on every poll-style accept and read. An
// expired deadline makes the runtime fail the call before looking at the
// socket, so the window must be positive; one millisecond bounds the wait
// while data that is already buffered still returns immediately.
const pollWindow = time.Millisecond

// writePoll is how long a single Write may wait on a congested kernel
// buffer before reporting a short write to the caller's queue.
const writePoll = time.Millisecond

// wouldBlock reports whether err just means "nothing ready right now".
func wouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// TCPListener accepts control-channel connections without blocking.
type TCPListener struct {
	l *net.TCPListener
}

// ListenTCP binds addr and starts listening.
func ListenTCP(addr Address) (*TCPListener, error) {
	l, err := net.ListenTCP("tcp", addr.TCPAddr())
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return &TCPListener{l: l}, nil
}

// Accept returns the next pending connection, or nil when none is ready.
func (l *TCPListener) Accept() (*TCPStream, error) {
	if err := l.l.SetDeadline(time.Now().Add(pollWindow)); err != nil {
		return nil, err
	}
	c, err := l.l.AcceptTCP()
	if err != nil {
		if wouldBlock(err) {
			return nil, nil
		}
		return nil, err
	}
	return newStream(c)
}

// LocalAddr returns the bound address.
func (l *TCPListener) LocalAddr() Address {
	return FromTCPAddr(l.l.Addr().(*net.TCPAddr))
}

// Close releases the socket.
func (l *TCPListener) Close() error {
	return l.l.Close()
}

// TCPStream is one control-channel connection. Reads poll; writes wait at
// most writePoll and report how much was taken.
type TCPStream struct {
	c      *net.TCPConn
	remote Address
	local  Address
}

func newStream(c *net.TCPConn) (*TCPStream, error) {
	// Control frames are small and latency matters more than throughput.
	if err := c.SetNoDelay(true); err != nil {
		c.Close()
		return nil, err
	}
	return &TCPStream{
		c:      c,
		remote: FromTCPAddr(c.RemoteAddr().(*net.TCPAddr)),
		local:  FromTCPAddr(c.LocalAddr().(*net.TCPAddr)),
	}, nil
}

// TCPConnect dials remote, optionally binding local first.
func TCPConnect(remote Address, local *Address) (*TCPStream, error) {
	d := net.Dialer{Timeout: connectTimeout}
	if local != nil {
		d.LocalAddr = local.TCPAddr()
	}
	c, err := d.Dial("tcp", remote.String())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", remote, err)
	}
	return newStream(c.(*net.TCPConn))
}

// Read fills buf with whatever is ready. n == 0 with closed == false means
// no data was pending. closed == true means the peer shut the stream down.
func (s *TCPStream) Read(buf []byte) (n int, closed bool, err error) {
	if err := s.c.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, false, err
	}
	n, err = s.c.Read(buf)
	switch {
	case err == nil, wouldBlock(err):
		return n, false, nil
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return n, true, nil
	default:
		// Reset-by-peer and friends: the stream is gone, report why.
		return n, true, err
	}
}

// Write pushes as much of b as the kernel takes within writePoll. The
// remainder is the caller's to queue.
func (s *TCPStream) Write(b []byte) (int, error) {
	if err := s.c.SetWriteDeadline(time.Now().Add(writePoll)); err != nil {
		return 0, err
	}
	n, err := s.c.Write(b)
	if err != nil && wouldBlock(err) {
		return n, nil
	}
	return n, err
}

// RemoteAddr returns the peer's endpoint.
func (s *TCPStream) RemoteAddr() Address {
	return s.remote
}

// LocalAddr returns this side's endpoint.
func (s *TCPStream) LocalAddr() Address {
	return s.local
}

// Close releases the socket.
func (s *TCPStream) Close() error {
	return s.c.Close()
}
