// Package ringnet drives TCP connect/accept/send/recv through
// internal/ring's submission/completion queue instead of the net
// package's blocking syscalls (spec §6 --async-network, components
// C11/C12). Each Conn op still blocks its caller until the kernel
// completes it — there is no pipelining of multiple in-flight ops —
// but every byte crosses the wire through the same ring facade C1-C8
// use for file I/O, rather than through net.Conn.
package ringnet

import (
	"context"
	"errors"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/uringsync/internal/ring"
	"github.com/bamsammich/uringsync/internal/ringerr"
)

// errZeroSend marks a Send completion that reported success with zero
// bytes accepted, which would otherwise spin Write forever.
var errZeroSend = errors.New("ringnet: zero-length send completion")

// Conn is an io.ReadWriteCloser backed by ring Send/Recv submissions on
// one connected socket fd.
type Conn struct {
	ring *ring.Ring
	fd   int
}

// Fd returns the underlying socket descriptor.
func (c *Conn) Fd() int { return c.fd }

// Read submits one Recv and blocks for its completion.
func (c *Conn) Read(p []byte) (int, error) {
	c.ring.Recv(c.fd, p, struct{}{})
	return c.submitAndWait("ringnet.Read")
}

// Write submits Send completions until all of p is written, satisfying
// io.Writer's full-write-or-error contract (send(2) may accept fewer
// bytes than offered in one call).
func (c *Conn) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		c.ring.Send(c.fd, p[written:], struct{}{})
		n, err := c.submitAndWait("ringnet.Write")
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, ringerr.New(ringerr.KindShortIO, "ringnet.Write", errZeroSend)
		}
		written += n
	}
	return written, nil
}

func (c *Conn) submitAndWait(op string) (int, error) {
	if _, err := c.ring.Submit(); err != nil {
		return 0, err
	}
	comp, err := c.ring.WaitCompletion(noCancel)
	if err != nil {
		return 0, ringerr.New(ringerr.KindNetworkIO, op, err)
	}
	if comp.Res < 0 {
		return 0, ringerr.New(ringerr.KindNetworkIO, op, unix.Errno(-comp.Res))
	}
	return int(comp.Res), nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// Dial connects to a "host:port" TCP address using the ring's Connect
// verb rather than net.Dial.
func Dial(r *ring.Ring, addr string) (*Conn, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Dial", err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Dial", err)
	}

	r.Connect(fd, sockaddr(tcpAddr), struct{}{})
	if _, err := r.Submit(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	comp, err := r.WaitCompletion(noCancel)
	if err != nil {
		unix.Close(fd)
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Dial", err)
	}
	if comp.Res < 0 {
		unix.Close(fd)
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Dial", unix.Errno(-comp.Res))
	}

	return &Conn{ring: r, fd: fd}, nil
}

// Listener is a bound, listening socket whose Accept goes through the
// ring's Accept verb.
type Listener struct {
	ring *ring.Ring
	fd   int
}

// Listen binds and listens on a ":port" or "host:port" TCP address.
func Listen(r *ring.Ring, addr string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Listen", err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Listen", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Listen", err)
	}
	if err := unix.Bind(fd, sockaddr(tcpAddr)); err != nil {
		unix.Close(fd)
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Listen", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Listen", err)
	}

	return &Listener{ring: r, fd: fd}, nil
}

// Addr returns the bound "host:port" address, resolving an ephemeral
// port (":0") to the one the kernel actually assigned.
func (l *Listener) Addr() string {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return ""
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	default:
		return ""
	}
}

// Accept submits one Accept and blocks for the next incoming
// connection.
func (l *Listener) Accept() (*Conn, error) {
	l.ring.Accept(l.fd, struct{}{})
	if _, err := l.ring.Submit(); err != nil {
		return nil, err
	}
	comp, err := l.ring.WaitCompletion(noCancel)
	if err != nil {
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Accept", err)
	}
	if comp.Res < 0 {
		return nil, ringerr.New(ringerr.KindNetworkIO, "ringnet.Accept", unix.Errno(-comp.Res))
	}
	return &Conn{ring: l.ring, fd: int(comp.Res)}, nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

func sockaddr(addr *net.TCPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}

// noCancel satisfies ring.WaitCompletion's ctx parameter: a single
// send/recv/connect/accept here has no run-level deadline of its own
// (spec's --async-network has no separate timeout knob).
var noCancel = context.Background()
