package kdns

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// udpDatagramLimit is the receive size spec.md §4.6 specifies for a single
// UDP listener read.
const udpDatagramLimit = 512

// udpResponse is one reply queued for send back to a client address.
type udpResponse struct {
	addr  unix.Sockaddr
	bytes []byte
}

// UDPListener is the UDP half of spec.md §4.6: always registered readable,
// additionally registered writable iff its response queue is non-empty
// (spec.md §3 invariant).
type UDPListener struct {
	fd       int
	token    Token
	queue    []udpResponse
	writable bool
}

// NewUDPListener binds a non-blocking UDP socket to addr.
func NewUDPListener(addr string, token Token) (*UDPListener, error) {
	sockaddr, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := newNonblockingSocket(family, unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "setting SO_REUSEADDR")
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "binding udp listener to %s", addr)
	}
	return &UDPListener{fd: fd, token: token}, nil
}

// FD returns the listener's socket descriptor.
func (l *UDPListener) FD() int { return l.fd }

// Recv reads one datagram, per spec.md §4.6's "receive up to 512 bytes
// from one datagram" (one bounded read per handler invocation, per §5).
func (l *UDPListener) Recv() ([]byte, unix.Sockaddr, error) {
	buf := make([]byte, udpDatagramLimit)
	n, from, err := unix.Recvfrom(l.fd, buf, 0)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], from, nil
}

// Enqueue appends a reply to the pending-send queue and reports whether the
// listener newly needs writable interest (queue was empty before).
func (l *UDPListener) Enqueue(addr unix.Sockaddr, bytes []byte) (needsWritable bool) {
	wasEmpty := len(l.queue) == 0
	l.queue = append(l.queue, udpResponse{addr: addr, bytes: bytes})
	return wasEmpty
}

// FlushOne pops and sends exactly one queued response (spec.md §4.6:
// "writable: pop one response from the queue and send it"). drained
// reports whether the queue is now empty, telling the caller to drop
// writable interest.
func (l *UDPListener) FlushOne() (drained bool, err error) {
	if len(l.queue) == 0 {
		return true, nil
	}
	resp := l.queue[0]
	if err := unix.Sendto(l.fd, resp.bytes, 0, resp.addr); err != nil {
		return false, err
	}
	l.queue = l.queue[1:]
	return len(l.queue) == 0, nil
}

// Close releases the listening socket.
func (l *UDPListener) Close() error {
	return unix.Close(l.fd)
}
