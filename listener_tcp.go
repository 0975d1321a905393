package kdns

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// tcpConn is one accepted TCP client connection, in either the listener's
// pending (still reading the query) or accepted (ready to write the reply)
// bookkeeping map (spec.md §4.6).
type tcpConn struct {
	fd       int
	token    Token
	readBuf  []byte
	writeBuf []byte
}

// TCPListener is the TCP half of spec.md §4.6.
type TCPListener struct {
	fd       int
	token    Token
	pending  map[Token]*tcpConn
	accepted map[Token]*tcpConn
}

// NewTCPListener binds and listens on a non-blocking TCP socket.
func NewTCPListener(addr string, token Token) (*TCPListener, error) {
	sockaddr, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := newNonblockingSocket(family, unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "setting SO_REUSEADDR")
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "binding tcp listener to %s", addr)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "listening on tcp socket")
	}
	return &TCPListener{
		fd:       fd,
		token:    token,
		pending:  make(map[Token]*tcpConn),
		accepted: make(map[Token]*tcpConn),
	}, nil
}

// FD returns the listening socket descriptor.
func (l *TCPListener) FD() int { return l.fd }

// Accept accepts one pending connection and sets it non-blocking. Returns
// unix.EAGAIN, unwrapped, when there is nothing to accept.
func (l *TCPListener) Accept() (int, error) {
	fd, _, err := unix.Accept(l.fd)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setting accepted conn non-blocking")
	}
	return fd, nil
}

// AddPending registers a freshly accepted connection under token, in the
// "pending" bucket (spec.md §4.6: "keep the connection in a pending map").
func (l *TCPListener) AddPending(token Token, fd int) {
	l.pending[token] = &tcpConn{fd: fd, token: token}
}

// Pending looks up a connection still being read.
func (l *TCPListener) Pending(token Token) (*tcpConn, bool) {
	c, ok := l.pending[token]
	return c, ok
}

// Accepted looks up a connection ready to receive its reply.
func (l *TCPListener) Accepted(token Token) (*tcpConn, bool) {
	c, ok := l.accepted[token]
	return c, ok
}

// ReadQuery accumulates bytes for a pending connection. Once the 2-byte
// length prefix and the full body have arrived, it strips the prefix,
// moves the connection from pending to accepted, and returns the query
// bytes with done=true. Partial reads return done=false so the caller
// keeps the connection registered readable and waits for the next event.
func (l *TCPListener) ReadQuery(token Token) (query []byte, done bool, err error) {
	c, ok := l.pending[token]
	if !ok {
		return nil, false, errors.Errorf("no pending tcp connection for token %d", token)
	}
	buf := make([]byte, readBufSize)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, errors.New("client closed connection")
	}
	c.readBuf = append(c.readBuf, buf[:n]...)
	if len(c.readBuf) < 2 {
		return nil, false, nil
	}
	want := int(binary.BigEndian.Uint16(c.readBuf[0:2]))
	if len(c.readBuf) < 2+want {
		return nil, false, nil
	}
	query = make([]byte, want)
	copy(query, c.readBuf[2:2+want])
	delete(l.pending, token)
	l.accepted[token] = c
	return query, true, nil
}

// QueueReply frames reply with its 2-byte length prefix and stores it as the
// connection's pending write; FlushWrite sends it once the connection is
// writable (spec.md §4.6).
func (l *TCPListener) QueueReply(token Token, reply []byte) error {
	c, ok := l.accepted[token]
	if !ok {
		return errors.Errorf("no accepted tcp connection for token %d", token)
	}
	framed := make([]byte, 2+len(reply))
	binary.BigEndian.PutUint16(framed, uint16(len(reply)))
	copy(framed[2:], reply)
	c.writeBuf = framed
	return nil
}

// FlushWrite writes as much of the pending reply as the socket accepts.
// done reports whether the whole reply has now been written, at which
// point this server's policy is to close the connection (spec.md §4.6:
// "a conforming implementation MAY close after one response").
func (l *TCPListener) FlushWrite(token Token) (done bool, err error) {
	c, ok := l.accepted[token]
	if !ok {
		return false, errors.Errorf("no accepted tcp connection for token %d", token)
	}
	n, err := unix.Write(c.fd, c.writeBuf)
	if err != nil {
		return false, err
	}
	c.writeBuf = c.writeBuf[n:]
	if len(c.writeBuf) > 0 {
		return false, nil
	}
	unix.Close(c.fd)
	delete(l.accepted, token)
	return true, nil
}

// ConnFD looks up the raw descriptor for a token in either bucket, for epoll
// registration bookkeeping.
func (l *TCPListener) ConnFD(token Token) (int, bool) {
	if c, ok := l.pending[token]; ok {
		return c.fd, true
	}
	if c, ok := l.accepted[token]; ok {
		return c.fd, true
	}
	return -1, false
}

// Close releases the listening socket and every live connection.
func (l *TCPListener) Close() error {
	for _, c := range l.pending {
		unix.Close(c.fd)
	}
	for _, c := range l.accepted {
		unix.Close(c.fd)
	}
	return unix.Close(l.fd)
}
