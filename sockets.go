package kdns

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// resolveSockaddr turns a "host:port" string into a unix.Sockaddr and the
// address family to create the socket with, resolving a hostname via DNS
// if it isn't already a literal IP. Every socket in this server — listener
// or ephemeral upstream — goes through this so IPv4/IPv6 get the same
// treatment everywhere.
func resolveSockaddr(hostport string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "invalid address %q", hostport)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "invalid port in %q", hostport)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, errors.Wrapf(err, "resolving %q", host)
		}
		ip = ips[0]
	}

	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return &unix.SockaddrInet4{Port: port, Addr: addr}, unix.AF_INET, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, 0, errors.Errorf("unparseable IP address %q", host)
	}
	var addr [16]byte
	copy(addr[:], v6)
	return &unix.SockaddrInet6{Port: port, Addr: addr}, unix.AF_INET6, nil
}

// newNonblockingSocket creates a socket of the given family/type, set
// non-blocking so every read/write/connect is driven by epoll readiness
// rather than blocking the single event-loop thread (spec.md §5).
func newNonblockingSocket(family, sockType int) (int, error) {
	fd, err := unix.Socket(family, sockType, 0)
	if err != nil {
		return -1, errors.Wrap(err, "creating socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setting socket non-blocking")
	}
	return fd, nil
}

// sockaddrToAddr renders a unix.Sockaddr as a net.UDPAddr-shaped string,
// used only for logging — clients are addressed by Sockaddr (UDP) or token
// (TCP), not by string, on the hot path.
func sockaddrToAddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
