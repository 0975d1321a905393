package kdns

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RequestState is a node in the forwarded-request state machine (spec.md
// §4.5). Tagged-variant dispatch per spec.md §9's re-architecture guidance,
// rather than a class hierarchy per state.
type RequestState int

const (
	StateNew RequestState = iota
	StateAccepted
	StateForwarded
	StateResponseReceived
	StateError
)

// Transport picks which wire framing is used talking to the upstream
// socket (spec.md §4.5): UDP sends raw bytes, TCP prefixes with a 16-bit
// length. A forwarded request always talks upstream over the same
// transport its client used.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
)

// readBufSize bounds a single read, per spec.md §5's "one read up to 4 KiB"
// suspension-point rule.
const readBufSize = 4096

// ForwardedRequest is the per-query state machine that owns an ephemeral
// upstream socket for its entire lifetime (spec.md §3, §4.5). It is shared
// between UDP and TCP transports via the Transport field rather than two
// separate types, per spec.md §9.
//
// Grounded on the teacher's dnsclient.go request/response correlation idea
// (a request object with a completion signal), adapted from goroutine+
// channel correlation to single-threaded state-tag dispatch since this
// server has no per-request goroutine to park on a channel receive.
type ForwardedRequest struct {
	Token       Token
	ClientToken Token
	Transport   Transport
	State       RequestState

	ClientAddr unix.Sockaddr // set for UDP-origin requests, used to route the reply back
	Query      *DnsMessage
	RawQuery   []byte
	Upstream   string

	fd          int
	sockaddr    unix.Sockaddr
	family      int
	writeBuf    []byte // wire bytes still to write (TCP: length-prefixed)
	readBuf     []byte // bytes accumulated from upstream so far
	resultBytes []byte // the de-framed reply, once complete
	timeoutSet  bool

	err error
}

// NewForwardedRequest builds a request in state New. It does not open the
// socket; call Open for that once the request has been registered with
// the event loop's token map.
func NewForwardedRequest(token, clientToken Token, transport Transport, clientAddr unix.Sockaddr, query *DnsMessage, rawQuery []byte, upstream string) *ForwardedRequest {
	wireQuery := rawQuery
	if transport == TransportTCP {
		prefixed := make([]byte, 2+len(rawQuery))
		binary.BigEndian.PutUint16(prefixed, uint16(len(rawQuery)))
		copy(prefixed[2:], rawQuery)
		wireQuery = prefixed
	}
	return &ForwardedRequest{
		Token:       token,
		ClientToken: clientToken,
		Transport:   transport,
		State:       StateNew,
		ClientAddr:  clientAddr,
		Query:       query,
		RawQuery:    rawQuery,
		Upstream:    upstream,
		writeBuf:    wireQuery,
		fd:          -1,
	}
}

// Open resolves the upstream address and creates the non-blocking
// ephemeral socket, beginning the (possibly asynchronous) connect. The
// caller registers the returned fd with the loop for writable readiness.
func (r *ForwardedRequest) Open() (fd int, err error) {
	sockaddr, family, err := resolveSockaddr(r.Upstream)
	if err != nil {
		return -1, err
	}
	r.sockaddr, r.family = sockaddr, family

	sockType := unix.SOCK_DGRAM
	if r.Transport == TransportTCP {
		sockType = unix.SOCK_STREAM
	}
	fd, err = newNonblockingSocket(family, sockType)
	if err != nil {
		return -1, err
	}
	r.fd = fd

	if err := unix.Connect(fd, sockaddr); err != nil && err != unix.EINPROGRESS && err != unix.EAGAIN {
		unix.Close(fd)
		r.fd = -1
		return -1, errors.Wrapf(err, "connecting to upstream %s", r.Upstream)
	}
	return fd, nil
}

// HandleWritable advances New→Accepted→Forwarded (spec.md §4.5's two
// writable transitions collapse into one handler call: the first writable
// readiness means connect() has completed, and once accepted the request
// immediately writes its query on that same readiness).
func (r *ForwardedRequest) HandleWritable() {
	switch r.State {
	case StateNew:
		r.State = StateAccepted
		fallthrough
	case StateAccepted:
		n, err := unix.Write(r.fd, r.writeBuf)
		if err != nil {
			if err == unix.EAGAIN {
				return // still not writable enough; stay in Accepted, retry next event
			}
			r.fail(&UpstreamIOError{Upstream: r.Upstream, Err: err})
			return
		}
		r.writeBuf = r.writeBuf[n:]
		if len(r.writeBuf) > 0 {
			return // partial write; remain registered writable
		}
		r.State = StateForwarded
	}
}

// HandleReadable advances Forwarded→ResponseReceived once a complete reply
// has been buffered. UDP replies complete in one read; TCP replies may
// need several reads to accumulate the 2-byte length prefix and the body.
func (r *ForwardedRequest) HandleReadable() {
	if r.State != StateForwarded {
		return
	}
	buf := make([]byte, readBufSize)
	n, err := unix.Read(r.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		r.fail(&UpstreamIOError{Upstream: r.Upstream, Err: err})
		return
	}
	if n == 0 {
		r.fail(&UpstreamIOError{Upstream: r.Upstream, Err: errors.New("upstream closed connection")})
		return
	}
	r.readBuf = append(r.readBuf, buf[:n]...)

	switch r.Transport {
	case TransportUDP:
		r.complete(r.readBuf)
	case TransportTCP:
		if len(r.readBuf) < 2 {
			return
		}
		want := int(binary.BigEndian.Uint16(r.readBuf[0:2]))
		if len(r.readBuf) < 2+want {
			return
		}
		r.complete(r.readBuf[2 : 2+want])
	}
}

// HandleTimeout fires the single-shot timer armed on entry to Forwarded.
// A no-op outside Forwarded, so a timer that fires after the reply already
// arrived (the race spec.md §5 calls out) has no effect — "clearing a
// timeout that has already fired is a no-op" is enforced on the other side
// by the event loop not re-arming a cleared timer, not here.
func (r *ForwardedRequest) HandleTimeout() {
	if r.State != StateForwarded {
		return
	}
	r.fail(&UpstreamTimeoutError{Upstream: r.Upstream})
}

func (r *ForwardedRequest) fail(err error) {
	r.State = StateError
	r.err = err
}

func (r *ForwardedRequest) complete(body []byte) {
	r.resultBytes = make([]byte, len(body))
	copy(r.resultBytes, body)
	r.State = StateResponseReceived
}

// Close releases the ephemeral socket. Safe to call more than once.
func (r *ForwardedRequest) Close() {
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
}

// Result turns a terminal ForwardedRequest into the client-facing reply and
// the provenance to record, plus (on success) the upstream DnsMessage so
// the caller can insert it into the cache. Only valid once State is
// ResponseReceived or Error.
func (r *ForwardedRequest) Result() (reply *DnsMessage, upstreamReply *DnsMessage, provenance Provenance) {
	switch r.State {
	case StateResponseReceived:
		upstreamReply, err := ParseMessage(r.resultBytes)
		if err != nil {
			return servfail(r.Query), nil, ProvenanceSystem
		}
		reply := SetReply(r.Query)
		reply.Header.RCode = upstreamReply.Header.RCode
		reply.Answers = upstreamReply.Answers
		return reply, upstreamReply, ProvenanceUpstream
	case StateError:
		return servfail(r.Query), nil, ProvenanceSystem
	default:
		return servfail(r.Query), nil, ProvenanceSystem
	}
}

func servfail(query *DnsMessage) *DnsMessage {
	reply := SetReply(query)
	reply.Header.RCode = RCodeServerFailure
	return reply
}
