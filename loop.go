package kdns

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Token is the opaque identifier the event loop assigns to route a
// readiness or timer event to its owner (spec.md Glossary, §4.7).
type Token uint32

// Reserved tokens for the two listeners and the control (wakeup) fd; every
// other token is handed out by the allocator below.
const (
	udpListenerToken  Token = 0
	tcpListenerToken  Token = 1
	controlToken      Token = 2
	firstDynamicToken Token = 3
)

// timerTokenBit distinguishes a timerfd readiness event from a socket
// readiness event for the same logical forwarded request, so both can
// share one Token namespace and one epoll instance (spec.md §4.7: "the
// loop ... dispatches readiness and timeout events").
const timerTokenBit Token = 1 << 31

// connTokenBit tags every token handed out for a TCP connection, keeping
// that namespace disjoint from forwarded-request tokens (spec.md §4.7:
// "the listener handlers never own forwarded-request tokens and vice
// versa"). Without it, a wrap of either counter at MaxConns could hand a
// live TCP connection's token to a new forwarded request, or vice versa,
// and dispatch would misroute both.
const connTokenBit Token = 1 << 30

// maxEpollEvents bounds one epoll_wait batch.
const maxEpollEvents = 256

// Config carries the handful of settings spec.md §6 exposes externally.
type Config struct {
	Port          uint16
	UpstreamAddr  string
	Timeout       time.Duration
	MaxConns      uint32
	MasterFile    *AuthorityTable
}

// EventLoop is the single-threaded cooperative reactor from spec.md §4.7,
// built on golang.org/x/sys/unix's epoll/timerfd wrappers — the closest Go
// equivalent of the original implementation's mio reactor
// (original_source/src/server_mio.rs). None of the Go examples in the
// retrieval pack hand-roll this; the teacher delegates to
// miekg/dns.Server's goroutine-per-connection model instead, which cannot
// express a single-threaded, token-routed, one-shot-readiness design.
type EventLoop struct {
	epfd int

	udp *UDPListener
	tcp *TCPListener

	forwarded map[Token]*ForwardedRequest
	timerFDs  map[Token]int

	pipeline *Pipeline
	cache    *AnswerCache

	udpMetrics *Metrics
	tcpMetrics *Metrics

	cfg       Config
	nextToken Token // forwarded-request tokens
	nextConn  Token // TCP connection tokens (disjoint namespace, see connTokenBit)

	controlFD int
	stopping  bool
}

// NewEventLoop wires up both listeners, the pipeline, and the epoll
// instance, but does not start serving — call Run for that.
func NewEventLoop(cfg Config) (*EventLoop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "creating epoll instance")
	}

	udp, err := NewUDPListener(listenAddr(cfg.Port), udpListenerToken)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	tcp, err := NewTCPListener(listenAddr(cfg.Port), tcpListenerToken)
	if err != nil {
		udp.Close()
		unix.Close(epfd)
		return nil, err
	}

	controlFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		udp.Close()
		tcp.Close()
		unix.Close(epfd)
		return nil, errors.Wrap(err, "creating control eventfd")
	}

	authority := cfg.MasterFile
	if authority == nil {
		authority = NewAuthorityTable(nil)
	}
	cache := NewAnswerCache()

	loop := &EventLoop{
		epfd:       epfd,
		udp:        udp,
		tcp:        tcp,
		forwarded:  make(map[Token]*ForwardedRequest),
		timerFDs:   make(map[Token]int),
		pipeline:   NewPipeline(authority, cache),
		cache:      cache,
		udpMetrics: NewMetrics("udp"),
		tcpMetrics: NewMetrics("tcp"),
		cfg:        cfg,
		nextToken:  firstDynamicToken,
		nextConn:   firstDynamicToken,
		controlFD:  controlFD,
	}

	if err := loop.register(udp.FD(), udpListenerToken, unix.EPOLLIN); err != nil {
		return nil, err
	}
	if err := loop.register(tcp.FD(), tcpListenerToken, unix.EPOLLIN); err != nil {
		return nil, err
	}
	if err := loop.register(controlFD, controlToken, unix.EPOLLIN); err != nil {
		return nil, err
	}
	return loop, nil
}

func listenAddr(port uint16) string {
	return "0.0.0.0:" + strconv.Itoa(int(port))
}

func (l *EventLoop) register(fd int, token Token, events uint32) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLONESHOT, Fd: int32(token)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrapf(err, "registering token %d", token)
	}
	return nil
}

func (l *EventLoop) rearm(fd int, token Token, events uint32) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLONESHOT, Fd: int32(token)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (l *EventLoop) deregister(fd int) {
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// nextFreeToken allocates the next forwarded-request token, wrapping
// modulo MaxConns. Naive wraparound per spec.md §9: "a monotonically
// increasing counter that wraps ... is sufficient in the reference design
// but is a latent collision hazard"; a production variant would prefer a
// free-list. Wraparound within this namespace can only ever collide with
// another forwarded request, never with a TCP connection token — those are
// drawn from nextConnToken's disjoint, connTokenBit-tagged namespace.
func (l *EventLoop) nextFreeToken() Token {
	t := l.nextToken
	next := t + 1
	if next-firstDynamicToken >= Token(l.cfg.MaxConns) {
		next = firstDynamicToken
	}
	l.nextToken = next
	return t
}

// nextConnToken allocates the next TCP connection token, wrapping modulo
// MaxConns the same way nextFreeToken does, but tagged with connTokenBit so
// it can never alias a forwarded-request token regardless of either
// counter's wraparound.
func (l *EventLoop) nextConnToken() Token {
	t := l.nextConn
	next := t + 1
	if next-firstDynamicToken >= Token(l.cfg.MaxConns) {
		next = firstDynamicToken
	}
	l.nextConn = next
	return t | connTokenBit
}

// Stop requests a clean shutdown; safe to call from another goroutine
// (e.g. a signal handler), which is the only cross-goroutine interaction
// this loop permits (spec.md §4.7: "the loop accepts an external stop
// signal").
func (l *EventLoop) Stop() {
	buf := make([]byte, 8)
	buf[7] = 1
	_, _ = unix.Write(l.controlFD, buf)
}

// Run drives the loop until Stop is called or an unrecoverable epoll error
// occurs.
func (l *EventLoop) Run() error {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for !l.stopping {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "epoll_wait")
		}
		for i := 0; i < n; i++ {
			l.dispatch(events[i])
		}
	}
	return nil
}

func (l *EventLoop) dispatch(ev unix.EpollEvent) {
	tok := Token(uint32(ev.Fd))

	switch tok {
	case controlToken:
		l.stopping = true
		return
	case udpListenerToken:
		l.handleUDPEvent(ev.Events)
		return
	case tcpListenerToken:
		l.handleTCPListenerReadable()
		return
	}

	if tok&timerTokenBit != 0 {
		l.handleTimerEvent(tok &^ timerTokenBit)
		return
	}

	if tok&connTokenBit != 0 {
		l.handleTCPConnEvent(tok, ev.Events)
		return
	}

	if _, ok := l.forwarded[tok]; ok {
		l.handleForwardedEvent(tok, ev.Events)
	}
}

func (l *EventLoop) handleUDPEvent(events uint32) {
	if events&unix.EPOLLOUT != 0 {
		drained, err := l.udp.FlushOne()
		if err != nil {
			Log.WithFields(logrus.Fields{"listener": "udp"}).Warn(errors.Wrap(err, "sending udp response"))
		}
		want := uint32(unix.EPOLLIN)
		if !drained {
			want |= unix.EPOLLOUT
		}
		_ = l.rearm(l.udp.FD(), udpListenerToken, want)
		return
	}

	data, from, err := l.udp.Recv()
	want := uint32(unix.EPOLLIN)
	if err != nil && err != unix.EAGAIN {
		Log.WithFields(logrus.Fields{"listener": "udp"}).Warn(errors.Wrap(err, "receiving udp datagram"))
	} else if err == nil {
		l.udpMetrics.QueriesReceived.Add(1)
		Log.WithFields(logrus.Fields{"listener": "udp", "client": sockaddrToAddr(from)}).Debug("received query")
		reply, forward := l.runPipeline(l.udpMetrics, data)
		if !forward {
			if reply != nil {
				bytes, err := SerializeMessage(reply)
				if err == nil {
					if needsWritable := l.udp.Enqueue(from, bytes); needsWritable {
						want |= unix.EPOLLOUT
					}
				}
			}
		} else {
			// clientToken is meaningless for UDP: completion routes back to
			// the client via ClientAddr instead, so any value does here.
			l.startForward(TransportUDP, 0, from, data)
		}
	}
	if len(l.udp.queue) > 0 {
		want |= unix.EPOLLOUT
	}
	_ = l.rearm(l.udp.FD(), udpListenerToken, want)
}

// runPipeline runs the pipeline over raw bytes and records metrics against
// the calling listener: a miss is counted the moment the pipeline signals
// Forward (no stage answered), and every synchronous response — authority
// hit, cache hit, or error reply alike — is recorded via RecordResponse,
// which also tallies a cache hit when the provenance is Cache. forward=true
// means the caller must build a ForwardedRequest via startForward.
func (l *EventLoop) runPipeline(metrics *Metrics, raw []byte) (reply *DnsMessage, forward bool) {
	result := l.pipeline.Process(raw)
	if result.Drop {
		return nil, false
	}
	if result.Forward {
		metrics.CacheMisses.Add(1)
		if uint32(len(l.forwarded)) >= l.cfg.MaxConns {
			// Resource exhaustion (spec.md §7): answer synchronously rather
			// than queueing a forwarded request the map has no room for.
			msg, _ := ParseMessage(raw)
			reply := servfail(msg)
			metrics.RecordResponse(ProvenanceSystem, reply.Header.RCode)
			return reply, false
		}
		return nil, true
	}
	metrics.RecordResponse(result.Provenance, result.Response.Header.RCode)
	return result.Response, false
}

// startForward allocates a token, builds a ForwardedRequest, opens its
// upstream socket, and registers it writable.
func (l *EventLoop) startForward(transport Transport, clientToken Token, clientAddr unix.Sockaddr, raw []byte) {
	query, err := ParseMessage(raw)
	if err != nil || query == nil {
		return
	}
	token := l.nextFreeToken()
	req := NewForwardedRequest(token, clientToken, transport, clientAddr, query, raw, l.cfg.UpstreamAddr)
	fd, err := req.Open()
	if err != nil {
		Log.WithFields(logrus.Fields{"upstream": l.cfg.UpstreamAddr}).Warn(errors.Wrap(err, "opening upstream socket"))
		metrics := l.udpMetrics
		if transport == TransportTCP {
			metrics = l.tcpMetrics
		}
		metrics.RecordResponse(ProvenanceSystem, RCodeServerFailure)
		l.sendSynchronousServfail(transport, clientToken, clientAddr, query)
		return
	}
	l.forwarded[token] = req
	if transport == TransportUDP {
		l.udpMetrics.ForwardedInFlight.Add(1)
	} else {
		l.tcpMetrics.ForwardedInFlight.Add(1)
	}
	if err := l.register(fd, token, unix.EPOLLOUT); err != nil {
		Log.Warn(errors.Wrap(err, "registering upstream socket"))
	}
}

func (l *EventLoop) sendSynchronousServfail(transport Transport, clientToken Token, clientAddr unix.Sockaddr, query *DnsMessage) {
	reply := servfail(query)
	bytes, err := SerializeMessage(reply)
	if err != nil {
		return
	}
	if transport == TransportUDP {
		if needsWritable := l.udp.Enqueue(clientAddr, bytes); needsWritable {
			_ = l.rearm(l.udp.FD(), udpListenerToken, unix.EPOLLIN|unix.EPOLLOUT)
		}
		return
	}
	_ = l.tcp.QueueReply(clientToken, bytes)
	if fd, ok := l.tcp.ConnFD(clientToken); ok {
		_ = l.rearm(fd, clientToken, unix.EPOLLOUT)
	}
}

func (l *EventLoop) handleForwardedEvent(tok Token, events uint32) {
	req := l.forwarded[tok]
	if events&unix.EPOLLOUT != 0 {
		req.HandleWritable()
		if req.State == StateForwarded {
			l.armTimeout(req)
			_ = l.rearm(req.fd, tok, unix.EPOLLIN)
		} else if req.State == StateAccepted || req.State == StateNew {
			_ = l.rearm(req.fd, tok, unix.EPOLLOUT)
		}
	} else {
		req.HandleReadable()
		if req.State == StateForwarded {
			_ = l.rearm(req.fd, tok, unix.EPOLLIN)
		}
	}
	l.maybeFinishForward(tok, req)
}

func (l *EventLoop) handleTimerEvent(tok Token) {
	req, ok := l.forwarded[tok]
	if !ok {
		return
	}
	req.HandleTimeout()
	if req.State == StateError {
		if req.Transport == TransportUDP {
			l.udpMetrics.Timeouts.Add(1)
		} else {
			l.tcpMetrics.Timeouts.Add(1)
		}
	}
	l.maybeFinishForward(tok, req)
}

func (l *EventLoop) armTimeout(req *ForwardedRequest) {
	if req.timeoutSet {
		return
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		Log.Warn(errors.Wrap(err, "creating timerfd"))
		return
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(l.cfg.Timeout.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		Log.Warn(errors.Wrap(err, "arming timerfd"))
		return
	}
	l.timerFDs[req.Token] = fd
	req.timeoutSet = true
	_ = l.register(fd, req.Token|timerTokenBit, unix.EPOLLIN)
}

func (l *EventLoop) clearTimeout(token Token) {
	fd, ok := l.timerFDs[token]
	if !ok {
		return
	}
	l.deregister(fd)
	unix.Close(fd)
	delete(l.timerFDs, token)
}

// maybeFinishForward checks whether req has reached a terminal state and,
// if so, completes it: builds the client reply, caches an Upstream answer,
// closes the socket, clears the timer, and removes it from the live set
// (spec.md §3: "on completion ... the socket is closed and the request is
// removed from the live set").
func (l *EventLoop) maybeFinishForward(tok Token, req *ForwardedRequest) {
	if req.State != StateResponseReceived && req.State != StateError {
		return
	}
	l.clearTimeout(tok)
	l.deregister(req.fd)
	req.Close()
	delete(l.forwarded, tok)

	metrics := l.udpMetrics
	if req.Transport == TransportTCP {
		metrics = l.tcpMetrics
	}
	metrics.ForwardedInFlight.Add(-1)

	reply, upstreamReply, provenance := req.Result()
	if provenance == ProvenanceUpstream && upstreamReply != nil {
		l.cacheUpstreamAnswer(req.Query, upstreamReply)
	}
	metrics.RecordResponse(provenance, reply.Header.RCode)

	bytes, err := SerializeMessage(reply)
	if err != nil {
		return
	}
	if req.Transport == TransportUDP {
		want := uint32(unix.EPOLLIN)
		if needsWritable := l.udp.Enqueue(req.ClientAddr, bytes); needsWritable {
			want |= unix.EPOLLOUT
		}
		_ = l.rearm(l.udp.FD(), udpListenerToken, want)
		return
	}
	_ = l.tcp.QueueReply(req.ClientToken, bytes)
	if fd, ok := l.tcp.ConnFD(req.ClientToken); ok {
		_ = l.rearm(fd, req.ClientToken, unix.EPOLLOUT)
	}
}

func (l *EventLoop) cacheUpstreamAnswer(query *DnsMessage, upstreamReply *DnsMessage) {
	q, ok := query.Question0()
	if !ok || len(upstreamReply.Answers) == 0 || upstreamReply.Header.RCode != RCodeSuccess {
		return
	}
	minTTL := upstreamReply.Answers[0].TTL
	for _, rr := range upstreamReply.Answers[1:] {
		if rr.TTL < minTTL {
			minTTL = rr.TTL
		}
	}
	l.cache.Upsert(&CacheEntry{
		Key:     NewQuestionKey(q),
		Answers: upstreamReply.Answers,
		TTL:     minTTL,
		Expiry:  time.Now().Add(time.Duration(minTTL) * time.Second),
	})
}

func (l *EventLoop) handleTCPListenerReadable() {
	fd, err := l.tcp.Accept()
	if err != nil {
		if err != unix.EAGAIN {
			Log.Warn(errors.Wrap(err, "accepting tcp connection"))
		}
		_ = l.rearm(l.tcp.FD(), tcpListenerToken, unix.EPOLLIN)
		return
	}
	token := l.nextConnToken()
	l.tcp.AddPending(token, fd)
	_ = l.register(fd, token, unix.EPOLLIN)
	_ = l.rearm(l.tcp.FD(), tcpListenerToken, unix.EPOLLIN)
}

func (l *EventLoop) handleTCPConnEvent(tok Token, events uint32) {
	if _, ok := l.tcp.Pending(tok); ok {
		l.handleTCPPendingReadable(tok)
		return
	}
	if _, ok := l.tcp.Accepted(tok); ok {
		l.handleTCPAcceptedWritable(tok)
		return
	}
}

func (l *EventLoop) handleTCPPendingReadable(tok Token) {
	query, done, err := l.tcp.ReadQuery(tok)
	if err != nil {
		if fd, ok := l.tcp.ConnFD(tok); ok {
			l.deregister(fd)
		}
		return
	}
	if !done {
		if fd, ok := l.tcp.ConnFD(tok); ok {
			_ = l.rearm(fd, tok, unix.EPOLLIN)
		}
		return
	}
	l.tcpMetrics.QueriesReceived.Add(1)
	reply, forward := l.runPipeline(l.tcpMetrics, query)
	if forward {
		l.startForward(TransportTCP, tok, nil, query)
		return
	}
	bytes, err := SerializeMessage(reply)
	if err != nil {
		return
	}
	_ = l.tcp.QueueReply(tok, bytes)
	if fd, ok := l.tcp.ConnFD(tok); ok {
		_ = l.rearm(fd, tok, unix.EPOLLOUT)
	}
}

func (l *EventLoop) handleTCPAcceptedWritable(tok Token) {
	done, err := l.tcp.FlushWrite(tok)
	if err != nil {
		return
	}
	if !done {
		if fd, ok := l.tcp.ConnFD(tok); ok {
			_ = l.rearm(fd, tok, unix.EPOLLOUT)
		}
	}
	// FlushWrite already closed and removed the connection once done,
	// per this server's close-after-one-response policy (spec.md §4.6).
}

// Close tears down both listeners and the epoll instance. Call only after
// Run has returned.
func (l *EventLoop) Close() {
	for tok, fd := range l.timerFDs {
		l.deregister(fd)
		unix.Close(fd)
		delete(l.timerFDs, tok)
	}
	for _, req := range l.forwarded {
		req.Close()
	}
	l.udp.Close()
	l.tcp.Close()
	unix.Close(l.controlFD)
	unix.Close(l.epfd)
}
