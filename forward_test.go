package kdns

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpair returns two connected, non-blocking fds standing in for the
// ForwardedRequest's socket and the upstream it talks to, without needing
// a real network or the event loop's epoll instance.
func socketpair(t *testing.T, sockType int) (local, remote int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, sockType, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func buildQuery(t *testing.T, id uint16, name string) (*DnsMessage, []byte) {
	t.Helper()
	msg := &DnsMessage{
		Header:    DnsHeader{ID: id, RD: true},
		Questions: []Question{{Name: name, Type: TypeA, Class: ClassINET}},
		Kind:      Query,
	}
	raw, err := SerializeMessage(msg)
	require.NoError(t, err)
	return msg, raw
}

func TestForwardedRequest_UDPRoundTrip(t *testing.T) {
	local, remote := socketpair(t, unix.SOCK_DGRAM)
	query, raw := buildQuery(t, 0x1234, "example.com.")

	req := NewForwardedRequest(7, 0, TransportUDP, nil, query, raw, "unused:53")
	req.fd = local

	req.HandleWritable()
	require.Equal(t, StateForwarded, req.State)

	buf := make([]byte, 512)
	n, err := unix.Read(remote, buf)
	require.NoError(t, err)
	require.Equal(t, raw, buf[:n])

	upstreamReply := SetReply(query)
	upstreamReply.Answers = []ResourceRecord{
		{Name: "example.com.", Type: TypeA, Class: ClassINET, TTL: 10, RData: []byte{93, 184, 216, 34}},
	}
	replyBytes, err := SerializeMessage(upstreamReply)
	require.NoError(t, err)
	_, err = unix.Write(remote, replyBytes)
	require.NoError(t, err)

	req.HandleReadable()
	require.Equal(t, StateResponseReceived, req.State)

	reply, upstream, provenance := req.Result()
	require.Equal(t, ProvenanceUpstream, provenance)
	require.Equal(t, query.Header.ID, reply.Header.ID)
	require.Len(t, reply.Answers, 1)
	require.NotNil(t, upstream)
}

func TestForwardedRequest_TCPFramingAcrossPartialReads(t *testing.T) {
	local, remote := socketpair(t, unix.SOCK_STREAM)
	query, raw := buildQuery(t, 0x4242, "tcp.example.")

	req := NewForwardedRequest(9, 0, TransportTCP, nil, query, raw, "unused:53")
	req.fd = local

	req.HandleWritable()
	require.Equal(t, StateForwarded, req.State)

	sent := make([]byte, len(raw)+2)
	n, err := unix.Read(remote, sent)
	require.NoError(t, err)
	require.Equal(t, len(raw)+2, n)
	require.Equal(t, uint16(len(raw)), uint16(sent[0])<<8|uint16(sent[1]))
	require.Equal(t, raw, sent[2:])

	upstreamReply := SetReply(query)
	upstreamReply.Answers = []ResourceRecord{{Name: "tcp.example.", Type: TypeA, Class: ClassINET, TTL: 5}}
	replyBytes, err := SerializeMessage(upstreamReply)
	require.NoError(t, err)
	framed := make([]byte, 2+len(replyBytes))
	framed[0] = byte(len(replyBytes) >> 8)
	framed[1] = byte(len(replyBytes))
	copy(framed[2:], replyBytes)

	// Deliver the frame in two partial writes to exercise buffering across
	// multiple HandleReadable calls.
	_, err = unix.Write(remote, framed[:3])
	require.NoError(t, err)
	req.HandleReadable()
	require.Equal(t, StateForwarded, req.State, "incomplete frame must not complete the request")

	_, err = unix.Write(remote, framed[3:])
	require.NoError(t, err)
	req.HandleReadable()
	require.Equal(t, StateResponseReceived, req.State)

	reply, _, provenance := req.Result()
	require.Equal(t, ProvenanceUpstream, provenance)
	require.Len(t, reply.Answers, 1)
}

func TestForwardedRequest_TimeoutTransitionsToError(t *testing.T) {
	query, raw := buildQuery(t, 1, "timeout.example.")
	req := NewForwardedRequest(1, 0, TransportUDP, nil, query, raw, "unreachable:9999")
	req.State = StateForwarded

	req.HandleTimeout()
	require.Equal(t, StateError, req.State)

	reply, upstream, provenance := req.Result()
	require.Equal(t, ProvenanceSystem, provenance)
	require.Nil(t, upstream)
	require.Equal(t, RCodeServerFailure, reply.Header.RCode)
}

func TestForwardedRequest_TimeoutAfterResponseIsNoOp(t *testing.T) {
	query, raw := buildQuery(t, 1, "already.example.")
	req := NewForwardedRequest(1, 0, TransportUDP, nil, query, raw, "unused:53")
	req.State = StateResponseReceived
	req.resultBytes = raw

	req.HandleTimeout()
	require.Equal(t, StateResponseReceived, req.State, "a timeout firing after the reply arrived must have no effect")
}

var _ net.Addr = (*net.UDPAddr)(nil) // sanity: ClientAddr's sibling concept in listener_udp.go
