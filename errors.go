package kdns

import "fmt"

// ParseError is returned by ParseMessage when the input bytes cannot be
// decoded as a DNS message: truncated header, truncated sections, or
// malformed labels (spec.md §4.1, §7). Pointer loops are reported as
// PointerLoopError instead.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed dns message: %s", e.Reason)
}

// PointerLoopError is the parse failure raised when name compression
// pointers fail to make strict backward progress. It is a distinct type
// from ParseError, and errorReply maps it to SERVFAIL rather than FORMERR.
type PointerLoopError struct{}

func (e *PointerLoopError) Error() string {
	return "malformed dns message: compression pointer loop"
}

// UpstreamTimeoutError is returned by a ForwardedRequest when no reply
// arrives from upstream before the configured timeout elapses (spec.md §4.5, §7).
type UpstreamTimeoutError struct {
	Upstream string
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for reply from %s", e.Upstream)
}

// UpstreamIOError wraps a read or write failure on the ephemeral upstream
// socket (spec.md §7).
type UpstreamIOError struct {
	Upstream string
	Err      error
}

func (e *UpstreamIOError) Error() string {
	return fmt.Sprintf("upstream io error talking to %s: %v", e.Upstream, e.Err)
}

func (e *UpstreamIOError) Unwrap() error {
	return e.Err
}
