package kdns

// Provenance records which pipeline stage produced a response, and in turn
// whether that response is cacheable — only an Upstream response is ever
// inserted into the cache (spec.md §4.4).
type Provenance int

const (
	ProvenanceSystem Provenance = iota
	ProvenanceAuthoritative
	ProvenanceCache
	ProvenanceUpstream
)

// PipelineResult is what running a raw datagram through the Pipeline
// produces: either a response ready to send, or a signal that the query
// must be forwarded upstream, or a signal to drop the packet silently
// because no id could be recovered from it.
type PipelineResult struct {
	Response   *DnsMessage
	Provenance Provenance

	// Forward is true when no stage answered and the caller must build a
	// ForwardedRequest. RawQuery and Query are only meaningful then.
	Forward  bool
	RawQuery []byte
	Query    *DnsMessage

	// Drop is true when the input was too malformed to recover even an id
	// (spec.md §7: "the packet is dropped silently").
	Drop bool
}

// Pipeline runs the fixed four-stage sequence from spec.md §4.4: Parse,
// Authority, Cache, Forward. The first stage to produce a response
// short-circuits the rest.
//
// Grounded on the teacher's pipeline.go "stop at the first stage that
// produces a result" control flow — there, the first successful connection
// attempt among candidates; here, the first stage with an answer.
type Pipeline struct {
	Authority *AuthorityTable
	Cache     *AnswerCache
}

// NewPipeline builds a Pipeline over the given authority table and cache.
func NewPipeline(authority *AuthorityTable, cache *AnswerCache) *Pipeline {
	return &Pipeline{Authority: authority, Cache: cache}
}

// Process runs one raw request through the pipeline.
func (p *Pipeline) Process(raw []byte) PipelineResult {
	msg, err := ParseMessage(raw)
	if err != nil {
		if msg == nil {
			return PipelineResult{Drop: true, Provenance: ProvenanceSystem}
		}
		return PipelineResult{Response: errorReply(msg, err), Provenance: ProvenanceSystem}
	}

	q, ok := msg.Question0()
	if !ok {
		// No question to act on; nothing downstream can answer this, so it
		// is treated the same as a malformed query (spec.md §7 doesn't name
		// this case explicitly; FORMERR mirrors the "can't proceed" intent
		// of the malformed-query branch).
		return PipelineResult{
			Response:   errorReply(msg, &ParseError{Reason: "no question section"}),
			Provenance: ProvenanceSystem,
		}
	}
	key := NewQuestionKey(q)

	if rr, ok := p.Authority.Lookup(key); ok {
		return PipelineResult{Response: ReplyFromAuthorityHit(msg, rr), Provenance: ProvenanceAuthoritative}
	}

	if entry, ok := p.Cache.Get(key); ok {
		return PipelineResult{Response: ReplyFromCacheHit(msg, entry), Provenance: ProvenanceCache}
	}

	return PipelineResult{Forward: true, RawQuery: raw, Query: msg}
}

// errorReply builds a well-formed error reply carrying whatever id could be
// recovered from the partially-parsed msg (spec.md §7).
func errorReply(msg *DnsMessage, err error) *DnsMessage {
	rcode := RCodeFormatError
	switch err.(type) {
	case *PointerLoopError:
		rcode = RCodeServerFailure
	case *ParseError:
		rcode = RCodeFormatError
	default:
		rcode = RCodeServerFailure
	}
	return &DnsMessage{
		Header: DnsHeader{
			ID:    msg.Header.ID,
			QR:    true,
			RCode: rcode,
		},
		Kind: Reply,
	}
}
