package kdns

import (
	"strings"

	"golang.org/x/net/idna"
)

// Record types and classes used throughout the server. Only the handful
// of RR types this server actually answers or caches are named; anything
// else is carried through as an opaque Type value.
const (
	TypeA     uint16 = 1
	TypeNS    uint16 = 2
	TypeCNAME uint16 = 5
	TypeSOA   uint16 = 6
	TypePTR   uint16 = 12
	TypeMX    uint16 = 15
	TypeTXT   uint16 = 16
	TypeAAAA  uint16 = 28
	TypeSRV   uint16 = 33
)

// ClassINET is by far the only class seen in practice.
const ClassINET uint16 = 1

// RCode values used in synthesized responses.
const (
	RCodeSuccess        uint8 = 0
	RCodeFormatError    uint8 = 1
	RCodeServerFailure  uint8 = 2
	RCodeNameError      uint8 = 3
	RCodeNotImplemented uint8 = 4
	RCodeRefused        uint8 = 5
)

// Opcode standard query.
const OpcodeQuery uint8 = 0

// MsgKind discriminates a DnsMessage as either a Query or a Reply, mirroring
// spec.md's DnsMessage discriminator.
type MsgKind int

const (
	Query MsgKind = iota
	Reply
)

// DnsHeader is the 12-byte DNS message header (spec.md §3/§4.1).
type DnsHeader struct {
	ID      uint16
	QR      bool
	Opcode  uint8
	AA      bool
	TC      bool
	RD      bool
	RA      bool
	Z       uint8 // 3 reserved bits, must be zero
	RCode   uint8
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// Question is a single question-section entry.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// ResourceRecord is a single answer-section entry (spec.md §3).
type ResourceRecord struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	RData []byte
}

// DnsMessage is the fully decoded form of a DNS packet (spec.md §3).
//
// Questions holds every question parsed from the wire, even though only
// Questions[0] is ever acted on (spec.md §4.1 edge case: qdcount > 1 is
// accepted on input, only the first question is semantically used).
type DnsMessage struct {
	Header    DnsHeader
	Questions []Question
	Answers   []ResourceRecord
	Kind      MsgKind
}

// Question0 returns the first question, or the zero value if there is none.
func (m *DnsMessage) Question0() (Question, bool) {
	if len(m.Questions) == 0 {
		return Question{}, false
	}
	return m.Questions[0], true
}

// QuestionKey is the (name, type, class) triple used to index the authority
// table and the answer cache (spec.md §3). Equality is plain struct
// equality; keys built through NewQuestionKey (or with NormalizeName) hold
// a case-folded name, so such keys match case-insensitively on name and
// exactly on type and class.
type QuestionKey struct {
	Name  string
	Type  uint16
	Class uint16
}

// NewQuestionKey builds a QuestionKey from a Question, normalizing the name
// the way the server normalizes every name it indexes by: lower-cased ASCII,
// and passed through idna.ToASCII so punycode and mixed-case Unicode forms
// of the same name collide on the same key. idna.ToASCII is a no-op for
// already-ASCII labels, so this never changes plain hostnames.
func NewQuestionKey(q Question) QuestionKey {
	return QuestionKey{
		Name:  NormalizeName(q.Name),
		Type:  q.Type,
		Class: q.Class,
	}
}

// NormalizeName case-folds and IDNA-normalizes a domain name for use as a
// cache/authority key. Invalid IDNA input is returned lower-cased rather
// than rejected — normalization is advisory here, not wire validation.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	ascii, err := idna.ToASCII(name)
	if err != nil {
		return name
	}
	return ascii
}

// fqdn ensures name ends with a trailing dot, matching the form decodeName
// always produces for a non-root name on the wire, so names built from
// text sources (the master file) key into the authority table the same
// way names parsed off the wire do.
func fqdn(name string) string {
	if name == "" || strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

// SetReply builds a new reply to req: copies the id, opcode, rd bit and the
// question section verbatim, and sets qr=1/ra=1 as every response path in this
// server does (spec.md §4.2, §4.3).
func SetReply(req *DnsMessage) *DnsMessage {
	return &DnsMessage{
		Header: DnsHeader{
			ID:     req.Header.ID,
			Opcode: req.Header.Opcode,
			RD:     req.Header.RD,
			QR:     true,
			RA:     true,
		},
		Questions: req.Questions,
		Kind:      Reply,
	}
}

// qName returns the name of the first question, or "" if there is none.
// Mirrors the teacher's qName(q *dns.Msg) helper.
func qName(m *DnsMessage) string {
	q, ok := m.Question0()
	if !ok {
		return ""
	}
	return q.Name
}
