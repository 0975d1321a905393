package kdns

// AuthorityTable is a read-only mapping from QuestionKey to the single
// record this server answers authoritatively for (spec.md §4.3). It is
// populated once, at startup, by LoadMasterFile, and never mutated by the
// request path — so unlike AnswerCache it needs no lock.
type AuthorityTable struct {
	records map[QuestionKey]ResourceRecord
}

// NewAuthorityTable wraps a pre-built record set. Nil is treated as empty.
func NewAuthorityTable(records map[QuestionKey]ResourceRecord) *AuthorityTable {
	if records == nil {
		records = make(map[QuestionKey]ResourceRecord)
	}
	return &AuthorityTable{records: records}
}

// Lookup returns the record for key, if this server is authoritative for it.
func (a *AuthorityTable) Lookup(key QuestionKey) (ResourceRecord, bool) {
	rr, ok := a.records[key]
	return rr, ok
}

// ReplyFromAuthorityHit builds a reply carrying rr as the sole answer, with
// aa=1, ra=1, rcode=0 (spec.md §4.3).
func ReplyFromAuthorityHit(req *DnsMessage, rr ResourceRecord) *DnsMessage {
	reply := SetReply(req)
	reply.Header.AA = true
	reply.Header.RCode = RCodeSuccess
	reply.Answers = []ResourceRecord{rr}
	return reply
}
