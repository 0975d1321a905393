package kdns

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthorityTable_Lookup(t *testing.T) {
	key := QuestionKey{Name: "example.org.", Type: TypeA, Class: ClassINET}
	rr := ResourceRecord{Name: "example.org.", Type: TypeA, Class: ClassINET, TTL: 300, RData: []byte{93, 184, 216, 34}}
	table := NewAuthorityTable(map[QuestionKey]ResourceRecord{key: rr})

	got, ok := table.Lookup(key)
	require.True(t, ok)
	require.Equal(t, rr, got)

	_, ok = table.Lookup(QuestionKey{Name: "other.org.", Type: TypeA, Class: ClassINET})
	require.False(t, ok)
}

func TestReplyFromAuthorityHit_SetsAA(t *testing.T) {
	req := &DnsMessage{
		Header:    DnsHeader{ID: 7, RD: true},
		Questions: []Question{{Name: "example.org.", Type: TypeA, Class: ClassINET}},
	}
	rr := ResourceRecord{Name: "example.org.", Type: TypeA, Class: ClassINET, TTL: 300, RData: []byte{93, 184, 216, 34}}

	reply := ReplyFromAuthorityHit(req, rr)
	require.True(t, reply.Header.AA)
	require.True(t, reply.Header.RA)
	require.Equal(t, RCodeSuccess, reply.Header.RCode)
	require.Equal(t, []ResourceRecord{rr}, reply.Answers)
}
