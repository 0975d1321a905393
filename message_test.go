package kdns

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewQuestionKey_CaseInsensitiveName(t *testing.T) {
	a := NewQuestionKey(Question{Name: "Example.COM.", Type: TypeA, Class: ClassINET})
	b := NewQuestionKey(Question{Name: "example.com.", Type: TypeA, Class: ClassINET})
	require.Equal(t, a, b)
}

func TestNewQuestionKey_DistinctType(t *testing.T) {
	a := NewQuestionKey(Question{Name: "example.com.", Type: TypeA, Class: ClassINET})
	b := NewQuestionKey(Question{Name: "example.com.", Type: TypeAAAA, Class: ClassINET})
	require.NotEqual(t, a, b)
}

func TestSetReply_CopiesIDAndQuestion(t *testing.T) {
	req := &DnsMessage{
		Header:    DnsHeader{ID: 0x0871, RD: true},
		Questions: []Question{{Name: "example.com.", Type: TypeA, Class: ClassINET}},
		Kind:      Query,
	}
	reply := SetReply(req)
	require.Equal(t, req.Header.ID, reply.Header.ID)
	require.True(t, reply.Header.QR)
	require.True(t, reply.Header.RA)
	require.Equal(t, req.Questions, reply.Questions)
	require.Equal(t, Reply, reply.Kind)
}
