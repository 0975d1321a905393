package kdns

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = 0x0871
	m.RecursionDesired = true
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func TestPipeline_AuthoritativeHitShortCircuits(t *testing.T) {
	key := QuestionKey{Name: "example.org.", Type: TypeA, Class: ClassINET}
	rr := ResourceRecord{Name: "example.org.", Type: TypeA, Class: ClassINET, TTL: 300, RData: []byte{93, 184, 216, 34}}
	authority := NewAuthorityTable(map[QuestionKey]ResourceRecord{key: rr})
	pipeline := NewPipeline(authority, NewAnswerCache())

	result := pipeline.Process(packQuery(t, "example.org.", dns.TypeA))
	require.False(t, result.Forward)
	require.False(t, result.Drop)
	require.Equal(t, ProvenanceAuthoritative, result.Provenance)
	require.True(t, result.Response.Header.AA)
	require.Len(t, result.Response.Answers, 1)
}

func TestPipeline_CacheHitBeforeForward(t *testing.T) {
	cache := NewAnswerCache()
	key := QuestionKey{Name: "example.com.", Type: TypeA, Class: ClassINET}
	cache.Upsert(&CacheEntry{
		Key:     key,
		Answers: []ResourceRecord{{Name: "example.com.", Type: TypeA, Class: ClassINET, TTL: 10}, {Name: "example.com.", Type: TypeA, Class: ClassINET, TTL: 10}, {Name: "example.com.", Type: TypeA, Class: ClassINET, TTL: 10}},
		TTL:     10,
		Expiry:  time.Now().Add(10 * time.Second),
	})
	pipeline := NewPipeline(NewAuthorityTable(nil), cache)

	result := pipeline.Process(packQuery(t, "example.com.", dns.TypeA))
	require.Equal(t, ProvenanceCache, result.Provenance)
	require.Equal(t, uint16(0x0871), result.Response.Header.ID)
	require.Len(t, result.Response.Answers, 3)
}

func TestPipeline_NoHitSignalsForward(t *testing.T) {
	pipeline := NewPipeline(NewAuthorityTable(nil), NewAnswerCache())
	raw := packQuery(t, "unknown.example.", dns.TypeA)

	result := pipeline.Process(raw)
	require.True(t, result.Forward)
	require.NotNil(t, result.Query)
	require.Equal(t, raw, result.RawQuery)
}

func TestPipeline_MalformedQueryProducesFormatError(t *testing.T) {
	pipeline := NewPipeline(NewAuthorityTable(nil), NewAnswerCache())
	result := pipeline.Process([]byte{0x12, 0x34, 1, 2, 3, 4, 5, 6})
	require.False(t, result.Forward)
	require.False(t, result.Drop)
	require.Equal(t, uint16(0x1234), result.Response.Header.ID)
	require.True(t, result.Response.Header.QR)
	require.Contains(t, []uint8{RCodeFormatError, RCodeServerFailure}, result.Response.Header.RCode)
}

func TestPipeline_TooFewBytesDrops(t *testing.T) {
	pipeline := NewPipeline(NewAuthorityTable(nil), NewAnswerCache())
	result := pipeline.Process([]byte{0x01})
	require.True(t, result.Drop)
	require.Nil(t, result.Response)
}
