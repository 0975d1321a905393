package kdns

import (
	"expvar"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestNextFreeTokenAndNextConnToken_NeverCollide(t *testing.T) {
	l := &EventLoop{
		cfg:       Config{MaxConns: 4},
		nextToken: firstDynamicToken,
		nextConn:  firstDynamicToken,
	}

	seen := make(map[Token]bool)
	for i := 0; i < 20; i++ {
		forwarded := l.nextFreeToken()
		conn := l.nextConnToken()

		require.Zero(t, forwarded&connTokenBit, "a forwarded-request token must never carry connTokenBit")
		require.NotZero(t, conn&connTokenBit, "a TCP connection token must always carry connTokenBit")
		require.NotEqual(t, forwarded, conn)

		seen[forwarded] = true
		seen[conn] = true
	}
	// Both counters wrap modulo MaxConns (4) many times over; the checks
	// inside the loop show the tag bit keeps the two namespaces disjoint
	// regardless of wraparound. No token handed out carries both
	// connTokenBit and timerTokenBit either.
	for tok := range seen {
		require.False(t, tok&connTokenBit != 0 && tok&timerTokenBit != 0)
	}
}

func packTestQuery(t *testing.T, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = 99
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func newTestLoop(maxConns uint32) (*EventLoop, *AnswerCache) {
	cache := NewAnswerCache()
	l := &EventLoop{
		forwarded: make(map[Token]*ForwardedRequest),
		pipeline:  NewPipeline(NewAuthorityTable(nil), cache),
		cache:     cache,
		cfg:       Config{MaxConns: maxConns},
	}
	return l, cache
}

func TestRunPipeline_RecordsCacheMissOnForward(t *testing.T) {
	l, _ := newTestLoop(10)
	metrics := NewMetrics("test_miss_runpipeline")

	before := metrics.CacheMisses.Value()
	reply, forward := l.runPipeline(metrics, packTestQuery(t, "uncached.example."))
	require.True(t, forward)
	require.Nil(t, reply)
	require.Equal(t, before+1, metrics.CacheMisses.Value())
}

func TestRunPipeline_RecordsCacheHitAndRCode(t *testing.T) {
	l, cache := newTestLoop(10)
	metrics := NewMetrics("test_hit_runpipeline")
	cache.Upsert(&CacheEntry{
		Key:     QuestionKey{Name: "cached.example.", Type: TypeA, Class: ClassINET},
		Answers: []ResourceRecord{{Name: "cached.example.", Type: TypeA, Class: ClassINET, TTL: 30}},
		TTL:     30,
		Expiry:  time.Now().Add(30 * time.Second),
	})

	beforeHits := metrics.CacheHits.Value()
	reply, forward := l.runPipeline(metrics, packTestQuery(t, "cached.example."))
	require.False(t, forward)
	require.NotNil(t, reply)
	require.Equal(t, beforeHits+1, metrics.CacheHits.Value())

	rcodeVar := metrics.ResponsesByRCode.Get("0")
	require.NotNil(t, rcodeVar, "a successful cache-hit reply must tally under rcode 0")
	require.IsType(t, &expvar.Int{}, rcodeVar)
	require.Equal(t, int64(1), rcodeVar.(*expvar.Int).Value())
}

func TestRunPipeline_ResourceExhaustionRecordsSystemServfail(t *testing.T) {
	l, _ := newTestLoop(0)
	metrics := NewMetrics("test_exhaust_runpipeline")

	reply, forward := l.runPipeline(metrics, packTestQuery(t, "anything.example."))
	require.False(t, forward)
	require.Equal(t, RCodeServerFailure, reply.Header.RCode)
	require.Equal(t, int64(1), metrics.CacheMisses.Value())
}
