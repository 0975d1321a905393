package kdns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testKey(name string) QuestionKey {
	return QuestionKey{Name: NormalizeName(name), Type: TypeA, Class: ClassINET}
}

func TestAnswerCache_UpsertThenGet(t *testing.T) {
	c := NewAnswerCache()
	key := testKey("example.com.")
	c.Upsert(&CacheEntry{
		Key:     key,
		Answers: []ResourceRecord{{Name: "example.com.", Type: TypeA, Class: ClassINET, TTL: 10}},
		TTL:     10,
		Expiry:  time.Now().Add(10 * time.Second),
	})

	entry, ok := c.Get(key)
	require.True(t, ok)
	require.Len(t, entry.Answers, 1)
}

func TestAnswerCache_ExpiredEntryIsAbsent(t *testing.T) {
	c := NewAnswerCache()
	key := testKey("expired.example.")
	c.Upsert(&CacheEntry{
		Key:    key,
		TTL:    0,
		Expiry: time.Now().Add(-1 * time.Second),
	})

	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestAnswerCache_RemoveExpired_CountsAndStopsAtFirstLive(t *testing.T) {
	c := NewAnswerCache()
	now := time.Now()
	c.Upsert(&CacheEntry{Key: testKey("a.example."), Expiry: now.Add(5 * time.Millisecond)})
	c.Upsert(&CacheEntry{Key: testKey("b.example."), Expiry: now.Add(50 * time.Millisecond)})
	c.Upsert(&CacheEntry{Key: testKey("c.example."), Expiry: now.Add(100 * time.Millisecond)})

	time.Sleep(75 * time.Millisecond)

	count := c.RemoveExpired()
	require.Equal(t, 2, count)

	_, ok := c.Get(testKey("c.example."))
	require.True(t, ok)
	_, ok = c.Get(testKey("a.example."))
	require.False(t, ok)
	_, ok = c.Get(testKey("b.example."))
	require.False(t, ok)
}

func TestAnswerCache_UpsertReplacesExistingKey(t *testing.T) {
	c := NewAnswerCache()
	key := testKey("replace.example.")
	c.Upsert(&CacheEntry{Key: key, TTL: 10, Expiry: time.Now().Add(10 * time.Second)})
	c.Upsert(&CacheEntry{
		Key:     key,
		TTL:     20,
		Expiry:  time.Now().Add(20 * time.Second),
		Answers: []ResourceRecord{{Name: "replace.example.", Type: TypeA, Class: ClassINET}},
	})

	entry, ok := c.Get(key)
	require.True(t, ok)
	require.Len(t, entry.Answers, 1)
	require.Len(t, c.order, 1, "replacing a key must not leave a stale order entry behind")
}

func TestReplyFromCacheHit_AdjustsTTLDownAndCopiesID(t *testing.T) {
	req := &DnsMessage{
		Header:    DnsHeader{ID: 0x0871, RD: true},
		Questions: []Question{{Name: "example.com.", Type: TypeA, Class: ClassINET}},
	}
	entry := &CacheEntry{
		Answers: []ResourceRecord{
			{Name: "example.com.", Type: TypeA, Class: ClassINET, TTL: 10, RData: []byte{1, 2, 3, 4}},
		},
		Expiry: time.Now().Add(5 * time.Second),
	}
	reply := ReplyFromCacheHit(req, entry)
	require.Equal(t, uint16(0x0871), reply.Header.ID)
	require.True(t, reply.Header.QR)
	require.True(t, reply.Header.RA)
	require.Len(t, reply.Answers, 1)
	require.LessOrEqual(t, reply.Answers[0].TTL, uint32(5))
}
