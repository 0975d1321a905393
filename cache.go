package kdns

import (
	"sort"
	"sync"
	"time"
)

// CacheEntry is a set of cached answer records sharing one absolute expiry
// (spec.md §3). TTL is the TTL the records were inserted with; RemainingTTL
// derives the adjusted per-read value.
type CacheEntry struct {
	Key     QuestionKey
	Answers []ResourceRecord
	TTL     uint32
	Expiry  time.Time
}

// RemainingTTL returns max(0, expiry-now) in whole seconds, per spec.md §3.
func (e *CacheEntry) RemainingTTL(now time.Time) uint32 {
	remaining := e.Expiry.Sub(now)
	if remaining <= 0 {
		return 0
	}
	secs := int64(remaining / time.Second)
	if secs > int64(^uint32(0)) {
		secs = int64(^uint32(0))
	}
	return uint32(secs)
}

// expired reports whether e has no time remaining as of now.
func (e *CacheEntry) expired(now time.Time) bool {
	return !e.Expiry.After(now)
}

type orderedEntry struct {
	key    QuestionKey
	expiry time.Time
}

// AnswerCache is the TTL-indexed answer cache (spec.md §4.2): a map from
// QuestionKey to CacheEntry, plus a single ordered index of (expiry, key)
// kept in ascending expiry order so remove_expired never scans the whole
// map — it only ever looks at the front of order, per the teacher's
// `cache-memory.go` GC-sweep shape generalized per spec.md §9's guidance
// to use one ordered structure instead of a parallel LRU list.
//
// Safe for concurrent use: Get takes the shared lock, Upsert and
// RemoveExpired take the exclusive lock. Never held across I/O.
type AnswerCache struct {
	mu      sync.RWMutex
	entries map[QuestionKey]*CacheEntry
	order   []orderedEntry
}

// NewAnswerCache returns an empty cache.
func NewAnswerCache() *AnswerCache {
	return &AnswerCache{
		entries: make(map[QuestionKey]*CacheEntry),
	}
}

// Get returns a snapshot of the cached entry for key, or ok=false if there
// is none or it has expired. Expired entries are never returned, but Get
// does not itself evict them — that is RemoveExpired's job, since Get only
// holds the shared (read) lock (spec.md §4.2, §5: "a writer MUST NOT hold
// the lock across any I/O" — symmetrically, a reader never upgrades).
func (c *AnswerCache) Get(key QuestionKey) (*CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(time.Now()) {
		return nil, false
	}
	snapshot := &CacheEntry{
		Key:     entry.Key,
		Answers: entry.Answers,
		TTL:     entry.TTL,
		Expiry:  entry.Expiry,
	}
	return snapshot, true
}

// Upsert inserts or replaces entry, evicting all strictly-expired entries
// first (spec.md §4.2).
func (c *AnswerCache) Upsert(entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeExpiredLocked(time.Now())

	if old, ok := c.entries[entry.Key]; ok {
		c.removeOrderLocked(old.Key, old.Expiry)
	}
	c.entries[entry.Key] = entry
	c.insertOrderLocked(entry.Key, entry.Expiry)
}

// RemoveExpired purges every entry whose expiry has passed and returns how
// many were purged (spec.md §4.2).
func (c *AnswerCache) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeExpiredLocked(time.Now())
}

func (c *AnswerCache) removeExpiredLocked(now time.Time) int {
	count := 0
	for len(c.order) > 0 && !c.order[0].expiry.After(now) {
		delete(c.entries, c.order[0].key)
		c.order = c.order[1:]
		count++
	}
	return count
}

func (c *AnswerCache) insertOrderLocked(key QuestionKey, expiry time.Time) {
	idx := sort.Search(len(c.order), func(i int) bool {
		return !c.order[i].expiry.Before(expiry)
	})
	c.order = append(c.order, orderedEntry{})
	copy(c.order[idx+1:], c.order[idx:])
	c.order[idx] = orderedEntry{key: key, expiry: expiry}
}

func (c *AnswerCache) removeOrderLocked(key QuestionKey, expiry time.Time) {
	idx := sort.Search(len(c.order), func(i int) bool {
		return !c.order[i].expiry.Before(expiry)
	})
	for i := idx; i < len(c.order) && c.order[i].expiry.Equal(expiry); i++ {
		if c.order[i].key == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// ReplyFromCacheHit builds a reply DnsMessage from a cache entry, adjusting
// every answer's TTL down to the entry's remaining TTL, copying the id and
// question verbatim from req and setting qr=1, ra=1 (spec.md §4.2).
func ReplyFromCacheHit(req *DnsMessage, entry *CacheEntry) *DnsMessage {
	remaining := entry.RemainingTTL(time.Now())
	answers := make([]ResourceRecord, len(entry.Answers))
	for i, rr := range entry.Answers {
		answers[i] = rr
		answers[i].TTL = remaining
	}
	reply := SetReply(req)
	reply.Header.RCode = RCodeSuccess
	reply.Answers = answers
	return reply
}
