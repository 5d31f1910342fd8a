package main

import (
	"crypto/sha512"
	"encoding/binary"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/simplelru"
	"github.com/jedisct1/dlog"
	clocksmith "github.com/jedisct1/go-clocksmith"

	"github.com/burrowdns/burrow/dnsmsg"
)

const cacheShardCount = 16

type CachedResponse struct {
	expiration time.Time
	msg        *dnsmsg.Msg
}

type cacheShard struct {
	sync.Mutex
	entries *lru.LRU
}

// Cache holds complete responses keyed by (name, type, class). Keys are
// spread over independently locked shards, each bounded by an LRU store,
// so lookups for unrelated names never contend on one lock.
type Cache struct {
	shards    [cacheShardCount]*cacheShard
	minTTL    uint32
	maxTTL    uint32
	negMinTTL uint32
	negMaxTTL uint32
	disabled  bool
}

func NewCache(size int, minTTL, maxTTL, negMinTTL, negMaxTTL uint32) (*Cache, error) {
	cache := &Cache{
		minTTL:    minTTL,
		maxTTL:    maxTTL,
		negMinTTL: negMinTTL,
		negMaxTTL: negMaxTTL,
	}
	shardSize := Max(size/cacheShardCount, 1)
	for i := range cache.shards {
		entries, err := lru.NewLRU(shardSize, nil)
		if err != nil {
			return nil, err
		}
		cache.shards[i] = &cacheShard{entries: entries}
	}
	return cache, nil
}

func computeCacheKey(question dnsmsg.Question) [32]byte {
	h := sha512.New512_256()
	var tmp [4]byte
	binary.LittleEndian.PutUint16(tmp[0:2], uint16(question.Type))
	binary.LittleEndian.PutUint16(tmp[2:4], uint16(question.Class))
	h.Write(tmp[:])
	h.Write([]byte(dnsmsg.CanonicalName(question.Name)))
	var sum [32]byte
	h.Sum(sum[:0])
	return sum
}

func (cache *Cache) shardFor(cacheKey [32]byte) *cacheShard {
	return cache.shards[int(cacheKey[0])%cacheShardCount]
}

// Get returns a copy of the cached response for question with every TTL
// rewritten to the remaining lifetime. An entry found expired is removed
// before reporting a miss.
func (cache *Cache) Get(question dnsmsg.Question) (*dnsmsg.Msg, bool) {
	if cache.disabled {
		return nil, false
	}
	cacheKey := computeCacheKey(question)
	shard := cache.shardFor(cacheKey)
	shard.Lock()
	value, ok := shard.entries.Get(cacheKey)
	if ok && time.Now().After(value.(CachedResponse).expiration) {
		shard.entries.Remove(cacheKey)
		ok = false
	}
	shard.Unlock()
	if !ok {
		return nil, false
	}
	cached := value.(CachedResponse)
	msg := cached.msg.Copy()
	updateTTL(msg, cached.expiration)
	return msg, true
}

// Put caches a response under the (name, type, class) of question. The
// entry lifetime is the smallest record TTL clamped between the configured
// floor and ceiling; negative responses use the negative bounds. Truncated
// responses are never cached.
func (cache *Cache) Put(question dnsmsg.Question, msg *dnsmsg.Msg) {
	if cache.disabled || msg.Truncated {
		return
	}
	if msg.Rcode != dnsmsg.RcodeSuccess && msg.Rcode != dnsmsg.RcodeNameError {
		return
	}
	ttl := getMinTTL(msg, cache.minTTL, cache.maxTTL, cache.negMinTTL, cache.negMaxTTL)
	cacheKey := computeCacheKey(question)
	cached := CachedResponse{
		expiration: time.Now().Add(ttl),
		msg:        msg.Copy(),
	}
	shard := cache.shardFor(cacheKey)
	shard.Lock()
	shard.entries.Add(cacheKey, cached)
	shard.Unlock()
}

// PutNegative caches a name-error marker for question. The lifetime comes
// from the zone SOA when one is supplied, otherwise the negative floor.
func (cache *Cache) PutNegative(question dnsmsg.Question, soa *dnsmsg.RR) {
	msg := &dnsmsg.Msg{
		Response:           true,
		RecursionAvailable: true,
		Rcode:              dnsmsg.RcodeNameError,
		Question:           []dnsmsg.Question{question},
	}
	if soa != nil {
		msg.Ns = append(msg.Ns, *soa)
	}
	cache.Put(question, msg)
}

func (cache *Cache) sweepExpired() int {
	now := time.Now()
	swept := 0
	for _, shard := range cache.shards {
		shard.Lock()
		for _, key := range shard.entries.Keys() {
			value, ok := shard.entries.Peek(key)
			if !ok {
				continue
			}
			if now.After(value.(CachedResponse).expiration) {
				shard.entries.Remove(key)
				swept++
			}
		}
		shard.Unlock()
	}
	return swept
}

func (cache *Cache) sweepLoop(interval time.Duration) {
	for {
		clocksmith.Sleep(interval)
		if swept := cache.sweepExpired(); swept > 0 {
			dlog.Debugf("Cache sweep removed %d expired entries", swept)
		}
	}
}
