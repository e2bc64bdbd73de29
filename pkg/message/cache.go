package message

import (
	"encoding/binary"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

type cacheKey struct {
	src Address
	seq uint32
}

// MessageCache remembers the (SRC, SEQ) pairs of recently accepted PDUs
// (Mesh Profile Section 3.4.6.7). It holds a fixed number of entries and
// evicts the oldest; lookups do not refresh an entry's position.
type MessageCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU
}

// NewMessageCache creates a cache holding at most size entries.
func NewMessageCache(size int) (*MessageCache, error) {
	lru, err := simplelru.NewLRU(size, nil)
	if err != nil {
		return nil, err
	}
	return &MessageCache{lru: lru}, nil
}

// Match reports whether (src, seq) is cached.
func (c *MessageCache) Match(src Address, seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(cacheKey{src, seq})
}

// Add records (src, seq), evicting the oldest entry when full.
func (c *MessageCache) Add(src Address, seq uint32) {
	c.mu.Lock()
	c.lru.Add(cacheKey{src, seq}, struct{}{})
	c.mu.Unlock()
}

// CheckAndAdd records (src, seq) and reports whether it was already cached.
// A cached pair keeps its position.
func (c *MessageCache) CheckAndAdd(src Address, seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{src, seq}
	if c.lru.Contains(key) {
		return true
	}
	c.lru.Add(key, struct{}{})
	return false
}

// Remove forgets (src, seq) so that a retransmission is processed again.
func (c *MessageCache) Remove(src Address, seq uint32) {
	c.mu.Lock()
	c.lru.Remove(cacheKey{src, seq})
	c.mu.Unlock()
}

// Clear empties the cache.
func (c *MessageCache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// DuplicateCache filters identical raw PDUs arriving on the advertising
// bearer before any decryption is attempted. Entries are 32-bit digests of
// the trailing PDU bytes.
type DuplicateCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU
}

// NewDuplicateCache creates a cache holding at most size digests.
func NewDuplicateCache(size int) (*DuplicateCache, error) {
	lru, err := simplelru.NewLRU(size, nil)
	if err != nil {
		return nil, err
	}
	return &DuplicateCache{lru: lru}, nil
}

// DuplicateDigest folds the last 8 bytes of a raw PDU into 32 bits:
// BE32(pdu[len-4:]) XOR BE32(pdu[len-8:len-4]). These bytes are always
// ciphertext or NetMIC.
func DuplicateDigest(raw []byte) uint32 {
	n := len(raw)
	if n < DigestSize {
		return 0
	}
	return binary.BigEndian.Uint32(raw[n-4:]) ^ binary.BigEndian.Uint32(raw[n-8:n-4])
}

// Check reports whether raw was seen recently, and records it if not.
func (c *DuplicateCache) Check(raw []byte) bool {
	d := DuplicateDigest(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Contains(d) {
		return true
	}
	c.lru.Add(d, struct{}{})
	return false
}

// Clear empties the cache.
func (c *DuplicateCache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}
