package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// cacheTTL is how long a native cache handle stays valid before it is
// discarded regardless of content.
const cacheTTL = 60 * time.Minute

// cacheState tracks one native context-cache handle: its opaque provider ID,
// the content hash it was built from, and its creation time. Backends that
// support native caching consult it before every call.
type cacheState struct {
	mu        sync.Mutex
	handle    string
	hash      string
	createdAt time.Time
	now       func() time.Time
}

func newCacheState() *cacheState {
	return &cacheState{now: time.Now}
}

// current returns the live handle for hash, or "" when a new cache must be
// created (no handle, content changed, or TTL elapsed).
func (c *cacheState) current(hash string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == "" || c.hash != hash {
		return ""
	}
	if c.now().Sub(c.createdAt) >= cacheTTL {
		return ""
	}
	return c.handle
}

// store records a freshly created handle.
func (c *cacheState) store(handle, hash string) {
	c.mu.Lock()
	c.handle = handle
	c.hash = hash
	c.createdAt = c.now()
	c.mu.Unlock()
}

// take clears and returns the stored handle so the caller can delete it
// remotely.
func (c *cacheState) take() string {
	c.mu.Lock()
	h := c.handle
	c.handle, c.hash = "", ""
	c.mu.Unlock()
	return h
}

// contentHash fingerprints the cacheable context part.
func contentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
