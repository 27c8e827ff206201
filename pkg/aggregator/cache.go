package aggregator

import (
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/edgeopslabs/blah/pkg/manifest"
	"github.com/zeebo/blake3"
)

// Fingerprint is the blake3 digest of the manifest's JSON form.
func Fingerprint(m *manifest.Manifest) string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DefaultRemoteTTL is how long an entry that read a manifest over HTTP is
// served before it is aggregated again.
const DefaultRemoteTTL = 5 * time.Minute

// Cache keeps the last aggregation per manifest reference. The entry map
// is copied on write and swapped atomically, so readers never observe a
// partial update. Entries built from remote manifests expire after the
// remote TTL; local ones live until the watcher invalidates them.
type Cache struct {
	entries   atomic.Pointer[map[string]*Result]
	remoteTTL time.Duration
	now       func() time.Time
}

type CacheOption func(*Cache)

func WithRemoteTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.remoteTTL = ttl
		}
	}
}

func withClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{remoteTTL: DefaultRemoteTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	empty := make(map[string]*Result)
	c.entries.Store(&empty)
	return c
}

// Key is the cache key of ref. Inline manifests are keyed by content.
func Key(ref manifest.Ref) string {
	if ref.Inline != nil {
		return "inline:" + Fingerprint(ref.Inline)
	}
	return ref.String()
}

func (c *Cache) Get(ref manifest.Ref) (*Result, bool) {
	if c == nil {
		return nil, false
	}
	res, ok := (*c.entries.Load())[Key(ref)]
	if !ok || c.expired(res) {
		return nil, false
	}
	return res, true
}

func (c *Cache) expired(res *Result) bool {
	for _, source := range res.Sources {
		if manifest.IsURL(source) {
			return c.now().Sub(res.At) > c.remoteTTL
		}
	}
	return false
}

func (c *Cache) Put(ref manifest.Ref, res *Result) {
	if c == nil {
		return
	}
	key := Key(ref)
	c.update(func(entries map[string]*Result) { entries[key] = res })
}

// Invalidate drops the entry of ref.
func (c *Cache) Invalidate(ref manifest.Ref) {
	if c == nil {
		return
	}
	key := Key(ref)
	c.update(func(entries map[string]*Result) { delete(entries, key) })
}

// InvalidateSource drops every entry that read location while resolving
// and returns the dropped entries.
func (c *Cache) InvalidateSource(location string) []*Result {
	if c == nil {
		return nil
	}
	var dropped []*Result
	c.update(func(entries map[string]*Result) {
		dropped = dropped[:0]
		for key, res := range entries {
			for _, source := range res.Sources {
				if source == location {
					dropped = append(dropped, res)
					delete(entries, key)
					break
				}
			}
		}
	})
	return dropped
}

// Sources lists every local file read by a cached entry.
func (c *Cache) Sources() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]bool)
	var sources []string
	for _, res := range *c.entries.Load() {
		for _, source := range res.Sources {
			if manifest.IsURL(source) || seen[source] {
				continue
			}
			seen[source] = true
			sources = append(sources, source)
		}
	}
	return sources
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(*c.entries.Load())
}

func (c *Cache) update(fn func(map[string]*Result)) {
	for {
		current := c.entries.Load()
		next := make(map[string]*Result, len(*current)+1)
		for key, res := range *current {
			next[key] = res
		}
		fn(next)
		if c.entries.CompareAndSwap(current, &next) {
			return
		}
	}
}
