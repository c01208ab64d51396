package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/maypok86/otter"

	"github.com/martin-wey/code-context-agent/astgrep"
)

// CacheStats is reported by retrieval_status.
type CacheStats struct {
	Enabled bool  `json:"enabled"`
	Size    int   `json:"size"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// resultCache memoizes runner output per request. A nil *resultCache is a
// disabled cache.
type resultCache struct {
	cache otter.Cache[string, []astgrep.Match]
}

// newResultCache builds a cache of size entries. A ttl of zero keeps
// entries until they are evicted or the cache is cleared.
func newResultCache(size int, ttl time.Duration) (*resultCache, error) {
	builder := otter.MustBuilder[string, []astgrep.Match](size).CollectStats()

	var (
		c   otter.Cache[string, []astgrep.Match]
		err error
	)
	if ttl > 0 {
		c, err = builder.WithTTL(ttl).Build()
	} else {
		c, err = builder.Build()
	}
	if err != nil {
		return nil, err
	}
	return &resultCache{cache: c}, nil
}

// cacheKey identifies a runner request. Path order does not matter.
func cacheKey(backend string, req *astgrep.Request) string {
	paths := append([]string(nil), req.Paths...)
	sort.Strings(paths)

	h := sha256.New()
	for _, part := range []string{backend, req.Root, req.Pattern, req.Language, req.Strictness} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write([]byte(strings.Join(paths, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *resultCache) get(key string) ([]astgrep.Match, bool) {
	if c == nil {
		return nil, false
	}
	return c.cache.Get(key)
}

func (c *resultCache) set(key string, matches []astgrep.Match) {
	if c == nil {
		return
	}
	c.cache.Set(key, matches)
}

func (c *resultCache) clear() {
	if c == nil {
		return
	}
	c.cache.Clear()
}

func (c *resultCache) stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	s := c.cache.Stats()
	return CacheStats{
		Enabled: true,
		Size:    c.cache.Size(),
		Hits:    s.Hits(),
		Misses:  s.Misses(),
	}
}

func (c *resultCache) close() {
	if c == nil {
		return
	}
	c.cache.Close()
}
