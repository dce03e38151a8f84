package permission

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/odysseyml/odyssey/pkg/types"
)

// DecisionCache remembers allowed outcomes per session and request key
// so a repeated identical request skips the hook chain entirely.
// Denials are never cached; a later rule or approval may overturn them.
type DecisionCache struct {
	cache *ristretto.Cache[string, types.PermissionOutcome]
	ttl   time.Duration

	mu   sync.Mutex
	keys map[types.SessionID][]string
}

// NewDecisionCache builds a cache with the given cost budget and TTL.
func NewDecisionCache(maxCost int64, ttl time.Duration) (*DecisionCache, error) {
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, types.PermissionOutcome]{
		NumCounters: maxCost / 100 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &DecisionCache{
		cache: cache,
		ttl:   ttl,
		keys:  make(map[types.SessionID][]string),
	}, nil
}

func cacheKey(session types.SessionID, req types.PermissionRequest) string {
	return session.String() + "|" + req.Key()
}

// Get returns the cached outcome for the request, if any.
func (c *DecisionCache) Get(session types.SessionID, req types.PermissionRequest) (types.PermissionOutcome, bool) {
	return c.cache.Get(cacheKey(session, req))
}

// Put stores an allowed outcome. Denied outcomes are ignored.
func (c *DecisionCache) Put(session types.SessionID, req types.PermissionRequest, outcome types.PermissionOutcome) {
	if !outcome.Allowed {
		return
	}
	key := cacheKey(session, req)

	c.mu.Lock()
	c.keys[session] = append(c.keys[session], key)
	c.mu.Unlock()

	c.cache.SetWithTTL(key, outcome, int64(len(key)), c.ttl)
	// Wait lets tests observe the write immediately.
	c.cache.Wait()
}

// Forget drops every cached outcome for the session.
func (c *DecisionCache) Forget(session types.SessionID) {
	c.mu.Lock()
	keys := c.keys[session]
	delete(c.keys, session)
	c.mu.Unlock()

	for _, key := range keys {
		c.cache.Del(key)
	}
}

// Close releases the cache's resources.
func (c *DecisionCache) Close() {
	c.cache.Close()
}
