package edgeserve

// CacheStub satisfies the Cache API with edge-less semantics: every match
// misses, every put is accepted and dropped, every delete reports false.
// Scripts that treat the cache as an optimization behave correctly against
// it; there is no local edge cache to emulate faithfully.
type CacheStub struct{}

// NewCacheStub returns the always-miss cache.
func NewCacheStub() *CacheStub { return &CacheStub{} }

func (CacheStub) Match(cacheName, url string) (*CacheEntry, error) { return nil, nil }

func (CacheStub) Put(cacheName, url string, entry *CacheEntry) error { return nil }

func (CacheStub) Delete(cacheName, url string) (bool, error) { return false, nil }

// ResolveCache lets the stub double as its own provider.
func (c *CacheStub) ResolveCache() CacheStore { return c }
