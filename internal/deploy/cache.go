package deploy

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

// DefaultCacheTTL is how long an in-process deployment entry stays valid
const DefaultCacheTTL = 5 * time.Minute

const defaultCacheSize = 1024

// Cache holds recent successful deployments by key
type Cache interface {
	Get(key string) (domain.Deployment, bool)
	Set(key string, d domain.Deployment)
	TTL() time.Duration
}

// TTLCache is a size-bounded in-process Cache with per-entry expiry
type TTLCache struct {
	lru *expirable.LRU[string, domain.Deployment]
	ttl time.Duration
}

// NewTTLCache creates a TTLCache; ttl <= 0 uses DefaultCacheTTL
func NewTTLCache(ttl time.Duration) *TTLCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &TTLCache{
		lru: expirable.NewLRU[string, domain.Deployment](defaultCacheSize, nil, ttl),
		ttl: ttl,
	}
}

func (c *TTLCache) Get(key string) (domain.Deployment, bool) { return c.lru.Get(key) }
func (c *TTLCache) Set(key string, d domain.Deployment)      { c.lru.Add(key, d) }
func (c *TTLCache) TTL() time.Duration                       { return c.ttl }

// Target identifies what is being deployed
type Target struct {
	RepoURL     string
	Branch      string
	ProjectName string
}

// Key returns the cache key for t
func (t Target) Key() string {
	return strings.ToLower(t.RepoURL + ":" + t.Branch + ":" + t.ProjectName)
}

// keyedMutex hands out one mutex per key and forgets idle keys
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
