package cache

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"phishwall/pkg/config"
	"phishwall/pkg/logging"
	"phishwall/pkg/policy"

	"github.com/bluele/gcache"
)

var (
	// ErrBlocked is returned by Store for a blocklisted domain
	ErrBlocked = errors.New("domain is blocklisted")

	// ErrInvalidIP is returned by Store when the address is not IPv4
	ErrInvalidIP = errors.New("invalid IPv4 address")
)

// Cache maps normalized domain names to IPv4 addresses for a fixed TTL.
// Capacity is bounded with LRU eviction. It is safe for concurrent use.
type Cache struct {
	items   gcache.Cache
	blocked BlockChecker
	logger  *logging.Logger
	now     func() time.Time
	ttl     time.Duration
	size    int
	stats   cacheStats
}

// entry is the value stored per domain.
type entry struct {
	expiresAt time.Time
	ip        netip.Addr
}

type cacheStats struct {
	hits     atomic.Uint64
	misses   atomic.Uint64
	sets     atomic.Uint64
	rejected atomic.Uint64
}

// Stats returns a copy of the current cache statistics
type Stats struct {
	Hits     uint64
	Misses   uint64
	Sets     uint64
	Rejected uint64
	Entries  int
	HitRate  float64 // hits / (hits + misses)
}

// clockFunc adapts a time source to gcache.Clock so expiry inside gcache uses
// the same clock as Lookup.
type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache holding at most cfg.MaxEntries entries, each valid for
// ttl. blocked is consulted on every Store; it may be nil.
func New(cfg *config.CacheConfig, ttl time.Duration, blocked BlockChecker, logger *logging.Logger, opts ...Option) (*Cache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cache config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max_entries must be positive, got %d", cfg.MaxEntries)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	c := &Cache{
		blocked: blocked,
		logger:  logger,
		now:     time.Now,
		ttl:     ttl,
		size:    cfg.MaxEntries,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.items = gcache.New(cfg.MaxEntries).
		LRU().
		Clock(clockFunc(c.now)).
		Build()

	logger.Info("DNS cache initialized",
		"max_entries", cfg.MaxEntries,
		"ttl", ttl)

	return c, nil
}

// Lookup returns the cached address for domain while it is still valid, that
// is strictly before its expiry time.
func (c *Cache) Lookup(domain string) (netip.Addr, bool) {
	key := policy.Normalize(domain)

	v, err := c.items.Get(key)
	if err != nil {
		if !errors.Is(err, gcache.KeyNotFoundError) {
			c.logger.Warn("Cache lookup failed", "domain", key, "error", err)
		}
		c.stats.misses.Add(1)
		return netip.Addr{}, false
	}

	e, ok := v.(entry)
	if !ok || !c.now().Before(e.expiresAt) {
		c.stats.misses.Add(1)
		return netip.Addr{}, false
	}

	c.stats.hits.Add(1)
	return e.ip, true
}

// Store caches ip for domain until now+ttl. It refuses blocklisted domains
// and anything that is not a plain IPv4 address; a refused store leaves any
// existing entry untouched.
func (c *Cache) Store(domain, ip string) error {
	key := policy.Normalize(domain)

	if c.blocked != nil && c.blocked.IsBlocked(key) {
		c.stats.rejected.Add(1)
		c.logger.Debug("Not caching blocked domain", "domain", key)
		return ErrBlocked
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		c.stats.rejected.Add(1)
		c.logger.Warn("Invalid IP address, not caching",
			"domain", key,
			"ip", ip)
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	e := entry{
		ip:        addr,
		expiresAt: c.now().Add(c.ttl),
	}
	if err := c.items.SetWithExpire(key, e, c.ttl); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}

	c.stats.sets.Add(1)
	return nil
}

// Len returns the number of entries currently held, expired ones included.
func (c *Cache) Len() int {
	return c.items.Len(false)
}

// Capacity returns the maximum number of entries.
func (c *Cache) Capacity() int {
	return c.size
}

// TTL returns the lifetime given to new entries.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.items.Purge()
}

// Stats returns current cache statistics
func (c *Cache) Stats() Stats {
	hits := c.stats.hits.Load()
	misses := c.stats.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:     hits,
		Misses:   misses,
		Sets:     c.stats.sets.Load(),
		Rejected: c.stats.rejected.Load(),
		Entries:  c.Len(),
		HitRate:  hitRate,
	}
}
