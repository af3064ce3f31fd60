package cache

import "net/netip"

// BlockChecker is the part of the domain policy the cache consults before
// storing.
type BlockChecker interface {
	IsBlocked(domain string) bool
}

// Interface is what the request handler needs from a resolution cache.
type Interface interface {
	// Lookup returns the cached address for domain if it is still valid
	Lookup(domain string) (netip.Addr, bool)

	// Store caches ip for domain unless the domain is blocked or ip is not IPv4
	Store(domain, ip string) error

	// Len returns the number of entries held
	Len() int
}

var _ Interface = (*Cache)(nil)
