// Package resolver resolves the host names of DoH endpoints and list URLs
// through fixed bootstrap DNS servers, so the forwarder never depends on the
// host resolver (which may well be phishwall itself).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"phishwall/pkg/logging"

	"github.com/miekg/dns"
)

// minCacheTTL bounds how often the same host is re-resolved.
const minCacheTTL = 30 * time.Second

// Resolver looks up A records over plain DNS against bootstrap servers.
type Resolver struct {
	logger  *logging.Logger
	dialer  *net.Dialer
	client  *dns.Client
	servers []string
	strict  bool
	now     func() time.Time

	mu    sync.Mutex
	hosts map[string]hostEntry
}

type hostEntry struct {
	expiresAt time.Time
	addrs     []netip.Addr
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStrict disables the fallback to the system resolver.
func WithStrict() Option {
	return func(r *Resolver) { r.strict = true }
}

// WithQueryTimeout sets the timeout of a single bootstrap query.
func WithQueryTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.client.Timeout = d }
}

// New creates a resolver using the given bootstrap servers (host:port). With
// no servers it always uses the system resolver.
//
// Example:
//
//	r := resolver.New([]string{"1.1.1.1:53", "8.8.8.8:53"}, logger)
func New(servers []string, logger *logging.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = logging.NewDiscard()
	}

	r := &Resolver{
		logger:  logger,
		servers: servers,
		now:     time.Now,
		hosts:   make(map[string]hostEntry),
		client: &dns.Client{
			Net:     "udp",
			Timeout: 2 * time.Second,
		},
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(servers) == 0 {
		logger.Warn("No bootstrap DNS servers configured, using system default resolver")
	} else {
		logger.Info("Bootstrap resolver initialized", "servers", servers, "strict", r.strict)
	}

	return r
}

// LookupHost returns the IPv4 addresses of host. IP literals are returned
// as-is. Answers are cached for their TTL, at least minCacheTTL.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	fqdn := dns.Fqdn(host)
	if addrs, ok := r.cached(fqdn); ok {
		return addrs, nil
	}

	if len(r.servers) == 0 {
		return r.system(ctx, host)
	}

	var lastErr error
	for idx, server := range r.servers {
		addrs, ttl, err := r.query(ctx, fqdn, server)
		if err != nil {
			lastErr = err
			r.logger.Warn("Bootstrap resolution attempt failed",
				"host", host,
				"server", server,
				"attempt", idx+1,
				"error", err)
			continue
		}

		r.store(fqdn, addrs, ttl)
		r.logger.Debug("Bootstrap resolution successful",
			"host", host,
			"server", server,
			"addrs", addrs)
		return addrs, nil
	}

	if r.strict {
		return nil, fmt.Errorf("failed to resolve %s via bootstrap servers (strict mode): %w", host, lastErr)
	}

	r.logger.Warn("All bootstrap DNS servers failed, falling back to system resolver",
		"host", host,
		"attempts", len(r.servers),
		"error", lastErr)

	addrs, err := r.system(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, errors.Join(lastErr, err))
	}
	return addrs, nil
}

// DialContext dials addr, resolving its host through LookupHost and trying
// each address in turn. It is compatible with http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}

	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, a := range addrs {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(a.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to dial %s: %w", addr, lastErr)
}

// Servers returns the configured bootstrap servers
func (r *Resolver) Servers() []string {
	return r.servers
}

func (r *Resolver) query(ctx context.Context, fqdn, server string) ([]netip.Addr, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("bootstrap server returned %s", dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	ttl := uint32(0)
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			continue
		}
		if len(addrs) == 0 || a.Hdr.Ttl < ttl {
			ttl = a.Hdr.Ttl
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, 0, fmt.Errorf("no A records for %s", fqdn)
	}

	return addrs, time.Duration(ttl) * time.Second, nil
}

func (r *Resolver) system(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %s", host)
	}
	return addrs, nil
}

func (r *Resolver) cached(fqdn string) ([]netip.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.hosts[fqdn]
	if !ok || !r.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.addrs, true
}

func (r *Resolver) store(fqdn string, addrs []netip.Addr, ttl time.Duration) {
	if ttl < minCacheTTL {
		ttl = minCacheTTL
	}

	r.mu.Lock()
	r.hosts[fqdn] = hostEntry{addrs: addrs, expiresAt: r.now().Add(ttl)}
	r.mu.Unlock()
}
