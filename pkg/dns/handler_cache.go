package dns

import (
	"context"
	"time"

	"phishwall/pkg/storage"

	"github.com/miekg/dns"
)

// serveFromCache answers A queries from the cache. Only A answers are ever
// cached, so other types always miss.
func (h *Handler) serveFromCache(ctx context.Context, w ResponseWriter, req *dns.Msg, domain string, qtype uint16, outcome *serveDNSOutcome) bool {
	if h.Cache == nil || qtype != dns.TypeA {
		return false
	}

	ip, ok := h.Cache.Lookup(domain)
	h.recordCacheLookup(ctx, ok)
	if !ok {
		return false
	}

	outcome.outcome = storage.OutcomeCached
	outcome.cached = true
	outcome.responseCode = dns.RcodeSuccess
	h.writeMsg(w, cachedReply(req, ip, ttlSeconds(h.CacheTTL)))
	return true
}

// ttlSeconds converts d to a record TTL.
func ttlSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Second)
}
