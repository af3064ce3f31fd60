package dns

import (
	"context"

	"phishwall/pkg/storage"

	"github.com/miekg/dns"
)

// enforceRateLimit answers REFUSED when the client is over its limit.
func (h *Handler) enforceRateLimit(ctx context.Context, w ResponseWriter, req *dns.Msg, clientIP, domain, qtypeLabel string, outcome *serveDNSOutcome) bool {
	if h.RateLimiter == nil || h.RateLimiter.Admit(ctx, clientIP) {
		return false
	}

	h.recordRateLimit(ctx, qtypeLabel)
	h.logger().Debug("Refusing rate limited query",
		"client_ip", clientIP,
		"domain", domain,
		"query_type", qtypeLabel)

	outcome.outcome = storage.OutcomeRefused
	outcome.reason = "rate_limited"
	outcome.responseCode = dns.RcodeRefused
	h.writeMsg(w, rcodeReply(req, dns.RcodeRefused))
	return true
}
