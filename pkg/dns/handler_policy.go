package dns

import (
	"context"

	"phishwall/pkg/policy"
	"phishwall/pkg/storage"

	"github.com/miekg/dns"
)

// applyPolicy sinkholes blocklisted and phishing-like names. Sinkhole answers
// never reach the cache.
func (h *Handler) applyPolicy(ctx context.Context, w ResponseWriter, req *dns.Msg, clientIP, domain, qtypeLabel string, outcome *serveDNSOutcome) bool {
	if h.Policy == nil {
		return false
	}

	decision := h.Policy.Evaluate(domain)
	if !decision.Blocked() {
		return false
	}

	switch decision.Reason {
	case policy.ReasonPhishing:
		h.logger().Warn("Blocked phishing-like domain",
			"client_ip", clientIP,
			"domain", domain,
			"resembles", decision.Trusted,
			"score", decision.Score)
	default:
		h.logger().Info("Blocked domain",
			"client_ip", clientIP,
			"domain", domain,
			"reason", decision.Reason)
	}

	h.recordBlockedQuery(ctx, string(decision.Reason), qtypeLabel)

	outcome.outcome = storage.OutcomeBlocked
	outcome.reason = string(decision.Reason)
	outcome.responseCode = dns.RcodeSuccess
	h.writeMsg(w, sinkholeReply(req, ttlSeconds(h.SinkholeTTL)))
	return true
}
