package dns

import (
	"context"
	"errors"
	"time"

	"phishwall/pkg/cache"
	"phishwall/pkg/errcoll"
	"phishwall/pkg/forwarder"
	"phishwall/pkg/storage"

	"github.com/miekg/dns"
)

// forwardToUpstream resolves a cache miss with exactly one Resolve call. The
// upstream bytes are relayed verbatim; A answers are cached on the way.
func (h *Handler) forwardToUpstream(ctx context.Context, w ResponseWriter, req *dns.Msg, raw []byte, clientIP, domain, qtypeLabel string, outcome *serveDNSOutcome) {
	if h.Resolver == nil {
		h.replyServFail(w, req, outcome)
		return
	}

	forwardStart := time.Now()
	resp, upstream, err := h.Resolver.ResolveFrom(ctx, raw)
	outcome.upstreamDuration = time.Since(forwardStart)
	if err != nil {
		h.recordUpstreamFailure(ctx, qtypeLabel, upstreamFailureKind(err))
		h.logger().Warn("Upstream resolution failed",
			"client_ip", clientIP,
			"domain", domain,
			"query_type", qtypeLabel,
			"duration", outcome.upstreamDuration,
			"error", err)
		if !errors.Is(err, forwarder.ErrCircuitOpen) && ctx.Err() == nil {
			h.collect(ctx, clientIP, domain, err)
		}
		h.replyServFail(w, req, outcome)
		return
	}

	outcome.outcome = storage.OutcomeForwarded
	outcome.upstream = upstream
	outcome.responseCode = responseRcode(resp)
	h.recordForwardedQuery(ctx, qtypeLabel, upstream)

	if req.Question[0].Qtype == dns.TypeA {
		h.cacheAnswer(domain, resp)
	}

	h.writeRaw(w, resp)
}

// cacheAnswer stores the first A answer of resp. Unusable answers are logged
// and left out of the cache.
func (h *Handler) cacheAnswer(domain string, resp []byte) {
	if h.Cache == nil {
		return
	}

	ip, ok := firstAAnswer(resp)
	if !ok {
		h.logger().Debug("Upstream answer has no usable A record, not caching", "domain", domain)
		return
	}

	if err := h.Cache.Store(domain, ip); err != nil {
		switch {
		case errors.Is(err, cache.ErrBlocked):
			h.logger().Debug("Not caching blocked domain", "domain", domain)
		case errors.Is(err, cache.ErrInvalidIP):
			h.logger().Warn("Upstream returned an invalid address, not caching",
				"domain", domain,
				"ip", ip)
		default:
			h.logger().Warn("Failed to cache answer", "domain", domain, "error", err)
		}
	}
}

func (h *Handler) replyServFail(w ResponseWriter, req *dns.Msg, outcome *serveDNSOutcome) {
	outcome.outcome = storage.OutcomeServFail
	outcome.reason = "upstream_failure"
	outcome.responseCode = dns.RcodeServerFailure
	h.writeMsg(w, rcodeReply(req, dns.RcodeServerFailure))
}

func (h *Handler) collect(ctx context.Context, clientIP, domain string, err error) {
	if h.ErrColl == nil {
		return
	}
	h.ErrColl.Collect(errcoll.WithRequest(ctx, clientIP, domain), err)
}

// upstreamFailureKind labels err for metrics.
func upstreamFailureKind(err error) string {
	var upErr *forwarder.UpstreamError
	switch {
	case errors.Is(err, forwarder.ErrCircuitOpen):
		return "circuit_open"
	case forwarder.IsTimeout(err):
		return "timeout"
	case errors.As(err, &upErr) && upErr.StatusCode != 0:
		return "status"
	default:
		return "transport"
	}
}

// responseRcode reads the rcode of a packed response without a full unpack.
func responseRcode(resp []byte) int {
	if len(resp) < 4 {
		return -1
	}
	return int(resp[3] & 0x0f)
}
