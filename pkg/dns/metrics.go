package dns

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// recordQuery counts every parsed query with its outcome and duration.
func (h *Handler) recordQuery(ctx context.Context, qtypeLabel string, outcome *serveDNSOutcome, elapsed time.Duration) {
	if h.Metrics == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 2)
	if qtypeLabel != "" {
		attrs = append(attrs, attribute.String("type", qtypeLabel))
	}
	if outcome.outcome != "" {
		attrs = append(attrs, attribute.String("outcome", string(outcome.outcome)))
	}
	opt := metric.WithAttributes(attrs...)
	h.Metrics.DNSQueriesTotal.Add(ctx, 1, opt)
	h.Metrics.DNSQueryDuration.Record(ctx, float64(elapsed.Microseconds())/1000, opt)
}

// recordRateLimit captures rate limit violations.
func (h *Handler) recordRateLimit(ctx context.Context, qtypeLabel string) {
	if h.Metrics == nil {
		return
	}
	if qtypeLabel == "" {
		h.Metrics.RateLimitViolations.Add(ctx, 1)
		return
	}
	h.Metrics.RateLimitViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("type", qtypeLabel)))
}

// recordBlockedQuery increments the blocked-query counter tagged with the
// block reason.
func (h *Handler) recordBlockedQuery(ctx context.Context, reason, qtypeLabel string) {
	if h.Metrics == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 2)
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	if qtypeLabel != "" {
		attrs = append(attrs, attribute.String("type", qtypeLabel))
	}
	h.Metrics.DNSBlockedQueries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (h *Handler) recordCacheLookup(ctx context.Context, hit bool) {
	if h.Metrics == nil {
		return
	}
	if hit {
		h.Metrics.DNSCacheHits.Add(ctx, 1)
		return
	}
	h.Metrics.DNSCacheMisses.Add(ctx, 1)
}

// recordForwardedQuery increments the forwarded-query counter tagged with
// the upstream that answered.
func (h *Handler) recordForwardedQuery(ctx context.Context, qtypeLabel, upstream string) {
	if h.Metrics == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 2)
	if qtypeLabel != "" {
		attrs = append(attrs, attribute.String("type", qtypeLabel))
	}
	if upstream != "" {
		attrs = append(attrs, attribute.String("upstream", upstream))
	}
	h.Metrics.DNSForwardedQueries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (h *Handler) recordUpstreamFailure(ctx context.Context, qtypeLabel, kind string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.DNSUpstreamFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", qtypeLabel),
		attribute.String("kind", kind),
	))
}

func (h *Handler) recordMalformed(ctx context.Context) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.DNSMalformed.Add(ctx, 1)
}
