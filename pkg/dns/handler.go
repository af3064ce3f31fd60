// Package dns implements the UDP front end: the datagram dispatcher and the
// per-query pipeline of rate limiting, policy screening, caching and DoH
// forwarding.
package dns

import (
	"context"
	"errors"
	"net"
	"time"

	"phishwall/pkg/cache"
	"phishwall/pkg/errcoll"
	"phishwall/pkg/logging"
	"phishwall/pkg/policy"
	"phishwall/pkg/storage"
	"phishwall/pkg/telemetry"

	"github.com/miekg/dns"
)

// ResponseWriter sends a reply to the client a query came from.
type ResponseWriter interface {
	RemoteAddr() net.Addr
	// Write sends an already packed message.
	Write(b []byte) (int, error)
	// WriteMsg packs and sends msg.
	WriteMsg(msg *dns.Msg) error
}

// Admitter decides whether a client may be served.
type Admitter interface {
	Admit(ctx context.Context, clientIP string) bool
}

// PolicyChecker screens query names.
type PolicyChecker interface {
	Evaluate(domain string) policy.Decision
}

// Resolver forwards a packed query and returns the packed response together
// with the upstream that produced it.
type Resolver interface {
	ResolveFrom(ctx context.Context, query []byte) ([]byte, string, error)
}

// Handler runs the query pipeline. Every dependency is optional; a nil one
// means that stage is skipped, except Resolver, without which cache misses
// are answered with SERVFAIL.
type Handler struct {
	RateLimiter Admitter
	Policy      PolicyChecker
	Cache       cache.Interface
	Resolver    Resolver
	QueryLogger *QueryLogger
	Metrics     *telemetry.Metrics
	ErrColl     errcoll.Interface
	Logger      *logging.Logger

	// SinkholeTTL is the TTL of sinkhole answers.
	SinkholeTTL time.Duration
	// CacheTTL is the TTL put on answers served from the cache.
	CacheTTL time.Duration
}

// NewHandler creates a handler with default TTLs and a discarding logger.
func NewHandler() *Handler {
	return &Handler{
		Logger:      logging.NewDiscard(),
		SinkholeTTL: 60 * time.Second,
		CacheTTL:    60 * time.Second,
	}
}

// writeMsg writes a DNS message to the response writer. A failed write means
// the client is gone and there is nobody left to tell.
func (h *Handler) writeMsg(w ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil {
		h.logger().Debug("Failed to write reply", "error", err)
	}
}

func (h *Handler) writeRaw(w ResponseWriter, b []byte) {
	if _, err := w.Write(b); err != nil {
		h.logger().Debug("Failed to write reply", "error", err)
	}
}

func (h *Handler) logger() *logging.Logger {
	if h.Logger == nil {
		return logging.NewDiscard()
	}
	return h.Logger
}

// Handle processes one datagram and writes at most one reply to w. It
// returns ErrMalformedQuery, without replying, when raw does not parse; all
// other failures are answered on the wire and reported through logs and
// metrics.
func (h *Handler) Handle(ctx context.Context, w ResponseWriter, raw []byte) error {
	startTime := time.Now()

	req, err := parseQuery(raw)
	if err != nil {
		h.recordMalformed(ctx)
		h.logger().Debug("Dropping malformed datagram",
			"client_ip", clientIPFromAddr(w.RemoteAddr()),
			"bytes", len(raw),
			"error", err)
		return err
	}

	clientIP := clientIPFromAddr(w.RemoteAddr())
	question := req.Question[0]
	domain := normalizeQName(question.Name)
	qtypeLabel := dnsTypeLabel(question.Qtype)

	outcome := &serveDNSOutcome{}
	defer func() {
		h.finish(ctx, startTime, domain, clientIP, qtypeLabel, outcome)
	}()

	if h.enforceRateLimit(ctx, w, req, clientIP, domain, qtypeLabel, outcome) {
		return nil
	}
	if h.applyPolicy(ctx, w, req, clientIP, domain, qtypeLabel, outcome) {
		return nil
	}
	if h.serveFromCache(ctx, w, req, domain, question.Qtype, outcome) {
		return nil
	}
	h.forwardToUpstream(ctx, w, req, raw, clientIP, domain, qtypeLabel, outcome)
	return nil
}

// finish records metrics and queues the audit record.
func (h *Handler) finish(ctx context.Context, startTime time.Time, domain, clientIP, qtypeLabel string, outcome *serveDNSOutcome) {
	elapsed := time.Since(startTime)
	h.recordQuery(ctx, qtypeLabel, outcome, elapsed)

	if h.QueryLogger == nil {
		return
	}

	entry := &storage.QueryLog{
		Timestamp:      startTime,
		Domain:         domain,
		ClientIP:       clientIP,
		QueryType:      qtypeLabel,
		Outcome:        outcome.outcome,
		Reason:         outcome.reason,
		Upstream:       outcome.upstream,
		ResponseCode:   outcome.responseCode,
		ResponseTimeMs: float64(elapsed.Microseconds()) / 1000,
		Cached:         outcome.cached,
	}
	if err := h.QueryLogger.LogAsync(entry); err != nil && !errors.Is(err, storage.ErrBufferFull) {
		h.logger().Warn("Failed to queue audit record", "domain", domain, "error", err)
	}
}
