package errcoll

import (
	"context"
	"errors"
	"net"
	"os"

	"phishwall/pkg/logging"

	"github.com/getsentry/sentry-go"
)

// SentryErrorCollector is an [Interface] implementation that sends errors to a
// Sentry-like HTTP API.
type SentryErrorCollector struct {
	sentry *sentry.Client
	logger *logging.Logger
}

// NewSentryErrorCollector returns a new SentryErrorCollector. cli must be
// non-nil.
func NewSentryErrorCollector(cli *sentry.Client, logger *logging.Logger) *SentryErrorCollector {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &SentryErrorCollector{
		sentry: cli,
		logger: logger,
	}
}

// type check
var _ Interface = (*SentryErrorCollector)(nil)

// Collect implements the [Interface] interface for *SentryErrorCollector.
func (c *SentryErrorCollector) Collect(ctx context.Context, err error) {
	if !isReportable(err) {
		c.logger.Debug("Non-reportable error", "error", err)
		return
	}

	scope := sentry.NewScope()
	scope.SetTags(tagsFromCtx(ctx))

	_ = c.sentry.CaptureException(err, &sentry.EventHint{
		Context: ctx,
	}, scope)
}

// Flush waits until buffered events are sent, blocking for at most
// flushTimeout.
func (c *SentryErrorCollector) Flush() {
	_ = c.sentry.Flush(flushTimeout)
}

// isReportable returns false for errors caused by shutdown or a peer going
// away.
func isReportable(err error) bool {
	switch {
	case
		err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded):
		return false
	default:
		return true
	}
}

type ctxKey int

const (
	keyClientIP ctxKey = iota
	keyDomain
)

// WithRequest annotates ctx with the client and queried domain so collected
// errors can be tagged with them.
func WithRequest(ctx context.Context, clientIP, domain string) context.Context {
	ctx = context.WithValue(ctx, keyClientIP, clientIP)
	return context.WithValue(ctx, keyDomain, domain)
}

// tagsFromCtx returns Sentry tags based on the information from ctx.
func tagsFromCtx(ctx context.Context) map[string]string {
	tags := map[string]string{}
	if ctx == nil {
		return tags
	}
	if v, ok := ctx.Value(keyClientIP).(string); ok && v != "" {
		tags["client_ip"] = v
	}
	if v, ok := ctx.Value(keyDomain).(string); ok && v != "" {
		tags["domain"] = v
	}
	return tags
}
