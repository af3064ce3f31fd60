// Package errcoll contains error collectors that report failures worth a
// human look, most notably to Sentry.
package errcoll

import (
	"context"
	"fmt"
	"time"

	"phishwall/pkg/config"
	"phishwall/pkg/logging"

	"github.com/getsentry/sentry-go"
)

// Interface is the interface for error collectors that process information
// about errors, possibly sending them to a remote location.
type Interface interface {
	Collect(ctx context.Context, err error)
}

// Flusher is implemented by collectors that buffer events.
type Flusher interface {
	Flush()
}

// Collectf logs a formatted error and hands it to errColl.
func Collectf(ctx context.Context, errColl Interface, logger *logging.Logger, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	if logger != nil {
		logger.Error("Collected error", "error", err)
	}
	if errColl != nil {
		errColl.Collect(ctx, err)
	}
}

// New returns a Sentry collector when a DSN is configured and a log-only
// collector otherwise.
func New(cfg *config.ErrorsConfig, release string, logger *logging.Logger) (Interface, error) {
	if cfg == nil || cfg.SentryDSN == "" {
		return NewLogErrorCollector(logger), nil
	}

	cli, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating sentry client: %w", err)
	}

	if logger != nil {
		logger.Info("Sentry error reporting enabled")
	}
	return NewSentryErrorCollector(cli, logger), nil
}

// flushTimeout is the timeout for flushing sentry errors.
const flushTimeout = 2 * time.Second
