package storage

import (
	"context"
	"errors"
	"time"

	"phishwall/pkg/logging"
)

// Pruner is implemented by backends that can drop old records.
type Pruner interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// Reporter is implemented by backends that can be queried.
type Reporter interface {
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
}

var (
	_ Pruner   = (*SQLiteStorage)(nil)
	_ Reporter = (*SQLiteStorage)(nil)
)

// Report is the audit summary served on the stats endpoint.
type Report struct {
	Statistics *Statistics `json:"statistics"`
	Recent     []*QueryLog `json:"recent"`
}

// Summarize collects statistics over the last window and the newest recent
// records from r.
func Summarize(ctx context.Context, r Reporter, window time.Duration, recent int) (*Report, error) {
	stats, err := r.GetStatistics(ctx, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	queries, err := r.GetRecentQueries(ctx, recent, 0)
	if err != nil {
		return nil, err
	}
	return &Report{Statistics: stats, Recent: queries}, nil
}

// cleanupTimeout bounds a single pruning pass.
const cleanupTimeout = 30 * time.Second

// RunRetention deletes records older than maxAge once immediately and then
// every interval, until ctx is done.
func RunRetention(ctx context.Context, p Pruner, maxAge, interval time.Duration, logger *logging.Logger) {
	if logger == nil {
		logger = logging.NewDiscard()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		prune(ctx, p, maxAge, logger)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func prune(ctx context.Context, p Pruner, maxAge time.Duration, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	cutoff := time.Now().Add(-maxAge)
	n, err := p.Cleanup(ctx, cutoff)
	switch {
	case err == nil:
		if n > 0 {
			logger.Info("Pruned audit records", "deleted", n, "older_than", cutoff)
		}
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
	default:
		logger.Warn("Failed to prune audit records", "error", err)
	}
}
