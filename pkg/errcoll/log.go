package errcoll

import (
	"context"

	"phishwall/pkg/logging"
)

// LogErrorCollector is an [Interface] implementation that writes errors to
// the logger.
type LogErrorCollector struct {
	logger *logging.Logger
}

// NewLogErrorCollector returns a collector that logs at error level.
func NewLogErrorCollector(logger *logging.Logger) *LogErrorCollector {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &LogErrorCollector{logger: logger}
}

// type check
var _ Interface = (*LogErrorCollector)(nil)

// Collect implements the [Interface] interface for *LogErrorCollector.
func (c *LogErrorCollector) Collect(ctx context.Context, err error) {
	if err == nil {
		return
	}
	args := []any{"error", err}
	for k, v := range tagsFromCtx(ctx) {
		args = append(args, k, v)
	}
	c.logger.Error("Collected error", args...)
}
