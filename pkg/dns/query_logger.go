package dns

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"phishwall/pkg/errcoll"
	"phishwall/pkg/logging"
	"phishwall/pkg/storage"

	"golang.org/x/time/rate"
)

// logTimeout bounds a single audit write.
const logTimeout = 2 * time.Second

// QueryLogger manages a worker pool for asynchronous audit logging so that
// replies never wait on storage.
type QueryLogger struct {
	logCh     chan *storage.QueryLog
	ctx       context.Context
	cancel    context.CancelFunc
	storage   storage.Storage
	logger    *logging.Logger
	metrics   storage.MetricsRecorder
	errColl   errcoll.Interface
	dropLog   rate.Sometimes
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
	workers   int
	dropped   atomic.Uint64
	buffered  atomic.Int64
	written   atomic.Uint64
	failed    atomic.Uint64
}

// QueryLoggerStats holds audit pipeline counters.
type QueryLoggerStats struct {
	Buffered int64  `json:"buffered"`
	Capacity int    `json:"capacity"`
	Dropped  uint64 `json:"dropped"`
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
}

// NewQueryLogger creates a query logger with a fixed worker pool. metrics and
// errColl may be nil.
func NewQueryLogger(stor storage.Storage, logger *logging.Logger, metrics storage.MetricsRecorder, errColl errcoll.Interface, bufferSize, workers int) *QueryLogger {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if bufferSize < 1 {
		bufferSize = 1
	}
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ql := &QueryLogger{
		logCh:   make(chan *storage.QueryLog, bufferSize),
		ctx:     ctx,
		cancel:  cancel,
		storage: stor,
		logger:  logger,
		metrics: metrics,
		errColl: errColl,
		dropLog: rate.Sometimes{Interval: time.Second},
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		ql.wg.Add(1)
		go ql.worker(i)
	}

	logger.Info("Query logger worker pool started",
		"workers", workers,
		"buffer_size", bufferSize)

	return ql
}

// worker processes entries until the channel is closed.
func (ql *QueryLogger) worker(id int) {
	defer ql.wg.Done()

	for entry := range ql.logCh {
		ql.buffered.Add(-1)
		ql.write(id, entry)
	}
}

func (ql *QueryLogger) write(id int, entry *storage.QueryLog) {
	ctx, cancel := context.WithTimeout(ql.ctx, logTimeout)
	defer cancel()

	if err := ql.storage.LogQuery(ctx, entry); err != nil {
		ql.failed.Add(1)
		ql.logger.Warn("Failed to log query",
			"worker", id,
			"domain", entry.Domain,
			"client_ip", entry.ClientIP,
			"error", err)
		if ql.errColl != nil {
			ql.errColl.Collect(errcoll.WithRequest(ctx, entry.ClientIP, entry.Domain), err)
		}
		return
	}
	ql.written.Add(1)
}

// LogAsync queues entry without blocking. It returns storage.ErrBufferFull
// when the queue is full and storage.ErrClosed after Close.
func (ql *QueryLogger) LogAsync(entry *storage.QueryLog) (err error) {
	if ql.closed.Load() {
		return storage.ErrClosed
	}

	// A send racing with Close lands on a closed channel.
	defer func() {
		if recover() != nil {
			err = storage.ErrClosed
		}
	}()

	select {
	case ql.logCh <- entry:
		ql.buffered.Add(1)
		return nil
	default:
		ql.dropped.Add(1)
		if ql.metrics != nil {
			ql.metrics.AddDroppedQuery(context.Background(), 1)
		}
		ql.dropLog.Do(func() {
			ql.logger.Warn("Query log buffer full, dropping entries",
				"domain", entry.Domain,
				"client_ip", entry.ClientIP,
				"dropped_total", ql.dropped.Load())
		})
		return storage.ErrBufferFull
	}
}

// Close stops accepting entries, waits for the workers to write what is
// queued, and returns. Safe to call multiple times.
func (ql *QueryLogger) Close() error {
	ql.closeOnce.Do(func() {
		ql.logger.Info("Shutting down query logger",
			"buffered_entries", ql.buffered.Load(),
			"dropped_total", ql.dropped.Load())

		ql.closed.Store(true)
		close(ql.logCh)
		ql.wg.Wait()
		ql.cancel()

		ql.logger.Info("Query logger shutdown complete")
	})
	return nil
}

// Stats returns query logger statistics.
func (ql *QueryLogger) Stats() QueryLoggerStats {
	return QueryLoggerStats{
		Buffered: ql.buffered.Load(),
		Capacity: ql.BufferCapacity(),
		Dropped:  ql.dropped.Load(),
		Written:  ql.written.Load(),
		Failed:   ql.failed.Load(),
	}
}

// BufferCapacity returns the maximum buffer capacity.
func (ql *QueryLogger) BufferCapacity() int {
	return cap(ql.logCh)
}
