package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"phishwall/pkg/config"

	_ "modernc.org/sqlite"
)

// SQLiteStorage buffers records in memory and writes them in batches.
type SQLiteStorage struct {
	db              *sql.DB
	metrics         MetricsRecorder
	buffer          chan *QueryLog
	stmtInsertQuery *sql.Stmt
	flushInterval   time.Duration
	batchSize       int
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// NewSQLiteStorage opens (or creates) the database, applies migrations and
// starts the background flush worker.
func NewSQLiteStorage(cfg *config.AuditConfig, metrics MetricsRecorder) (*SQLiteStorage, error) {
	if cfg == nil || cfg.SQLite.Path == "" {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// One connection; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.SQLite.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.SQLite.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, domain, query_type, outcome, reason, response_code, cached, upstream, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	bufferSize := max(cfg.BufferSize, 1)
	s := &SQLiteStorage{
		db:              db,
		metrics:         metrics,
		buffer:          make(chan *QueryLog, bufferSize),
		stmtInsertQuery: stmtInsert,
		flushInterval:   cfg.FlushInterval,
		batchSize:       max(cfg.BatchSize, 1),
	}
	if s.flushInterval <= 0 {
		s.flushInterval = 5 * time.Second
	}

	s.wg.Add(1)
	go s.flushWorker()

	return s, nil
}

// LogQuery queues the record without blocking. A full buffer drops it and
// returns ErrBufferFull.
func (s *SQLiteStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if query.Timestamp.IsZero() {
		query.Timestamp = time.Now()
	}

	select {
	case s.buffer <- query:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedQuery(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker batches buffered records and writes them when the batch is
// full or the flush interval elapses. It drains the buffer on Close.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*QueryLog, 0, s.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(batch); err != nil {
			slog.Default().Error("Failed to flush query batch",
				"error", err,
				"batch_size", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case query, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, query)
			if len(batch) >= s.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes a batch in a single transaction.
func (s *SQLiteStorage) flushBatch(queries []*QueryLog) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtInsertQuery)
	for _, q := range queries {
		var upstream sql.NullString
		if q.Upstream != "" {
			upstream = sql.NullString{String: q.Upstream, Valid: true}
		}

		_, err := stmt.Exec(
			q.Timestamp.UTC(),
			q.ClientIP,
			q.Domain,
			q.QueryType,
			string(q.Outcome),
			q.Reason,
			q.ResponseCode,
			q.Cached,
			upstream,
			q.ResponseTimeMs,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// GetRecentQueries returns the most recent records, newest first
func (s *SQLiteStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, domain, query_type, outcome, reason,
		       response_code, cached, upstream, response_time_ms
		FROM queries
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetStatistics returns query statistics since a given time
func (s *SQLiteStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Statistics{
		Since: since,
		Until: time.Now(),
	}

	var avg sql.NullFloat64
	var blocked, cached sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN cached THEN 1 ELSE 0 END),
			COUNT(DISTINCT domain),
			COUNT(DISTINCT client_ip),
			AVG(response_time_ms)
		FROM queries
		WHERE timestamp >= ?
	`, string(OutcomeBlocked), since.UTC()).Scan(
		&stats.TotalQueries,
		&blocked,
		&cached,
		&stats.UniqueDomains,
		&stats.UniqueClients,
		&avg,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	stats.BlockedQueries = blocked.Int64
	stats.CachedQueries = cached.Int64
	stats.AvgResponseTimeMs = avg.Float64

	if stats.TotalQueries > 0 {
		stats.BlockRate = float64(stats.BlockedQueries) / float64(stats.TotalQueries) * 100
		stats.CacheHitRate = float64(stats.CachedQueries) / float64(stats.TotalQueries) * 100
	}

	return stats, nil
}

// Cleanup removes records older than the given time
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM queries WHERE timestamp < ?", olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return res.RowsAffected()
}

// Ping checks if the database is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.PingContext(ctx)
}

// Close drains the buffer, waits for the flush worker and closes the
// database.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	if s.stmtInsertQuery != nil {
		_ = s.stmtInsertQuery.Close()
	}

	return s.db.Close()
}

func scanQueryLogs(rows *sql.Rows) ([]*QueryLog, error) {
	var queries []*QueryLog

	for rows.Next() {
		var q QueryLog
		var outcome string
		var upstream sql.NullString

		err := rows.Scan(
			&q.ID,
			&q.Timestamp,
			&q.ClientIP,
			&q.Domain,
			&q.QueryType,
			&outcome,
			&q.Reason,
			&q.ResponseCode,
			&q.Cached,
			&upstream,
			&q.ResponseTimeMs,
		)
		if err != nil {
			return nil, err
		}

		q.Outcome = Outcome(outcome)
		if upstream.Valid {
			q.Upstream = upstream.String
		}
		queries = append(queries, &q)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return queries, nil
}
