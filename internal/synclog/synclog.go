// Package synclog implements the append-only sync-log store of
// spec.md §4.9: asynchronous, buffered ingestion of terminal SyncLogs,
// flushed in batches to Postgres, plus the two read queries the rest of
// the system needs ("most recent per tenant", "last N days for a
// tenant"). The core never prunes (SPEC_FULL.md §F.3).
//
// Grounded on the teacher's analytics.Pipeline: channel-buffered,
// batch-flushed with retry-with-backoff, graceful drain on Stop(). The
// sink is collapsed from three event types to one (SyncLog) and the
// ClickHouse placeholder becomes a real pgx/v5/pgxpool destination since
// the teacher's DatabaseURL config field was otherwise unwired.
package synclog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wbsync/syncengine/internal/model"
)

// Sink is the destination for terminal SyncLogs.
type Sink interface {
	WriteBatch(ctx context.Context, logs []model.SyncLog) error
	LatestForTenant(ctx context.Context, tenantID string) (*model.SyncLog, error)
	Recent(ctx context.Context, tenantID string, since time.Time) ([]model.SyncLog, error)
	Close()
}

// Config controls batching and backpressure behavior for the ingestion
// pipeline, mirroring analytics.PipelineConfig's shape at sync-engine scale
// (far lower throughput than the teacher's LLM request stream).
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// DefaultConfig returns sane defaults for a system producing at most a
// few thousand SyncLogs per day.
func DefaultConfig() Config {
	return Config{
		BufferSize:    4096,
		BatchSize:     50,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
	}
}

// Store is the async ingestion pipeline in front of a Sink. Append is
// non-blocking; reads bypass the pipeline and hit the sink directly since
// they need the latest durable state, not the buffered tail.
type Store struct {
	logger zerolog.Logger
	config Config
	sink   Sink

	ch chan model.SyncLog

	wg     sync.WaitGroup
	cancel context.CancelFunc

	received int64
	written  int64
	dropped  int64
}

// New wires a Store over sink with the given config.
func New(logger zerolog.Logger, sink Sink, config Config) *Store {
	if config.BufferSize <= 0 {
		config = DefaultConfig()
	}
	return &Store{
		logger: logger.With().Str("component", "synclog").Logger(),
		config: config,
		sink:   sink,
		ch:     make(chan model.SyncLog, config.BufferSize),
	}
}

// Start launches the batch-flush worker.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.worker(ctx)
	s.logger.Info().Int("buffer_size", s.config.BufferSize).Int("batch_size", s.config.BatchSize).Msg("sync-log store started")
}

// Stop drains any buffered logs before returning.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.drain()
	if s.sink != nil {
		s.sink.Close()
	}
	s.logger.Info().Int64("received", atomic.LoadInt64(&s.received)).Int64("written", atomic.LoadInt64(&s.written)).Int64("dropped", atomic.LoadInt64(&s.dropped)).Msg("sync-log store stopped")
}

// Append submits a terminal SyncLog for durable storage. Non-blocking:
// drops (and logs) the entry if the buffer is full rather than stalling
// the scheduler worker that just finished a job.
func (s *Store) Append(ctx context.Context, log model.SyncLog) {
	select {
	case s.ch <- log:
		atomic.AddInt64(&s.received, 1)
	default:
		atomic.AddInt64(&s.dropped, 1)
		s.logger.Warn().Str("tenant", log.TenantID).Str("sync_log_id", log.ID).Msg("sync log dropped: buffer full")
	}
}

// LatestForTenant returns the most recent SyncLog for tenantID, or nil if
// none exists.
func (s *Store) LatestForTenant(ctx context.Context, tenantID string) (*model.SyncLog, error) {
	return s.sink.LatestForTenant(ctx, tenantID)
}

// Recent returns SyncLogs for tenantID started at or after since, newest
// first.
func (s *Store) Recent(ctx context.Context, tenantID string, since time.Time) ([]model.SyncLog, error) {
	return s.sink.Recent(ctx, tenantID, since)
}

func (s *Store) worker(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.SyncLog, 0, s.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		case log := <-s.ch:
			batch = append(batch, log)
			if len(batch) >= s.config.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Store) drain() {
	batch := make([]model.SyncLog, 0, s.config.BatchSize)
	for {
		select {
		case log := <-s.ch:
			batch = append(batch, log)
			if len(batch) >= s.config.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Store) flush(batch []model.SyncLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err = s.sink.WriteBatch(ctx, batch)
		if err == nil {
			atomic.AddInt64(&s.written, int64(len(batch)))
			return
		}
		s.logger.Warn().Err(err).Int("attempt", attempt+1).Int("batch_size", len(batch)).Msg("sync-log flush failed")
		if attempt < s.config.MaxRetries {
			time.Sleep(s.config.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}
	atomic.AddInt64(&s.dropped, int64(len(batch)))
	s.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("sync-log batch dropped after retries")
}

// PostgresSink persists SyncLogs to the sync_logs table via pgxpool.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink wraps an existing connection pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (p *PostgresSink) WriteBatch(ctx context.Context, logs []model.SyncLog) error {
	batch := &pgx.Batch{}
	for _, l := range logs {
		warnings, err := json.Marshal(l.Warnings)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO sync_logs
				(id, tenant_id, started_at, finished_at, status, reason,
				 products_processed, products_failed, orders_fetched_raw, orders_after_filter,
				 warnings, error_kind, error_message, duration_ms)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (id) DO NOTHING`,
			l.ID, l.TenantID, l.StartedAt, l.FinishedAt, string(l.Status), l.Reason,
			l.ProductsProcessed, l.ProductsFailed, l.OrdersFetchedRaw, l.OrdersAfterFilter,
			warnings, l.ErrorKind, l.ErrorMessage, l.Duration.Milliseconds())
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range logs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresSink) LatestForTenant(ctx context.Context, tenantID string) (*model.SyncLog, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, started_at, finished_at, status, reason,
		       products_processed, products_failed, orders_fetched_raw, orders_after_filter,
		       warnings, error_kind, error_message, duration_ms
		FROM sync_logs
		WHERE tenant_id = $1
		ORDER BY started_at DESC
		LIMIT 1`, tenantID)

	log, err := scanSyncLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return log, nil
}

func (p *PostgresSink) Recent(ctx context.Context, tenantID string, since time.Time) ([]model.SyncLog, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, started_at, finished_at, status, reason,
		       products_processed, products_failed, orders_fetched_raw, orders_after_filter,
		       warnings, error_kind, error_message, duration_ms
		FROM sync_logs
		WHERE tenant_id = $1 AND started_at >= $2
		ORDER BY started_at DESC`, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *log)
	}
	return logs, rows.Err()
}

func (p *PostgresSink) Close() {
	p.pool.Close()
}

// rowScanner abstracts pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncLog(row rowScanner) (*model.SyncLog, error) {
	var log model.SyncLog
	var status string
	var durationMs int64
	var warnings []byte

	if err := row.Scan(
		&log.ID, &log.TenantID, &log.StartedAt, &log.FinishedAt, &status, &log.Reason,
		&log.ProductsProcessed, &log.ProductsFailed, &log.OrdersFetchedRaw, &log.OrdersAfterFilter,
		&warnings, &log.ErrorKind, &log.ErrorMessage, &durationMs,
	); err != nil {
		return nil, err
	}

	log.Status = model.SyncStatus(status)
	log.Duration = time.Duration(durationMs) * time.Millisecond
	if len(warnings) > 0 {
		_ = json.Unmarshal(warnings, &log.Warnings)
	}
	return &log, nil
}

// LogSink is a development/fallback sink that logs SyncLogs as structured
// JSON instead of persisting them, mirroring analytics.LogSink.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("sink", "log").Logger()}
}

func (l *LogSink) WriteBatch(ctx context.Context, logs []model.SyncLog) error {
	for _, entry := range logs {
		data, _ := json.Marshal(entry)
		l.logger.Info().RawJSON("sync_log", data).Msg("sync_log")
	}
	return nil
}

func (l *LogSink) LatestForTenant(ctx context.Context, tenantID string) (*model.SyncLog, error) {
	return nil, nil
}

func (l *LogSink) Recent(ctx context.Context, tenantID string, since time.Time) ([]model.SyncLog, error) {
	return nil, nil
}

func (l *LogSink) Close() {}
