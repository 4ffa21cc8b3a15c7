// Package recorder is the flight recorder: a hash-chained audit log of
// governed actions kept in SQLite, with batched, size-or-interval commits.
//
// Every trace is inserted as pending by StartTrace and moved exactly once
// to a terminal verdict by one of the Log methods. Reads flush the write
// buffer first, so a caller always sees its own writes.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	_ "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultDBPath        = "flight_recorder.db"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT UNIQUE NOT NULL,
	timestamp TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	tool_args TEXT,
	input_prompt TEXT,
	policy_verdict TEXT NOT NULL,
	violation_reason TEXT,
	result TEXT,
	execution_time_ms REAL,
	metadata TEXT,
	entry_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_id ON audit_log(agent_id);
CREATE INDEX IF NOT EXISTS idx_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_policy_verdict ON audit_log(policy_verdict);
`

// op is one buffered write. traceID is set on inserts only.
type op struct {
	query   string
	args    []any
	traceID string
}

// Recorder is safe for concurrent use. Tip-hash computation in StartTrace is
// the only recorder-wide critical section; database work happens under
// flushMu, which writers never wait on.
type Recorder struct {
	db     *sql.DB
	ownsDB bool
	pool   *connPool

	batchSize     int
	flushInterval time.Duration
	batching      bool
	background    bool
	clock         func() time.Time
	logger        *slog.Logger

	tipMu sync.Mutex
	tip   string

	bufMu     sync.Mutex
	buffer    []op
	lastFlush time.Time

	// flushMu serializes commits so the database sees ops in buffer order.
	flushMu sync.Mutex

	resMu    sync.Mutex
	reserved map[string]struct{}

	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
	done      chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithBatchSize sets the buffered op count that triggers a flush.
func WithBatchSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithFlushInterval sets the maximum time between flushes.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithBatching(false) commits every write immediately.
func WithBatching(enabled bool) Option {
	return func(r *Recorder) { r.batching = enabled }
}

// WithBackgroundFlush controls the interval flusher goroutine. It is on by default.
func WithBackgroundFlush(enabled bool) Option {
	return func(r *Recorder) { r.background = enabled }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithClock overrides the time source for entry timestamps and flush timing.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) { r.clock = clock }
}

// DSN builds a modernc.org/sqlite DSN for path with WAL journaling.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "cache_size(-64000)")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (or creates) the SQLite database at path and returns a recorder
// that owns it.
func Open(ctx context.Context, path string, opts ...Option) (*Recorder, error) {
	if path == "" {
		path = DefaultDBPath
	}
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open flight recorder %s: %w", path, err)
	}
	r, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r.ownsDB = true
	r.logger.Info("flight recorder initialized", "path", path, "batch_size", r.batchSize, "flush_interval", r.flushInterval)
	return r, nil
}

// New wraps an existing database handle. The schema is created if missing
// and the chain tip is loaded from the last entry.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		db:            db,
		pool:          newConnPool(db),
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		batching:      true,
		background:    true,
		clock:         time.Now,
		logger:        slog.Default().With("component", "flight_recorder"),
		tip:           GenesisHash,
		reserved:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastFlush = r.clock()

	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	if err := r.loadTip(ctx); err != nil {
		return nil, err
	}

	if r.batching && r.background {
		r.stop = make(chan struct{})
		r.done = make(chan struct{})
		go r.flushLoop()
	}
	return r, nil
}

func (r *Recorder) migrate(ctx context.Context) error {
	conn, err := r.pool.get(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit_log: %w", err)
	}
	return nil
}

func (r *Recorder) loadTip(ctx context.Context) error {
	conn, err := r.pool.get(ctx)
	if err != nil {
		return err
	}
	var last sql.NullString
	err = conn.QueryRowContext(ctx, `SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&last)
	switch {
	case err == sql.ErrNoRows:
		return nil
	case err != nil:
		return fmt.Errorf("load chain tip: %w", err)
	}
	if last.Valid && last.String != "" {
		r.tip = last.String
	}
	return nil
}

// Tip returns the hash the next trace will chain to.
func (r *Recorder) Tip() string {
	r.tipMu.Lock()
	defer r.tipMu.Unlock()
	return r.tip
}

// Pending returns the number of buffered writes.
func (r *Recorder) Pending() int {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	return len(r.buffer)
}

func (r *Recorder) enqueue(o op) {
	r.bufMu.Lock()
	r.buffer = append(r.buffer, o)
	r.bufMu.Unlock()
}

// maybeFlush flushes when batching is off, the batch is full, or the
// interval has elapsed since the last flush. With batching on it does not
// wait behind a flush already in progress; the next one picks the ops up.
func (r *Recorder) maybeFlush(ctx context.Context) error {
	r.bufMu.Lock()
	due := !r.batching ||
		len(r.buffer) >= r.batchSize ||
		r.clock().Sub(r.lastFlush) >= r.flushInterval
	r.bufMu.Unlock()
	if !due {
		return nil
	}
	if r.batching {
		if !r.flushMu.TryLock() {
			return nil
		}
	} else {
		r.flushMu.Lock()
	}
	defer r.flushMu.Unlock()
	return r.flush(ctx)
}

// Flush commits all buffered writes in one transaction on the caller's
// worker connection. Writers keep enqueueing while it runs. On failure the
// transaction is rolled back, the ops go back in front of anything queued
// since, and a *StoreError is returned. An op the database rejects with a
// constraint violation is dropped instead, so it cannot block later writes.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	return r.flush(ctx)
}

func (r *Recorder) flush(ctx context.Context) error {
	r.bufMu.Lock()
	batch := r.buffer
	r.buffer = nil
	r.bufMu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var (
		dropped   []op
		dropCause error
	)
	for len(batch) > 0 {
		stage, failed, err := r.commit(ctx, batch)
		if err == nil {
			break
		}
		if failed < 0 || !permanent(err) {
			return &StoreError{Op: stage, Pending: r.requeue(batch), Dropped: len(dropped), Err: err}
		}
		bad := batch[failed]
		r.logger.Error("dropping write rejected by the database", "trace_id", bad.traceID, "error", err)
		dropped = append(dropped, bad)
		dropCause = err
		batch = append(batch[:failed:failed], batch[failed+1:]...)
	}

	r.release(batch)
	r.release(dropped)
	r.bufMu.Lock()
	r.lastFlush = r.clock()
	pending := len(r.buffer)
	r.bufMu.Unlock()
	r.logger.Debug("flushed write buffer", "ops", len(batch), "dropped", len(dropped))
	if len(dropped) > 0 {
		return &StoreError{Op: "flush", Pending: pending, Dropped: len(dropped), Err: dropCause}
	}
	return nil
}

// commit runs batch in one transaction. For an exec error it also returns
// the index of the failing op, otherwise -1.
func (r *Recorder) commit(ctx context.Context, batch []op) (string, int, error) {
	conn, err := r.pool.get(ctx)
	if err != nil {
		return "flush", -1, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return "flush", -1, err
	}
	for i, o := range batch {
		if _, err := tx.ExecContext(ctx, o.query, o.args...); err != nil {
			_ = tx.Rollback()
			r.logger.Error("failed to flush buffer", "pending", len(batch), "error", err)
			return "flush", i, err
		}
	}
	if err := tx.Commit(); err != nil {
		r.logger.Error("failed to commit buffer", "pending", len(batch), "error", err)
		return "commit", -1, err
	}
	return "", -1, nil
}

// requeue puts a failed batch back in front of ops enqueued since it was
// taken and returns the new buffer length.
func (r *Recorder) requeue(batch []op) int {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	r.buffer = append(batch, r.buffer...)
	return len(r.buffer)
}

// permanent reports whether err will recur however often the op is retried.
func permanent(err error) bool {
	var coded interface{ Code() int }
	return errors.As(err, &coded) && coded.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	ctx := WithWorker(context.Background(), "flusher")
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn("background flush failed", "error", err)
			}
		}
	}
}

// Close stops the background flusher, drains the buffer and releases every
// worker connection. Calling it again returns the first result.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		if r.stop != nil {
			close(r.stop)
			<-r.done
		}
		ctx := context.Background()
		if err := r.Flush(ctx); err != nil {
			r.logger.Error("error during cleanup", "error", err)
			r.closeErr = err
		}
		if err := r.pool.closeAll(); err != nil && r.closeErr == nil {
			r.closeErr = err
		}
		if r.ownsDB {
			if err := r.db.Close(); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
	})
	return r.closeErr
}
