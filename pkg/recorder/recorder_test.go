package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTest(t *testing.T, opts ...Option) (*Recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	opts = append([]Option{WithBackgroundFlush(false)}, opts...)
	r, err := Open(context.Background(), path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, path
}

func rawDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", DSN(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestHashChain(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t)

	for i := 0; i < 5; i++ {
		_, err := r.StartTrace(ctx, fmt.Sprintf("agent-%d", i), "read_file", map[string]any{"path": fmt.Sprintf("/data/%d", i)}, "")
		require.NoError(t, err)
	}

	entries, err := r.GetLog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, GenesisHash, entries[0].PreviousHash)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].EntryHash, entries[i].PreviousHash)
	}
	assert.Equal(t, entries[4].EntryHash, r.Tip())

	report, err := r.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.TotalEntries)
}

func TestVerifyIntegrity_Empty(t *testing.T) {
	r, _ := openTest(t)
	report, err := r.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.TotalEntries)
	assert.Equal(t, "No entries to verify", report.Message)
}

func TestVerifyIntegrity_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		update string
	}{
		{"entry hash", `UPDATE audit_log SET entry_hash = 'deadbeef' WHERE id = 3`},
		{"previous hash", `UPDATE audit_log SET previous_hash = 'deadbeef' WHERE id = 3`},
		{"creation-time content", `UPDATE audit_log SET agent_id = 'mallory' WHERE id = 3`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r, path := openTest(t)
			for i := 0; i < 5; i++ {
				_, err := r.StartTrace(ctx, "agent-1", "tool", nil, "")
				require.NoError(t, err)
			}
			require.NoError(t, r.Flush(ctx))

			_, err := rawDB(t, path).Exec(tt.update)
			require.NoError(t, err)

			report, err := r.VerifyIntegrity(ctx)
			require.NoError(t, err)
			assert.False(t, report.Valid)
			assert.Equal(t, int64(3), report.FirstTamperedID)
			assert.Equal(t, 5, report.TotalEntries)
			assert.NotEmpty(t, report.Error)
		})
	}
}

func TestVerifyIntegrity_TerminalUpdatesDoNotBreakChain(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t)

	a, err := r.StartTrace(ctx, "agent-1", "tool", map[string]any{"x": 1}, "do it")
	require.NoError(t, err)
	b, err := r.StartTrace(ctx, "agent-1", "tool", nil, "")
	require.NoError(t, err)
	require.NoError(t, r.LogSuccess(ctx, a, map[string]any{"ok": true}, nil))
	require.NoError(t, r.LogViolation(ctx, b, "nope"))

	report, err := r.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestTraceLifecycle(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t)

	id, err := r.StartTrace(ctx, "agent-1", "write_file", map[string]any{"path": "/tmp/x"}, "write the report",
		WithMetadata(map[string]any{"request_id": "req-1"}))
	require.NoError(t, err)

	e, err := r.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictPending, e.PolicyVerdict)
	require.NotNil(t, e.InputPrompt)
	assert.Equal(t, "write the report", *e.InputPrompt)
	args, err := e.Args()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", args["path"])
	assert.JSONEq(t, `{"request_id":"req-1"}`, string(e.Metadata))

	ms := 12.5
	require.NoError(t, r.LogSuccess(ctx, id, map[string]any{"bytes": 42}, &ms))
	e, err = r.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllowed, e.PolicyVerdict)
	require.NotNil(t, e.Result)
	assert.JSONEq(t, `{"bytes":42}`, *e.Result)
	require.NotNil(t, e.ExecutionTimeMs)
	assert.Equal(t, 12.5, *e.ExecutionTimeMs)

	// A trace transitions once.
	require.NoError(t, r.LogViolation(ctx, id, "late"))
	e, err = r.GetTrace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerdictAllowed, e.PolicyVerdict)
	assert.Nil(t, e.ViolationReason)
}

func TestTerminalVerdicts(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t)

	blocked, _ := r.StartTrace(ctx, "a", "t", nil, "")
	shadow, _ := r.StartTrace(ctx, "a", "t", nil, "")
	shadowCustom, _ := r.StartTrace(ctx, "a", "t", nil, "")
	failed, _ := r.StartTrace(ctx, "a", "t", nil, "")
	plain, _ := r.StartTrace(ctx, "a", "t", nil, "")

	require.NoError(t, r.LogViolation(ctx, blocked, "blocked_import: subprocess"))
	require.NoError(t, r.LogShadowExec(ctx, shadow, ""))
	require.NoError(t, r.LogShadowExec(ctx, shadowCustom, "would have deleted 3 files"))
	require.NoError(t, r.LogError(ctx, failed, "timeout"))
	require.NoError(t, r.LogSuccess(ctx, plain, "done", nil))

	check := func(id string, verdict contracts.Verdict, reason, result string) {
		t.Helper()
		e, err := r.GetTrace(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, verdict, e.PolicyVerdict)
		if reason != "" {
			require.NotNil(t, e.ViolationReason)
			assert.Equal(t, reason, *e.ViolationReason)
		}
		if result != "" {
			require.NotNil(t, e.Result)
			assert.Equal(t, result, *e.Result)
		}
	}
	check(blocked, contracts.VerdictBlocked, "blocked_import: subprocess", "")
	check(shadow, contracts.VerdictShadow, "", DefaultShadowResult)
	check(shadowCustom, contracts.VerdictShadow, "", "would have deleted 3 files")
	check(failed, contracts.VerdictError, "timeout", "")
	check(plain, contracts.VerdictAllowed, "", "done")

	e, err := r.GetTrace(ctx, plain)
	require.NoError(t, err)
	assert.Nil(t, e.ExecutionTimeMs)
}

func TestGetTrace_NotFound(t *testing.T) {
	r, _ := openTest(t)
	_, err := r.GetTrace(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTraceNotFound)
}

func TestBatching_SizeTrigger(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r, path := openTest(t, WithBatchSize(3), WithFlushInterval(time.Hour), WithClock(clock.Now))
	db := rawDB(t, path)

	count := func() int {
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n))
		return n
	}

	_, err := r.StartTrace(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	_, err = r.StartTrace(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Pending())
	assert.Equal(t, 0, count())

	_, err = r.StartTrace(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	assert.Zero(t, r.Pending())
	assert.Equal(t, 3, count())
}

func TestBatching_IntervalTrigger(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r, _ := openTest(t, WithBatchSize(100), WithFlushInterval(5*time.Second), WithClock(clock.Now))

	_, err := r.StartTrace(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())

	clock.Advance(6 * time.Second)
	_, err = r.StartTrace(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	assert.Zero(t, r.Pending())
}

func TestBatching_Disabled(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t, WithBatching(false))

	id, err := r.StartTrace(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	assert.Zero(t, r.Pending())
	require.NoError(t, r.LogSuccess(ctx, id, nil, nil))
	assert.Zero(t, r.Pending())
}

func TestBackgroundFlush(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	r, err := Open(ctx, path, WithFlushInterval(20*time.Millisecond))
	require.NoError(t, err)
	defer r.Close()

	r.enqueue(op{query: insertTrace, args: []any{"t-1", formatTimestamp(time.Now()), "a", "t", nil, nil, nil, "h", GenesisHash}})
	assert.Eventually(t, func() bool { return r.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestQueryLogs(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r, _ := openTest(t, WithClock(clock.Now))

	var ids []string
	for i := 0; i < 6; i++ {
		agent := "alpha"
		if i%2 == 1 {
			agent = "beta"
		}
		id, err := r.StartTrace(ctx, agent, "tool", nil, "")
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Second)
	}
	require.NoError(t, r.LogViolation(ctx, ids[0], "no"))
	require.NoError(t, r.LogViolation(ctx, ids[2], "no"))

	all, err := r.QueryLogs(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, ids[5], all[0].TraceID, "newest first")
	assert.Equal(t, ids[0], all[5].TraceID)

	beta, err := r.QueryLogs(ctx, Filter{AgentID: "beta"})
	require.NoError(t, err)
	assert.Len(t, beta, 3)

	blocked, err := r.QueryLogs(ctx, Filter{AgentID: "alpha", Verdict: contracts.VerdictBlocked})
	require.NoError(t, err)
	assert.Len(t, blocked, 2)

	limited, err := r.QueryLogs(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	window, err := r.QueryLogs(ctx, Filter{StartTime: all[4].Timestamp, EndTime: all[1].Timestamp})
	require.NoError(t, err)
	assert.Len(t, window, 4)
}

func TestGetEventsInTimeRange(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	r, _ := openTest(t, WithClock(clock.Now))

	start := clock.Now()
	for i := 0; i < 4; i++ {
		_, err := r.StartTrace(ctx, fmt.Sprintf("agent-%d", i%2), "tool", nil, "")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	end := clock.Now()
	_, err := r.StartTrace(ctx, "agent-0", "tool", nil, "")
	require.NoError(t, err)

	events, err := r.GetEventsInTimeRange(ctx, start, end, "")
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].Timestamp.After(events[i-1].Timestamp), "oldest first")
	}

	agent0, err := r.GetEventsInTimeRange(ctx, start, end, "agent-0")
	require.NoError(t, err)
	assert.Len(t, agent0, 2)
}

func TestGetStatistics(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t)

	stats, err := r.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalActions)
	assert.Nil(t, stats.AvgExecutionTimeMs)

	ms := func(v float64) *float64 { return &v }
	a1, _ := r.StartTrace(ctx, "alpha", "t", nil, "")
	a2, _ := r.StartTrace(ctx, "alpha", "t", nil, "")
	b1, _ := r.StartTrace(ctx, "beta", "t", nil, "")
	_, _ = r.StartTrace(ctx, "alpha", "t", nil, "")
	require.NoError(t, r.LogSuccess(ctx, a1, "ok", ms(10)))
	require.NoError(t, r.LogSuccess(ctx, a2, "ok", ms(30)))
	require.NoError(t, r.LogViolation(ctx, b1, "no"))

	stats, err = r.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalActions)
	assert.Equal(t, int64(2), stats.ByVerdict[contracts.VerdictAllowed])
	assert.Equal(t, int64(1), stats.ByVerdict[contracts.VerdictBlocked])
	assert.Equal(t, int64(1), stats.ByVerdict[contracts.VerdictPending])
	require.Len(t, stats.TopAgents, 2)
	assert.Equal(t, AgentCount{AgentID: "alpha", Count: 3}, stats.TopAgents[0])
	require.NotNil(t, stats.AvgExecutionTimeMs)
	assert.InDelta(t, 20.0, *stats.AvgExecutionTimeMs, 1e-9)
}

func TestReopenContinuesChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	r, err := Open(ctx, path, WithBackgroundFlush(false))
	require.NoError(t, err)
	_, err = r.StartTrace(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	tip := r.Tip()
	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "close is idempotent")

	r, err = Open(ctx, path, WithBackgroundFlush(false))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, tip, r.Tip())

	_, err = r.StartTrace(ctx, "a", "t", nil, "")
	require.NoError(t, err)
	report, err := r.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.TotalEntries)
}

func TestWorkerConnections(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			wctx := WithWorker(ctx, fmt.Sprintf("worker-%d", w))
			for i := 0; i < 10; i++ {
				id, err := r.StartTrace(wctx, fmt.Sprintf("agent-%d", w), "tool", map[string]any{"i": i}, "")
				assert.NoError(t, err)
				assert.NoError(t, r.LogSuccess(wctx, id, "ok", nil))
			}
			assert.NoError(t, r.Flush(wctx))
		}(w)
	}
	wg.Wait()

	assert.Equal(t, "worker-2", WorkerFrom(WithWorker(ctx, "worker-2")))
	assert.Equal(t, DefaultWorker, WorkerFrom(ctx))
	assert.GreaterOrEqual(t, r.pool.size(), 2)

	report, err := r.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 40, report.TotalEntries)
}

func TestClosedRecorder(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t)
	require.NoError(t, r.Close())

	_, err := r.GetLog(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFlushFailureKeepsBuffer(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_log").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT entry_hash FROM audit_log").WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))

	r, err := New(ctx, db, WithBatching(false))
	require.NoError(t, err)

	diskFull := errors.New("database or disk is full")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_log").WillReturnError(diskFull)
	mock.ExpectRollback()

	id, err := r.StartTrace(ctx, "agent-1", "tool", nil, "")
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, 1, storeErr.Pending)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, r.Pending())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, r.Flush(ctx))
	assert.Zero(t, r.Pending())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushCommitFailure(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_log").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT entry_hash FROM audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow("abc123"))

	r, err := New(ctx, db, WithBackgroundFlush(false))
	require.NoError(t, err)
	assert.Equal(t, "abc123", r.Tip())

	_, err = r.StartTrace(ctx, "agent-1", "tool", nil, "")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("locked"))

	err = r.Flush(ctx)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "commit", storeErr.Op)
	assert.Equal(t, 1, r.Pending())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartTrace_DuplicateTraceID(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t)

	_, err := r.StartTrace(ctx, "agent-1", "tool", nil, "", WithTraceID("trace-1"))
	require.NoError(t, err)
	tip := r.Tip()

	// Still buffered.
	_, err = r.StartTrace(ctx, "agent-1", "tool", nil, "", WithTraceID("trace-1"))
	assert.ErrorIs(t, err, ErrDuplicateTrace)
	assert.Equal(t, tip, r.Tip())
	assert.Equal(t, 1, r.Pending())

	// Committed.
	require.NoError(t, r.Flush(ctx))
	_, err = r.StartTrace(ctx, "agent-1", "tool", nil, "", WithTraceID("trace-1"))
	assert.ErrorIs(t, err, ErrDuplicateTrace)
	assert.Equal(t, tip, r.Tip())

	_, err = r.StartTrace(ctx, "agent-2", "tool", nil, "")
	require.NoError(t, err)

	entries, err := r.QueryLogs(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	report, err := r.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

// constraintError mimics the driver error for SQLITE_CONSTRAINT_UNIQUE.
type constraintError struct{}

func (constraintError) Error() string { return "UNIQUE constraint failed: audit_log.trace_id" }
func (constraintError) Code() int     { return 2067 }

func TestFlushDropsRejectedWrite(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_log").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT entry_hash FROM audit_log").WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))

	r, err := New(ctx, db, WithBackgroundFlush(false))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := r.StartTrace(ctx, "agent-1", "tool", nil, "")
		require.NoError(t, err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_log").WillReturnError(constraintError{})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err = r.Flush(ctx)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, 1, storeErr.Dropped)
	assert.Zero(t, storeErr.Pending)
	assert.Zero(t, r.Pending())

	// Nothing is left to block the next flush.
	require.NoError(t, r.Flush(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSlowFlushDoesNotBlockStartTrace(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_log").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT entry_hash FROM audit_log").WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))

	r, err := New(ctx, db, WithBackgroundFlush(false), WithFlushInterval(time.Hour))
	require.NoError(t, err)
	_, err = r.StartTrace(ctx, "agent-1", "tool", nil, "")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_log").WillDelayFor(500 * time.Millisecond).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	flushed := make(chan error, 1)
	go func() { flushed <- r.Flush(ctx) }()
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, time.Millisecond)

	start := time.Now()
	_, err = r.StartTrace(ctx, "agent-2", "tool", nil, "")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, 1, r.Pending())

	require.NoError(t, <-flushed)
	assert.Equal(t, 1, r.Pending(), "ops queued during a flush wait for the next one")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_log").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()
	require.NoError(t, r.Flush(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportBundle(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t)

	for i := 0; i < 4; i++ {
		id, err := r.StartTrace(ctx, "agent-1", "tool", map[string]any{"n": i, "tag": "<x>"}, "")
		require.NoError(t, err)
		require.NoError(t, r.LogSuccess(ctx, id, i, nil))
	}

	b, err := r.ExportBundle(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, b.EntryCount)
	assert.Equal(t, BundleVersion, b.Version)
	assert.Equal(t, r.Tip(), b.ChainHead)
	require.NoError(t, VerifyBundle(b))

	b.Entries[1].AgentID = "mallory"
	assert.Error(t, VerifyBundle(b))

	_, err = r.ExportBundle(ctx, Filter{AgentID: "nobody"})
	assert.ErrorIs(t, err, ErrEmptyBundle)
}

func TestVerifyBundle_RecomputesEntryHashes(t *testing.T) {
	ctx := context.Background()
	r, _ := openTest(t)
	for i := 0; i < 3; i++ {
		_, err := r.StartTrace(ctx, "agent-1", "tool", nil, "")
		require.NoError(t, err)
	}
	b, err := r.ExportBundle(ctx, Filter{})
	require.NoError(t, err)

	b.Entries[2].ToolName = "rm"
	data, err := json.Marshal(b.Entries)
	require.NoError(t, err)
	b.BundleHash = sha256Hex(data)
	assert.ErrorContains(t, VerifyBundle(b), "hash mismatch")
}
