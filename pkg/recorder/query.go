package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

// QueryLogs returns entries matching f, newest first.
func (r *Recorder) QueryLogs(ctx context.Context, f Filter) ([]*AuditEntry, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query := `SELECT ` + entryColumns + ` FROM audit_log` + where + ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	return r.queryEntries(ctx, query, append(args, limit)...)
}

// GetEventsInTimeRange returns entries with start <= timestamp <= end, oldest
// first, optionally for one agent.
func (r *Recorder) GetEventsInTimeRange(ctx context.Context, start, end time.Time, agentID string) ([]*AuditEntry, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	f := Filter{AgentID: agentID, StartTime: start, EndTime: end}
	where, args := f.where()
	query := `SELECT ` + entryColumns + ` FROM audit_log` + where + ` ORDER BY timestamp ASC, id ASC`
	return r.queryEntries(ctx, query, args...)
}

// GetLog returns the complete log, oldest first, for replaying a session.
func (r *Recorder) GetLog(ctx context.Context) ([]*AuditEntry, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	return r.queryEntries(ctx, `SELECT `+entryColumns+` FROM audit_log ORDER BY timestamp ASC, id ASC`)
}

// GetTrace returns a single entry or ErrTraceNotFound.
func (r *Recorder) GetTrace(ctx context.Context, traceID string) (*AuditEntry, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	conn, err := r.pool.get(ctx)
	if err != nil {
		return nil, err
	}
	e, err := scanEntry(conn.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_log WHERE trace_id = ?`, traceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, traceID)
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %s: %w", traceID, err)
	}
	return e, nil
}

// GetStatistics aggregates totals, per-verdict counts, the ten busiest agents
// and the mean execution time of entries that recorded one.
func (r *Recorder) GetStatistics(ctx context.Context) (*Statistics, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	conn, err := r.pool.get(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{ByVerdict: make(map[contracts.Verdict]int64), TopAgents: []AgentCount{}}
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&stats.TotalActions); err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}

	rows, err := conn.QueryContext(ctx, `SELECT policy_verdict, COUNT(*) FROM audit_log GROUP BY policy_verdict`)
	if err != nil {
		return nil, fmt.Errorf("count by verdict: %w", err)
	}
	for rows.Next() {
		var (
			v string
			n int64
		)
		if err := rows.Scan(&v, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.ByVerdict[contracts.Verdict(v)] = n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = conn.QueryContext(ctx, `SELECT agent_id, COUNT(*) AS count FROM audit_log GROUP BY agent_id ORDER BY count DESC, agent_id ASC LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("top agents: %w", err)
	}
	for rows.Next() {
		var ac AgentCount
		if err := rows.Scan(&ac.AgentID, &ac.Count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.TopAgents = append(stats.TopAgents, ac)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := conn.QueryRowContext(ctx, `SELECT AVG(execution_time_ms) FROM audit_log WHERE execution_time_ms IS NOT NULL`).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average execution time: %w", err)
	}
	if avg.Valid {
		v := avg.Float64
		stats.AvgExecutionTimeMs = &v
	}
	return stats, nil
}

func (r *Recorder) queryEntries(ctx context.Context, query string, args ...any) ([]*AuditEntry, error) {
	conn, err := r.pool.get(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	return scanEntries(rows)
}

func (f Filter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Verdict != "" {
		clauses = append(clauses, "policy_verdict = ?")
		args = append(args, string(f.Verdict))
	}
	if !f.StartTime.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, formatTimestamp(f.StartTime))
	}
	if !f.EndTime.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, formatTimestamp(f.EndTime))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
