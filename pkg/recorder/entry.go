package recorder

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

var (
	ErrTraceNotFound  = errors.New("trace not found")
	ErrDuplicateTrace = errors.New("trace id already recorded")
	ErrClosed         = errors.New("recorder is closed")
)

// StoreError is returned when the write buffer cannot be committed. The
// buffered operations are kept and retried on the next flush, except those
// the database rejected outright, which are counted in Dropped.
type StoreError struct {
	Op      string
	Pending int
	Dropped int
	Err     error
}

func (e *StoreError) Error() string {
	if e.Dropped > 0 {
		return fmt.Sprintf("flight recorder %s failed (%d ops pending, %d dropped): %v", e.Op, e.Pending, e.Dropped, e.Err)
	}
	return fmt.Sprintf("flight recorder %s failed (%d ops pending): %v", e.Op, e.Pending, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// timestampLayout is fixed width so that string order is time order.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{timestampLayout, time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// AuditEntry is one row of the audit log. Callers receive copies.
type AuditEntry struct {
	ID              int64             `json:"id"`
	TraceID         string            `json:"trace_id"`
	Timestamp       time.Time         `json:"timestamp"`
	AgentID         string            `json:"agent_id"`
	ToolName        string            `json:"tool_name"`
	ToolArgs        json.RawMessage   `json:"tool_args,omitempty"`
	InputPrompt     *string           `json:"input_prompt,omitempty"`
	PolicyVerdict   contracts.Verdict `json:"policy_verdict"`
	ViolationReason *string           `json:"violation_reason,omitempty"`
	Result          *string           `json:"result,omitempty"`
	ExecutionTimeMs *float64          `json:"execution_time_ms,omitempty"`
	Metadata        json.RawMessage   `json:"metadata,omitempty"`
	EntryHash       string            `json:"entry_hash"`
	PreviousHash    string            `json:"previous_hash"`
}

// Args decodes ToolArgs. A NULL column decodes to nil.
func (e *AuditEntry) Args() (map[string]any, error) {
	if len(e.ToolArgs) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(e.ToolArgs, &out); err != nil {
		return nil, fmt.Errorf("decode tool_args: %w", err)
	}
	return out, nil
}

// Filter selects entries for QueryLogs and ExportBundle. Zero fields do not filter.
type Filter struct {
	AgentID   string
	Verdict   contracts.Verdict
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// DefaultQueryLimit applies when Filter.Limit is zero.
const DefaultQueryLimit = 100

// AgentCount is one row of Statistics.TopAgents.
type AgentCount struct {
	AgentID string `json:"agent_id"`
	Count   int64  `json:"count"`
}

// Statistics aggregates the whole log.
type Statistics struct {
	TotalActions       int64                       `json:"total_actions"`
	ByVerdict          map[contracts.Verdict]int64 `json:"by_verdict"`
	TopAgents          []AgentCount                `json:"top_agents"`
	AvgExecutionTimeMs *float64                    `json:"avg_execution_time_ms"`
}

const entryColumns = `id, trace_id, timestamp, agent_id, tool_name, tool_args, input_prompt,
	policy_verdict, violation_reason, result, execution_time_ms, metadata, entry_hash, previous_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*AuditEntry, error) {
	var (
		e           AuditEntry
		timestamp   string
		verdict     string
		toolArgs    sql.NullString
		inputPrompt sql.NullString
		reason      sql.NullString
		result      sql.NullString
		execTime    sql.NullFloat64
		metadata    sql.NullString
		entryHash   sql.NullString
		prevHash    sql.NullString
	)
	if err := row.Scan(&e.ID, &e.TraceID, &timestamp, &e.AgentID, &e.ToolName, &toolArgs, &inputPrompt,
		&verdict, &reason, &result, &execTime, &metadata, &entryHash, &prevHash); err != nil {
		return nil, err
	}
	e.Timestamp = parseTimestamp(timestamp)
	e.PolicyVerdict = contracts.Verdict(verdict)
	if toolArgs.Valid {
		e.ToolArgs = json.RawMessage(toolArgs.String)
	}
	if metadata.Valid {
		e.Metadata = json.RawMessage(metadata.String)
	}
	e.InputPrompt = nullString(inputPrompt)
	e.ViolationReason = nullString(reason)
	e.Result = nullString(result)
	if execTime.Valid {
		v := execTime.Float64
		e.ExecutionTimeMs = &v
	}
	e.EntryHash = entryHash.String
	e.PreviousHash = prevHash.String
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*AuditEntry, error) {
	defer func() { _ = rows.Close() }()
	var out []*AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
