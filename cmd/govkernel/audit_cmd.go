package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
	"github.com/Mindburn-Labs/govkernel/pkg/recorder"
)

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// verifyCmd implements `govkernel verify`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken or tampered
//	2 = runtime error
func (c *cli) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the flight recorder hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rec, err := c.openRecorder(ctx)
			if err != nil {
				return &exitError{code: exitRuntime, err: err}
			}
			defer func() { _ = rec.Close() }()

			report, err := rec.VerifyIntegrity(ctx)
			if err != nil {
				return &exitError{code: exitRuntime, err: err}
			}

			if c.jsonOut {
				if err := writeJSON(c.stdout, report); err != nil {
					return err
				}
			} else if report.Valid {
				_, _ = fmt.Fprintf(c.stdout, "Flight recorder verification PASSED\n")
				_, _ = fmt.Fprintf(c.stdout, "Database: %s\n", c.dbPath)
				_, _ = fmt.Fprintf(c.stdout, "Entries: %d\n", report.TotalEntries)
			} else {
				_, _ = fmt.Fprintf(c.stdout, "Flight recorder verification FAILED\n")
				_, _ = fmt.Fprintf(c.stdout, "Database: %s\n", c.dbPath)
				_, _ = fmt.Fprintf(c.stdout, "  - %s\n", report.Error)
				if report.FirstTamperedID != 0 {
					_, _ = fmt.Fprintf(c.stdout, "  - first tampered entry: %d\n", report.FirstTamperedID)
				}
			}
			if !report.Valid {
				return failed(nil)
			}
			return nil
		},
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rec, err := c.openRecorder(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			stats, err := rec.GetStatistics(ctx)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return writeJSON(c.stdout, stats)
			}

			_, _ = fmt.Fprintf(c.stdout, "Total actions: %d\n", stats.TotalActions)
			verdicts := make([]string, 0, len(stats.ByVerdict))
			for v := range stats.ByVerdict {
				verdicts = append(verdicts, string(v))
			}
			sort.Strings(verdicts)
			for _, v := range verdicts {
				_, _ = fmt.Fprintf(c.stdout, "  %-8s %d\n", v, stats.ByVerdict[contracts.Verdict(v)])
			}
			if stats.AvgExecutionTimeMs != nil {
				_, _ = fmt.Fprintf(c.stdout, "Mean execution time: %.2fms\n", *stats.AvgExecutionTimeMs)
			}
			if len(stats.TopAgents) > 0 {
				_, _ = fmt.Fprintln(c.stdout, "Top agents:")
				for _, a := range stats.TopAgents {
					_, _ = fmt.Fprintf(c.stdout, "  %-24s %d\n", a.AgentID, a.Count)
				}
			}
			return nil
		},
	}
}

// filterFlags binds the Filter fields shared by query and export.
type filterFlags struct {
	agent   string
	verdict string
	since   time.Duration
	until   time.Duration
	limit   int
}

func (f *filterFlags) bind(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVar(&f.agent, "agent", "", "Only entries for this agent")
	cmd.Flags().StringVar(&f.verdict, "verdict", "", "Only entries with this verdict (pending, allowed, blocked, shadow, error)")
	cmd.Flags().DurationVar(&f.since, "since", 0, "Only entries newer than this age, e.g. 24h")
	cmd.Flags().DurationVar(&f.until, "until", 0, "Only entries older than this age")
	cmd.Flags().IntVar(&f.limit, "limit", defaultLimit, "Maximum number of entries")
}

func (f *filterFlags) filter(now time.Time) (recorder.Filter, error) {
	out := recorder.Filter{AgentID: f.agent, Limit: f.limit}
	if f.verdict != "" {
		v := contracts.Verdict(f.verdict)
		if !v.Valid() {
			return out, fmt.Errorf("unknown verdict %q", f.verdict)
		}
		out.Verdict = v
	}
	if f.since > 0 {
		out.StartTime = now.Add(-f.since)
	}
	if f.until > 0 {
		out.EndTime = now.Add(-f.until)
	}
	return out, nil
}

func (c *cli) queryCmd() *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List recorded actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter(time.Now().UTC())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rec, err := c.openRecorder(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			entries, err := rec.QueryLogs(ctx, f)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return writeJSON(c.stdout, entries)
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %-8s %-20s %-16s %s",
					e.Timestamp.Format(time.RFC3339), e.PolicyVerdict, e.AgentID, e.ToolName, e.TraceID)
				if e.ViolationReason != nil {
					line += "  " + *e.ViolationReason
				}
				_, _ = fmt.Fprintln(c.stdout, line)
			}
			return nil
		},
	}
	ff.bind(cmd, recorder.DefaultQueryLimit)
	return cmd
}

func (c *cli) traceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <trace-id>",
		Short: "Show one recorded action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rec, err := c.openRecorder(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rec.Close() }()

			e, err := rec.GetTrace(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(c.stdout, e)
		},
	}
}
