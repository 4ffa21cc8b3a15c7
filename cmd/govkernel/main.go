package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/govkernel/pkg/config"
	"github.com/Mindburn-Labs/govkernel/pkg/recorder"
)

// Exit codes shared by every subcommand.
const (
	exitOK      = 0
	exitFailed  = 1 // verification or policy check failed
	exitRuntime = 2 // bad usage or runtime error
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// exitError carries a non-zero exit code out of a RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// failed reports a check that ran to completion and did not pass.
func failed(err error) error { return &exitError{code: exitFailed, err: err} }

// cli is the state shared by subcommands of one invocation.
type cli struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	dbPath     string
	policyFile string
	jsonOut    bool
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	c := &cli{cfg: config.Load(), stdout: stdout, stderr: stderr}
	root := c.rootCmd()
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitRuntime
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "govkernel",
		Short: "Governance kernel for autonomous agent actions",
		Long: `govkernel admits, sandboxes and records agent actions.

Every action is written to a hash-chained flight recorder that can be
queried, verified and exported as a self-verifying bundle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.logger = c.cfg.NewLogger(c.stderr)
			slog.SetDefault(c.logger)
		},
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	root.PersistentFlags().StringVar(&c.dbPath, "db", c.cfg.DBPath, "Flight recorder database path (GOVKERNEL_DB_PATH)")
	root.PersistentFlags().StringVar(&c.policyFile, "policy", c.cfg.PolicyFile, "Kernel policy file (GOVKERNEL_POLICY_FILE)")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Output results as JSON")

	root.AddCommand(
		c.verifyCmd(),
		c.statsCmd(),
		c.queryCmd(),
		c.traceCmd(),
		c.exportCmd(),
		c.bundleCmd(),
		c.validateCmd(),
		c.runCmd(),
	)
	return root
}

// openRecorder opens the flight recorder for read-side commands. Writes are
// flushed synchronously so no background goroutine outlives the command.
func (c *cli) openRecorder(ctx context.Context) (*recorder.Recorder, error) {
	if _, err := os.Stat(c.dbPath); err != nil {
		return nil, fmt.Errorf("flight recorder %s: %w", c.dbPath, err)
	}
	return recorder.Open(ctx, c.dbPath,
		recorder.WithBackgroundFlush(false),
		recorder.WithLogger(c.logger.With("component", "flight_recorder")),
	)
}
