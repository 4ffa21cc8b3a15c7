package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/govkernel/pkg/config"
	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
	"github.com/Mindburn-Labs/govkernel/pkg/kernel"
	"github.com/Mindburn-Labs/govkernel/pkg/observability"
	"github.com/Mindburn-Labs/govkernel/pkg/sandbox"
)

type runOptions struct {
	agent    string
	action   string
	codeFile string
	language string
	wasmFile string
	input    string
	prompt   string
	shadow   bool
	params   map[string]string
}

// runCmd implements `govkernel run`: one governed action through the full
// kernel path, recorded in the flight recorder.
//
// Exit codes:
//
//	0 = allowed or shadowed
//	1 = blocked
//	2 = execution error or runtime error
func (c *cli) runCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one governed action",
		Long: `Execute one governed action through admission, the sandbox and the
flight recorder.

Go source given with --file runs in the embedded interpreter. A WASI module
given with --wasm runs under the sandbox's memory and time limits. Without
either, the action is only recorded, which requires shadow mode.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.agent, "agent", "", "Agent performing the action (REQUIRED)")
	f.StringVar(&o.action, "action", string(contracts.ActionCodeExec), "Action type")
	f.StringVar(&o.codeFile, "file", "", "Source file to validate and execute")
	f.StringVar(&o.language, "lang", string(sandbox.LanguageGo), "Language of --file")
	f.StringVar(&o.wasmFile, "wasm", "", "WASI module to execute")
	f.StringVar(&o.input, "input", "", "Input passed to the program")
	f.StringVar(&o.prompt, "prompt", "", "Prompt that led to the action")
	f.BoolVar(&o.shadow, "shadow", false, "Validate and record without executing")
	f.StringToStringVar(&o.params, "param", nil, "Action parameter key=value (repeatable)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func (c *cli) run(ctx context.Context, o runOptions) error {
	if o.codeFile != "" && o.wasmFile != "" {
		return errors.New("--file and --wasm are mutually exclusive")
	}
	action, err := contracts.ParseActionType(o.action)
	if err != nil {
		return err
	}

	req, module, err := buildRequest(o, action)
	if err != nil {
		return err
	}

	var pol *config.KernelPolicy
	if c.policyFile != "" {
		if pol, err = config.LoadPolicy(c.policyFile); err != nil {
			return err
		}
	}

	obs, err := c.observability(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(sctx); err != nil {
			c.logger.WarnContext(ctx, "observability shutdown failed", "error", err)
		}
	}()

	cfg := *c.cfg
	cfg.DBPath = c.dbPath
	cfg.ShadowMode = cfg.ShadowMode || o.shadow
	k, err := kernel.Build(ctx, &cfg, pol,
		kernel.WithObservability(obs),
		kernel.WithLogger(c.logger.With("component", "kernel")),
	)
	if err != nil {
		return err
	}
	defer func() { _ = k.Close() }()

	var exec kernel.Executor
	if module != nil {
		exec = wasmExecutor(k.Sandbox(), module, []byte(o.input))
	}
	out, execErr := k.Execute(ctx, req, exec)
	if out == nil {
		return execErr
	}
	if c.jsonOut {
		if err := writeJSON(c.stdout, out); err != nil {
			return err
		}
	} else {
		printOutcome(c, out)
	}

	switch {
	case out.Verdict == contracts.VerdictBlocked:
		return failed(nil)
	case execErr != nil:
		return &exitError{code: exitRuntime, err: execErr}
	}
	return nil
}

// buildRequest assembles the request and reads the WASI module, if any.
// Go source needs no executor: the kernel runs it in the interpreter.
func buildRequest(o runOptions, action contracts.ActionType) (contracts.ExecutionRequest, []byte, error) {
	keys := make([]string, 0, len(o.params))
	for k := range o.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]contracts.Param, 0, len(keys)+1)
	for _, k := range keys {
		params = append(params, contracts.Param{Key: k, Value: o.params[k]})
	}
	if o.input != "" {
		params = append(params, contracts.Param{Key: "input", Value: o.input})
	}

	opts := []contracts.RequestOption{contracts.WithInputPrompt(o.prompt)}
	var module []byte
	switch {
	case o.codeFile != "":
		code, err := os.ReadFile(o.codeFile)
		if err != nil {
			return contracts.ExecutionRequest{}, nil, fmt.Errorf("cannot read source: %w", err)
		}
		opts = append(opts, contracts.WithCode(o.language, string(code)))
	case o.wasmFile != "":
		data, err := os.ReadFile(o.wasmFile)
		if err != nil {
			return contracts.ExecutionRequest{}, nil, fmt.Errorf("cannot read module: %w", err)
		}
		module = data
		opts = append(opts, contracts.WithToolName("wasm:"+filepath.Base(o.wasmFile)))
	}

	req, err := contracts.NewExecutionRequest(o.agent, action, params, opts...)
	return req, module, err
}

func wasmExecutor(sb *sandbox.Sandbox, module, input []byte) kernel.Executor {
	return func(ctx context.Context, _ *sandbox.Env, _ contracts.ExecutionRequest) (any, error) {
		runner, err := sb.NewWasmRunner(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = runner.Close(ctx) }()
		out, err := runner.Run(ctx, module, input)
		if err != nil {
			return nil, err
		}
		return string(out), nil
	}
}

func (c *cli) observability(ctx context.Context) (*observability.Provider, error) {
	oc := observability.DefaultConfig()
	oc.Enabled = c.cfg.OTelEnabled
	oc.OTLPEndpoint = c.cfg.OTelEndpoint
	oc.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	return observability.New(ctx, oc)
}

func printOutcome(c *cli, out *kernel.Outcome) {
	_, _ = fmt.Fprintf(c.stdout, "Verdict: %s\n", out.Verdict)
	_, _ = fmt.Fprintf(c.stdout, "Trace: %s\n", out.TraceID)
	if out.Reason != "" {
		_, _ = fmt.Fprintf(c.stdout, "Reason: %s\n", out.Reason)
	}
	for _, v := range out.Violations {
		_, _ = fmt.Fprintf(c.stdout, "  - %s\n", v.String())
	}
	if out.Result != nil {
		_, _ = fmt.Fprintf(c.stdout, "Result: %v\n", out.Result)
	}
	if out.ExecutionTimeMs > 0 {
		_, _ = fmt.Fprintf(c.stdout, "Execution time: %.2fms\n", out.ExecutionTimeMs)
	}
}
