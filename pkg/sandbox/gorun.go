package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// hostPackages are never exposed to interpreted code, whatever the config
// says: they reach the host filesystem, processes or memory directly.
var hostPackages = moduleSet{
	"os", "io/ioutil", "path/filepath", "net", "syscall", "unsafe", "plugin",
	"runtime", "log/syslog", "embed",
}

// GoResult is the outcome of RunGo.
type GoResult struct {
	Output string `json:"output"`
	Stdout string `json:"stdout,omitempty"`
}

// RunGo statically validates code, then interprets it inside ExecuteSandboxed.
// The code must define func Run(input string) (string, error). Only standard
// library packages whose import passes the installed guard are visible.
func (s *Sandbox) RunGo(ctx context.Context, code, input string) (*GoResult, error) {
	if v := s.ValidateCodeAs(LanguageGo, code); len(v) > 0 {
		return nil, &ViolationsError{Violations: v}
	}

	if s.cfg.MaxCPUSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.MaxCPUSeconds)*time.Second)
		defer cancel()
	}

	res, err := s.ExecuteSandboxed(ctx, func(ctx context.Context, env *Env) (any, error) {
		return runInterpreted(ctx, env, code, input)
	})
	if err != nil {
		return nil, err
	}
	return res.(*GoResult), nil
}

func runInterpreted(ctx context.Context, env *Env, code, input string) (*GoResult, error) {
	src, _ := goSource(code)
	file, err := parser.ParseFile(token.NewFileSet(), "sandboxed.go", src, parser.ImportsOnly)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	for _, spec := range file.Imports {
		ipath, _ := strconv.Unquote(spec.Path.Value)
		if err := env.Import(ipath); err != nil {
			return nil, err
		}
		if hostPackages.blocks(ipath) {
			return nil, importBlocked(ipath)
		}
	}

	var stdout bytes.Buffer
	i := interp.New(interp.Options{Stdout: &stdout, Stderr: &stdout})
	if err := i.Use(visibleSymbols(env)); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		if ctx.Err() != nil {
			return nil, timeExhausted(ctx)
		}
		return nil, fmt.Errorf("code evaluation failed: %w", err)
	}

	entry := "Run"
	if file.Name.Name != "main" {
		entry = file.Name.Name + ".Run"
	}
	runVal, err := i.EvalWithContext(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("run function not found: %w", err)
	}
	if _, ok := runVal.Interface().(func(string) (string, error)); !ok {
		return nil, fmt.Errorf("run has incorrect signature (expected: func Run(string) (string, error))")
	}

	// The call runs inside the interpreter so that cancelling ctx stops it.
	// Results come back as []string{out} or []string{out, errMsg}.
	call := fmt.Sprintf(`func() []string {
	out, err := %s(%q)
	if err != nil {
		return []string{out, err.Error()}
	}
	return []string{out}
}()`, entry, input)
	resVal, err := i.EvalWithContext(ctx, call)
	switch {
	case ctx.Err() != nil:
		return nil, timeExhausted(ctx)
	case err != nil:
		return nil, fmt.Errorf("interpreted code failed: %w", err)
	}
	res, ok := resVal.Interface().([]string)
	if !ok || len(res) == 0 {
		return nil, fmt.Errorf("run returned %v", resVal)
	}
	if len(res) == 2 {
		return nil, errors.New(res[1])
	}
	return &GoResult{Output: res[0], Stdout: stdout.String()}, nil
}

// visibleSymbols filters the yaegi stdlib export table through the guard.
// Keys have the form "import/path/name".
func visibleSymbols(env *Env) interp.Exports {
	out := make(interp.Exports, len(stdlib.Symbols))
	for key, syms := range stdlib.Symbols {
		ipath := key
		if i := strings.LastIndexByte(key, '/'); i > 0 {
			ipath = key[:i]
		}
		if hostPackages.blocks(ipath) || env.sb.hooks.Check(ipath) != nil {
			continue
		}
		out[key] = syms
	}
	return out
}

func timeExhausted(ctx context.Context) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	return &LimitError{
		Code:    ErrComputeTimeExhausted,
		Message: "interpreted execution exceeded time limit",
	}
}
