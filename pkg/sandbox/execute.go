package sandbox

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Env is what a sandboxed callable sees: every import, builtin lookup and
// file open goes through it and is checked against the installed guards and config.
type Env struct {
	sb      *Sandbox
	guard   *Guard
	globals *Globals
}

// Guard returns the guard installed for this execution.
func (e *Env) Guard() *Guard { return e.guard }

// Globals returns the restricted namespace for this execution.
func (e *Env) Globals() *Globals { return e.globals }

// Import asks the loader for module. A vetoed module returns *SecurityError.
func (e *Env) Import(module string) error {
	if err := e.sb.hooks.Check(module); err != nil {
		e.sb.logger.Warn("blocked import", "module", module, "guard_id", e.guard.ID())
		return err
	}
	return nil
}

// Builtin resolves a builtin from the restricted namespace.
func (e *Env) Builtin(name string) (BuiltinFunc, error) {
	fn, ok := e.globals.Builtin(name)
	if !ok {
		return nil, fmt.Errorf("name '%s' is not defined", name)
	}
	return fn, nil
}

// Call resolves and invokes a builtin.
func (e *Env) Call(name string, args ...any) (any, error) {
	fn, err := e.Builtin(name)
	if err != nil {
		return nil, err
	}
	return fn(args...)
}

// Open opens path if the allowlist permits it. Mode follows the usual
// r, w, a, x and + letters.
func (e *Env) Open(path, mode string) (*os.File, error) {
	if !e.sb.CheckFileAccess(path, mode) {
		e.sb.logger.Warn("blocked file access", "path", path, "mode", mode, "write", isWriteMode(mode))
		return nil, fileBlocked(path, mode)
	}
	return os.OpenFile(path, openFlags(mode), 0o600)
}

func openFlags(mode string) int {
	plus := strings.ContainsRune(mode, '+')
	var flag int
	switch {
	case strings.ContainsRune(mode, 'w'):
		flag = os.O_CREATE | os.O_TRUNC
	case strings.ContainsRune(mode, 'a'):
		flag = os.O_CREATE | os.O_APPEND
	case strings.ContainsRune(mode, 'x'):
		flag = os.O_CREATE | os.O_EXCL
	default:
		if plus {
			return os.O_RDWR
		}
		return os.O_RDONLY
	}
	if plus {
		return flag | os.O_RDWR
	}
	return flag | os.O_WRONLY
}

// ExecuteSandboxed runs fn with a fresh guard installed on the sandbox's hook
// list and a restricted namespace. The guard is uninstalled on every exit path.
// Executions on one sandbox are serialized. A panic in fn is returned as an error.
func (s *Sandbox) ExecuteSandboxed(ctx context.Context, fn func(ctx context.Context, env *Env) (any, error)) (result any, err error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	guard := NewGuard(s.cfg.BlockedModules)
	s.hooks.Install(guard)
	defer s.hooks.Uninstall(guard)

	env := &Env{sb: s, guard: guard, globals: s.CreateRestrictedGlobals(nil)}

	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = fmt.Errorf("sandboxed call panicked: %w", perr)
			} else {
				err = fmt.Errorf("sandboxed call panicked: %v", r)
			}
			result = nil
		}
	}()

	return fn(ctx, env)
}
