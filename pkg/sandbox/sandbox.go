package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Sandbox holds a read-only rule set and the hook list its executions install guards on.
// Static validation and the predicates are safe for concurrent use; executions
// are serialized per instance.
type Sandbox struct {
	cfg      Config
	modules  moduleSet
	builtins nameSet
	allowed  []string

	hooks  *HookList
	execMu sync.Mutex
	logger *slog.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// New builds a sandbox from cfg. The config is copied.
func New(cfg Config, opts ...Option) *Sandbox {
	cfg = cfg.clone()
	s := &Sandbox{
		cfg:      cfg,
		modules:  moduleSet(cfg.BlockedModules),
		builtins: newNameSet(cfg.BlockedBuiltins),
		hooks:    &HookList{},
		logger:   slog.Default().With("component", "sandbox"),
	}
	for _, p := range cfg.AllowedPaths {
		if n := normalizePath(p); n != "" {
			s.allowed = append(s.allowed, n)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns a copy of the sandbox configuration.
func (s *Sandbox) Config() Config { return s.cfg.clone() }

// Hooks returns the sandbox's own hook list.
func (s *Sandbox) Hooks() *HookList { return s.hooks }

// ValidateCode analyzes code with the configured default language.
func (s *Sandbox) ValidateCode(code string) []SecurityViolation {
	return s.ValidateCodeAs(s.cfg.Language, code)
}

// ValidateCodeAs analyzes code as lang. Findings are returned as data; a
// syntax error yields exactly one syntax_error violation.
func (s *Sandbox) ValidateCodeAs(lang Language, code string) []SecurityViolation {
	var (
		out []SecurityViolation
		err error
	)
	switch lang {
	case LanguageGo:
		out = goAnalyzer{modules: s.modules, builtins: s.builtins}.analyze(code)
	case LanguagePython, "":
		out, err = pythonAnalyzer{modules: s.modules, builtins: s.builtins}.analyze(context.Background(), code)
	default:
		err = fmt.Errorf("unsupported language %q", lang)
	}
	if err != nil {
		s.logger.Error("static analysis failed", "language", lang, "error", err)
		return []SecurityViolation{NewViolation(1, 0, ViolationSyntaxError, err.Error())}
	}
	if len(out) > 0 {
		s.logger.Info("static violations found", "language", lang, "count", len(out))
	}
	return out
}

// CheckImport reports whether module may be imported.
func (s *Sandbox) CheckImport(module string) bool {
	return !s.modules.blocks(module)
}

// CheckBuiltin reports whether the builtin name may be called.
func (s *Sandbox) CheckBuiltin(name string) bool {
	return !s.builtins.has(name)
}

// CheckFileAccess reports whether path may be opened with mode. Access is
// denied unless the normalized path lies under an allowed prefix; write modes
// use the same allowlist.
func (s *Sandbox) CheckFileAccess(path, mode string) bool {
	if len(s.allowed) == 0 {
		return false
	}
	p := normalizePath(path)
	if p == "" || escapesRoot(p) {
		return false
	}
	for _, prefix := range s.allowed {
		if underPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// CreateRestrictedGlobals builds an execution namespace in which blocked
// builtins return *SecurityError and extra bindings are merged in.
func (s *Sandbox) CreateRestrictedGlobals(extra map[string]any) *Globals {
	return newGlobals(s.builtins, extra)
}
