package sandbox

import (
	"fmt"
	"strings"
)

// Violation types reported by static analysis.
const (
	ViolationBlockedImport     = "blocked_import"
	ViolationBlockedModuleCall = "blocked_module_call"
	ViolationBlockedBuiltin    = "blocked_builtin"
	ViolationSyntaxError       = "syntax_error"
	// ViolationBlockedFile is only raised dynamically.
	ViolationBlockedFile = "blocked_file_access"
)

// DefaultSeverity is used when a violation is built without one.
const DefaultSeverity = "high"

// SecurityViolation is one static finding. Line is 1-based, Column 0-based.
type SecurityViolation struct {
	Line          int    `json:"line"`
	Column        int    `json:"column"`
	ViolationType string `json:"violation_type"`
	Description   string `json:"description"`
	Severity      string `json:"severity"`
}

// NewViolation builds a violation with the default severity.
func NewViolation(line, column int, violationType, description string) SecurityViolation {
	return SecurityViolation{
		Line:          line,
		Column:        column,
		ViolationType: violationType,
		Description:   description,
		Severity:      DefaultSeverity,
	}
}

func (v SecurityViolation) String() string {
	return fmt.Sprintf("%d:%d %s: %s", v.Line, v.Column, v.ViolationType, v.Description)
}

// SecurityError is raised when running code attempts a blocked operation.
type SecurityError struct {
	ViolationType string `json:"violation_type"`
	Name          string `json:"name"`
	Message       string `json:"message"`
}

func (e *SecurityError) Error() string {
	return "security violation: " + e.Message
}

func importBlocked(module string) *SecurityError {
	return &SecurityError{
		ViolationType: ViolationBlockedImport,
		Name:          module,
		Message:       fmt.Sprintf("import of '%s' is blocked by sandbox", module),
	}
}

func builtinBlocked(name string) *SecurityError {
	return &SecurityError{
		ViolationType: ViolationBlockedBuiltin,
		Name:          name,
		Message:       fmt.Sprintf("builtin '%s' is blocked by sandbox", name),
	}
}

func fileBlocked(path, mode string) *SecurityError {
	return &SecurityError{
		ViolationType: ViolationBlockedFile,
		Name:          path,
		Message:       fmt.Sprintf("file access '%s' (mode %q) is blocked by sandbox", path, mode),
	}
}

// ViolationsError carries static findings when a convenience runner refuses code.
type ViolationsError struct {
	Violations []SecurityViolation
}

func (e *ViolationsError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "static validation failed: " + strings.Join(parts, "; ")
}

// Deterministic error codes for compute limit violations.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// LimitError is a deterministic, typed error for resource limit violations.
type LimitError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
