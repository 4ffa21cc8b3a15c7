// Package sandbox statically analyzes agent code for forbidden operations and
// restricts what that code may import, call or open while it runs.
package sandbox

import "strings"

// Language selects the static analyzer.
type Language string

const (
	LanguagePython Language = "python"
	LanguageGo     Language = "go"
)

// Config is the sandbox rule set. It is read-only once a Sandbox is built.
type Config struct {
	BlockedModules  []string `json:"blocked_modules" yaml:"blocked_modules"`
	BlockedBuiltins []string `json:"blocked_builtins" yaml:"blocked_builtins"`
	AllowedPaths    []string `json:"allowed_paths" yaml:"allowed_paths"`
	// Language is the default for ValidateCode. Empty means python.
	Language      Language `json:"language,omitempty" yaml:"language,omitempty"`
	MaxMemoryMB   int      `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	MaxCPUSeconds int      `json:"max_cpu_seconds,omitempty" yaml:"max_cpu_seconds,omitempty"`
}

// DefaultConfig blocks process, filesystem, network and reflection modules and
// the dynamic-evaluation builtins. No paths are allowed.
func DefaultConfig() Config {
	return Config{
		BlockedModules: []string{
			"os", "subprocess", "sys", "shutil", "socket", "ctypes", "importlib",
			"pickle", "multiprocessing", "syscall", "unsafe", "net", "plugin",
		},
		BlockedBuiltins: []string{
			"eval", "exec", "compile", "__import__", "globals", "locals", "vars",
			"getattr", "setattr", "delattr", "input", "breakpoint",
		},
		AllowedPaths: []string{},
		Language:     LanguagePython,
	}
}

func (c Config) clone() Config {
	c.BlockedModules = append([]string(nil), c.BlockedModules...)
	c.BlockedBuiltins = append([]string(nil), c.BlockedBuiltins...)
	c.AllowedPaths = append([]string(nil), c.AllowedPaths...)
	if c.Language == "" {
		c.Language = LanguagePython
	}
	return c
}

// moduleSet matches module names by their top-level component: an entry
// blocks itself and any dotted or slash-separated child.
type moduleSet []string

func (m moduleSet) blocks(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, b := range m {
		if name == b || strings.HasPrefix(name, b+".") || strings.HasPrefix(name, b+"/") {
			return true
		}
	}
	return false
}

type nameSet map[string]struct{}

func newNameSet(names []string) nameSet {
	s := make(nameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s nameSet) has(name string) bool {
	_, ok := s[name]
	return ok
}
