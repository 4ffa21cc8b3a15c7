package sandbox

import (
	"sync"
	"sync/atomic"
)

var guardSeq atomic.Uint64

// Guard vetoes imports of a fixed set of modules while it is installed on a HookList.
type Guard struct {
	id      uint64
	modules moduleSet
}

// NewGuard returns an uninstalled guard blocking modules and their children.
func NewGuard(modules []string) *Guard {
	return &Guard{
		id:      guardSeq.Add(1),
		modules: moduleSet(append([]string(nil), modules...)),
	}
}

func (g *Guard) ID() uint64 { return g.id }

// Vetoes reports whether the guard blocks module.
func (g *Guard) Vetoes(module string) bool {
	return g.modules.blocks(module)
}

// HookList is the ordered set of installed guards consulted on every import.
// Each Sandbox owns one; there is no process-wide list.
type HookList struct {
	mu     sync.RWMutex
	guards []*Guard
}

// Install appends g. Installing an already installed guard is a no-op.
func (h *HookList) Install(g *Guard) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.guards {
		if existing == g {
			return
		}
	}
	h.guards = append(h.guards, g)
}

// Uninstall removes g if present.
func (h *HookList) Uninstall(g *Guard) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.guards {
		if existing == g {
			h.guards = append(h.guards[:i:i], h.guards[i+1:]...)
			return
		}
	}
}

// Installed reports whether g is currently on the list.
func (h *HookList) Installed(g *Guard) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, existing := range h.guards {
		if existing == g {
			return true
		}
	}
	return false
}

// Len returns the number of installed guards.
func (h *HookList) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.guards)
}

// Check returns a *SecurityError if any installed guard vetoes module.
func (h *HookList) Check(module string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, g := range h.guards {
		if g.Vetoes(module) {
			return importBlocked(module)
		}
	}
	return nil
}
