// Package procparent detects whether the current process is a
// sub-invocation: a build launched from an ancestor process running
// the same executable. A sub-invocation must inherit its parent's
// job-server endpoint rather than create its own, or the fleet-wide
// concurrency budget would be exceeded.
package procparent

import (
	"os"
	"path/filepath"
)

// AncestorReader abstracts /proc-style ancestor lookups so tests can
// supply a fake process tree without spawning real processes.
type AncestorReader interface {
	// ParentPID returns pid's parent, or 0 if pid has no parent (init,
	// or the lookup failed).
	ParentPID(pid int) int
	// ExecutablePath returns the resolved executable path for pid, or
	// "" if it could not be determined.
	ExecutablePath(pid int) string
}

// IsSubInvocation walks the ancestor chain of the current process
// looking for another instance of selfExe (already resolved to an
// absolute path). It stops after maxDepth hops as a defensive bound
// against a malformed /proc tree.
func IsSubInvocation(r AncestorReader, selfExe string, maxDepth int) bool {
	self, err := filepath.EvalSymlinks(selfExe)
	if err != nil {
		self = selfExe
	}

	pid := r.ParentPID(os.Getpid())
	for depth := 0; pid > 1 && depth < maxDepth; depth++ {
		exe := r.ExecutablePath(pid)
		if exe != "" {
			if resolved, err := filepath.EvalSymlinks(exe); err == nil {
				exe = resolved
			}
			if exe == self {
				return true
			}
		}
		pid = r.ParentPID(pid)
	}
	return false
}
