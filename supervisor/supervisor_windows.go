//go:build windows

package supervisor

import "os/exec"

// setProcessGroup is a no-op on Windows; there is no POSIX process
// group to join.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup falls back to terminating just the direct child,
// per spec.md §4.3's documented non-POSIX fallback.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
