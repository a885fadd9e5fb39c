//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so that
// cancellation can kill the whole group, including anything the shell
// command itself spawned (background jobs, subshells, pipelines).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the child's entire process group.
// Falls back to killing just the direct child if the group lookup
// fails (e.g. the process already exited).
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
