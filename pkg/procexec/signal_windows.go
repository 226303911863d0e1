//go:build windows

package procexec

import (
	"os"
	"os/exec"
)

// Windows has no POSIX process groups; descendants of the spawned process
// are not reaped. Kill only the direct child on both paths.

func setProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(pid int) {
	killByPid(pid)
}

func killGroup(pid int) {
	killByPid(pid)
}

func killByPid(pid int) {
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}
