//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setPlatformProcAttr puts the child in its own process group and asks
// the kernel to send it SIGTERM if duraloopd itself dies, so a crashed
// daemon never leaves orphaned spawns behind.
func setPlatformProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pdeathsig: syscall.SIGTERM,
	}
}
