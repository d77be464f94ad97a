//go:build !linux

package process

import "os/exec"

// setPlatformProcAttr is a no-op outside Linux: Pdeathsig has no
// portable equivalent.
func setPlatformProcAttr(cmd *exec.Cmd) {}
