//go:build windows

package execshell

import "os/exec"

// configureProcessTermination keeps the os/exec default of killing the direct child.
func configureProcessTermination(process *exec.Cmd) {}
