//go:build !windows

package backend

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so the
// whole tree it spawns can be signalled together.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group already gone; the leader may still be unreaped
		if perr := p.Signal(sig); perr != nil && !errors.Is(perr, os.ErrProcessDone) {
			return perr
		}
		return nil
	}
	return err
}
