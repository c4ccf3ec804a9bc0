//go:build linux

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureChild puts the child in its own process group and makes the
// kernel kill it if this process dies without terminating it.
func configureChild(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
}

// terminate signals the child's whole process group so helpers it forked
// stop with it.
func terminate(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return p.Signal(sig)
	}
	return nil
}
