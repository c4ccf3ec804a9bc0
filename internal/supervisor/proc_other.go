//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func configureChild(*exec.Cmd) {}

func terminate(p *os.Process) error {
	return p.Kill()
}
