//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

var errProcessDone = os.ErrProcessDone

func setProcessGroup(cmd *exec.Cmd) {}

// Windows has no SIGTERM; both steps kill.
func signalTerminate(p *os.Process) error {
	return signalKill(p)
}

func signalKill(p *os.Process) error {
	if p == nil {
		return errProcessDone
	}
	return p.Kill()
}
