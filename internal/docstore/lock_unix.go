//go:build !windows

package docstore

import (
	"errors"
	"syscall"
)

// processAlive probes pid with signal 0. EPERM still means it exists.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
