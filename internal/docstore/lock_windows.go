//go:build windows

package docstore

import "os"

// processAlive relies on FindProcess opening a handle, which fails for
// exited processes on Windows.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
