//go:build unix

package owner

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsProcessAlive reports whether pid names an existing process.
// Signal 0 performs the permission and existence checks without delivering
// anything; EPERM still proves the process exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
