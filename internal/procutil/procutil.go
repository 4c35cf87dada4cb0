// Package procutil implements PID liveness checks and graceful process
// teardown shared by the state store and the proxy service lifecycle.
package procutil

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Alive reports whether a process with the given pid is running, using a
// signal-0 probe: sending signal 0 performs error checking without
// delivering an actual signal.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil
}

// Stop sends SIGTERM to pid, waits up to gracePeriod for it to exit, and
// sends SIGKILL if it is still alive afterward. It returns once the process
// is no longer alive (or immediately if it was never alive).
func Stop(pid int, gracePeriod time.Duration) error {
	if !Alive(pid) {
		return nil
	}

	if err := unix.Kill(pid, int(syscall.SIGTERM)); err != nil {
		return err
	}

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if !Alive(pid) {
		return nil
	}

	return unix.Kill(pid, int(syscall.SIGKILL))
}
