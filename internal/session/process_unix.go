//go:build !windows

package session

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// The shell leads a new session with the slave (its fd 0) as controlling
// terminal, so job control and SIGWINCH work.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true, Setctty: true}
}

// exitCode follows the shell convention of 128+signal for signal deaths.
func exitCode(state *os.ProcessState) int32 {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int32(128 + int(ws.Signal()))
	}
	return int32(state.ExitCode())
}

func hangup(p *os.Process) error {
	return p.Signal(unix.SIGHUP)
}
