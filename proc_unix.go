//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func terminate(pid int) {
	unix.Kill(pid, unix.SIGTERM)
}

func kill(pid int) {
	unix.Kill(pid, unix.SIGKILL)
}

// detachAttr puts the daemon in its own session, away from the terminal.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func shutdownSignals() []os.Signal {
	return []os.Signal{unix.SIGTERM, unix.SIGINT}
}

func notifyResize(ch chan<- os.Signal) {
	signal.Notify(ch, unix.SIGWINCH)
}
