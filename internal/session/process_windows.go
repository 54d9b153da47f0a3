//go:build windows

package session

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func exitCode(state *os.ProcessState) int32 {
	if state == nil {
		return -1
	}
	return int32(state.ExitCode())
}

func hangup(p *os.Process) error {
	return p.Kill()
}
