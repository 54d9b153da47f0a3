package session

import (
	"os"
	"os/exec"
	"sort"
	"strings"

	"ptybridge/internal/shell"
)

// ExitStatus is the shell's final status.
type ExitStatus struct {
	Code int32 `json:"code"`
}

// Process is a shell started on the slave side of a PtyHandle.
type Process struct {
	cmd    *exec.Cmd
	exited chan ExitStatus
	done   chan struct{}
}

// Spawn starts spec with its standard streams bound to the slave of p, then
// starts the exit watcher.
func Spawn(spec shell.Spec, p *PtyHandle) (*Process, error) {
	tty := p.takeSlave()
	if tty == nil {
		return nil, wrap(ErrSpawn, os.ErrClosed)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, wrap(ErrSpawn, err)
	}
	p.releaseSlave()

	proc := &Process{
		cmd:    cmd,
		exited: make(chan ExitStatus, 1),
		done:   make(chan struct{}),
	}
	go proc.watch()
	return proc, nil
}

// watch blocks until the shell terminates. It holds no session lock.
func (p *Process) watch() {
	_ = p.cmd.Wait()
	close(p.done)
	p.exited <- ExitStatus{Code: exitCode(p.cmd.ProcessState)}
}

// Pid of the shell.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited yields the exit status exactly once.
func (p *Process) Exited() <-chan ExitStatus {
	return p.exited
}

// Hangup asks the shell to terminate.
func (p *Process) Hangup() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return hangup(p.cmd.Process)
}

// mergeEnv returns base with overrides applied, replacing existing keys.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
