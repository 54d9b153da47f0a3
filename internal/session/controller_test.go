package session

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptybridge/internal/shell"
)

const helperEnv = "PTYBRIDGE_TEST_HELPER"

type fixedShell shell.Spec

func (f fixedShell) Resolve() shell.Spec { return shell.Spec(f) }

func sh(script string) fixedShell {
	return fixedShell{
		Path: "/bin/sh",
		Args: []string{"-c", script},
		Env:  map[string]string{"TERM": "xterm-256color"},
	}
}

func requirePosixShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("no pty on windows")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func newSession(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	c := NewController(opts...)
	require.NoError(t, c.Create())
	t.Cleanup(func() { c.Close() })
	return c
}

// readUntil polls c until the collected output satisfies done.
func readUntil(t *testing.T, c *Controller, done func(string) bool) string {
	t.Helper()
	var sb strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		text, ok, err := c.Read()
		require.NoError(t, err, "output so far: %q", sb.String())
		if ok {
			sb.WriteString(text)
			if done(sb.String()) {
				return sb.String()
			}
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out, output so far: %q", sb.String())
	return ""
}

func TestOperationsBeforeCreate(t *testing.T) {
	c := NewController()

	assert.ErrorIs(t, c.Write("ls\n"), ErrNoSession)
	_, _, err := c.Read()
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, c.Resize(40, 120), ErrNoSession)
	assert.False(t, c.Status().Created)
	assert.NoError(t, c.Close())
}

func TestCreateTwice(t *testing.T) {
	requirePosixShell(t)
	c := newSession(t, WithResolver(sh("exec sleep 30")))

	assert.ErrorIs(t, c.Create(), ErrSessionExists)
}

func TestCreateSpawnFailure(t *testing.T) {
	requirePosixShell(t)
	c := NewController(WithResolver(fixedShell{Path: "/nonexistent/shell"}))

	err := c.Create()
	assert.ErrorIs(t, err, ErrSpawn)
	assert.False(t, c.Status().Created)
}

func TestCreateRejectsZeroSize(t *testing.T) {
	c := NewController(WithSize(Size{Rows: 0, Cols: 80}), WithResolver(sh("true")))
	assert.ErrorIs(t, c.Create(), ErrPtyOpen)
}

func TestReadBeforeOutputIsEmpty(t *testing.T) {
	requirePosixShell(t)
	c := newSession(t, WithResolver(sh("exec sleep 30")))

	text, ok, err := c.Read()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, text)
}

func TestEchoRoundTrip(t *testing.T) {
	requirePosixShell(t)
	if _, err := exec.LookPath("stty"); err != nil {
		t.Skip("stty not available")
	}
	// Raw mode with echo off so the shell's output is exactly what cat copies.
	c := newSession(t, WithResolver(sh("stty raw -echo; printf ready; exec cat")))
	readUntil(t, c, func(s string) bool { return s == "ready" })

	payload := strings.Repeat("naïve café ✓ 😀 ─┼─ ", 40)
	for i := 0; i < len(payload); i += 97 {
		end := min(i+97, len(payload))
		// Byte-sliced writes may split runes; the pty must pass them through.
		require.NoError(t, c.Write(payload[i:end]))
	}

	got := readUntil(t, c, func(s string) bool { return len(s) >= len(payload) })
	assert.Equal(t, payload, got)
}

func TestShellSeesTerm(t *testing.T) {
	requirePosixShell(t)
	spec := shell.Resolver{
		GOOS:   "linux",
		Lookup: func() (string, error) { return "/bin/sh", nil },
	}.Resolve()
	c := newSession(t, WithResolver(fixedShell(spec)))

	require.NoError(t, c.Write("echo TERM=$TERM\n"))
	readUntil(t, c, func(s string) bool { return strings.Contains(s, "TERM=xterm-256color") })

	st := c.Status()
	assert.Equal(t, "/bin/sh", st.Shell)
	assert.NotZero(t, st.Pid)
}

func TestConcurrentResizeAndWrite(t *testing.T) {
	requirePosixShell(t)
	c := newSession(t, WithResolver(fixedShell{Path: "/bin/cat"}))

	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, ok, _ := c.Read(); !ok {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	const pairs = 50
	errs := make(chan error, 2*pairs)
	var wg sync.WaitGroup
	for i := 0; i < pairs; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- c.Resize(40, 120)
		}()
		go func() {
			defer wg.Done()
			errs <- c.Write("x\n")
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("resize/write pairs did not complete")
	}
	close(stop)
	<-drained

	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, Size{Rows: 40, Cols: 120}, c.Status().Size)
}

func TestResizeRejectsZero(t *testing.T) {
	requirePosixShell(t)
	c := newSession(t, WithResolver(sh("exec sleep 30")))

	assert.ErrorIs(t, c.Resize(0, 120), ErrResize)
	assert.Equal(t, DefaultSize, c.Status().Size)
}

func TestExitedDeliversStatus(t *testing.T) {
	requirePosixShell(t)
	c := newSession(t, WithResolver(sh("exit 3")))

	var got ExitStatus
	select {
	case got = <-c.Exited():
	case <-time.After(10 * time.Second):
		t.Fatal("no exit status")
	}
	assert.Equal(t, int32(3), got.Code)
	assert.True(t, c.Status().Exited)
	assert.Equal(t, int32(3), c.Status().ExitCode)
}

func TestExitedAfterFinalOutput(t *testing.T) {
	requirePosixShell(t)
	const size = 200000

	for i := 0; i < 5; i++ {
		c := newSession(t, WithResolver(sh("head -c 200000 /dev/zero | tr '\\0' x; exit 0")))

		select {
		case st := <-c.Exited():
			require.Equal(t, int32(0), st.Code)
		case <-time.After(10 * time.Second):
			t.Fatal("no exit status")
		}

		got := 0
		for {
			text, ok, err := c.Read()
			if err != nil || !ok {
				break
			}
			got += strings.Count(text, "x")
		}
		assert.Equal(t, size, got, "run %d", i)
	}
}

func TestSignalledShellExitCode(t *testing.T) {
	requirePosixShell(t)
	c := newSession(t, WithResolver(sh("kill -TERM $$; sleep 5")))

	st := c.Supervise(nil)
	assert.Equal(t, int32(128+15), st.Code)
}

func TestWriteAfterClose(t *testing.T) {
	requirePosixShell(t)
	c := newSession(t, WithResolver(sh("exec sleep 30")))
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Write("ls\n"), ErrWrite)
	assert.ErrorIs(t, c.Resize(30, 100), ErrResize)

	require.Eventually(t, func() bool {
		_, _, err := c.Read()
		return errors.Is(err, ErrRead)
	}, 5*time.Second, 5*time.Millisecond)
}

// TestHelperShellExit runs in a child process started by
// TestShellExitTerminatesHost.
func TestHelperShellExit(t *testing.T) {
	if os.Getenv(helperEnv) != "exit17" {
		t.Skip("helper process")
	}
	c := NewController(WithResolver(sh("exit 17")))
	if err := c.Create(); err != nil {
		os.Exit(99)
	}
	c.Supervise(Terminate)
	os.Exit(98)
}

func TestShellExitTerminatesHost(t *testing.T) {
	requirePosixShell(t)

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperShellExit$")
	cmd.Env = append(os.Environ(), helperEnv+"=exit17")
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 17, exitErr.ExitCode())
}
