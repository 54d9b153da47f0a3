package shell

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(path string) Lookup {
	return func() (string, error) { return path, nil }
}

func failing() (string, error) {
	return "", errors.New("no passwd entry")
}

func TestResolveUsesLoginShell(t *testing.T) {
	r := Resolver{GOOS: "linux", Lookup: fixed("/bin/zsh")}
	spec := r.Resolve()

	assert.Equal(t, "/bin/zsh", spec.Path)
	assert.Equal(t, "xterm-256color", spec.Env["TERM"])
	assert.Empty(t, spec.Args)
}

func TestResolveWindows(t *testing.T) {
	called := false
	r := Resolver{GOOS: "windows", Lookup: func() (string, error) {
		called = true
		return "/bin/zsh", nil
	}}
	spec := r.Resolve()

	assert.Equal(t, "powershell.exe", spec.Path)
	assert.Equal(t, "cygwin", spec.Env["TERM"])
	assert.False(t, called, "windows must not consult the user database")
}

func TestResolveFallsBack(t *testing.T) {
	spec := Resolver{GOOS: "darwin", Lookup: failing}.Resolve()
	assert.Equal(t, DefaultFallback, spec.Path)

	spec = Resolver{GOOS: "linux", Lookup: fixed("")}.Resolve()
	assert.Equal(t, DefaultFallback, spec.Path)

	spec = Resolver{GOOS: "linux", Lookup: failing, Fallback: "/bin/sh"}.Resolve()
	assert.Equal(t, "/bin/sh", spec.Path)
}

func TestResolveLogin(t *testing.T) {
	spec := Resolver{GOOS: "linux", Lookup: fixed("/bin/bash"), Login: true}.Resolve()
	assert.Equal(t, []string{"-l"}, spec.Args)

	spec = Resolver{GOOS: "windows", Login: true}.Resolve()
	assert.Empty(t, spec.Args)
}

func TestStrategyByName(t *testing.T) {
	for _, name := range []string{"", StrategyUserDB, StrategyEnv} {
		lookup, err := StrategyByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, lookup, name)
	}

	_, err := StrategyByName("registry")
	assert.Error(t, err)
}

func TestEnvironmentStrategy(t *testing.T) {
	t.Setenv("SHELL", "/bin/test_shell")
	sh, err := Environment()
	require.NoError(t, err)
	assert.Equal(t, "/bin/test_shell", sh)

	t.Setenv("SHELL", "")
	spec := Resolver{GOOS: "linux", Lookup: Environment}.Resolve()
	assert.Equal(t, DefaultFallback, spec.Path)
}

func TestPasswdShell(t *testing.T) {
	passwd := strings.Join([]string{
		"# local accounts",
		"root:x:0:0:root:/root:/bin/bash",
		"",
		"alice:x:1000:1000:Alice,,,:/home/alice:/bin/zsh",
		"svc:x:998:998::/var/lib/svc:",
		"broken:x:1001",
	}, "\n")

	sh, err := passwdShell(strings.NewReader(passwd), "1000")
	require.NoError(t, err)
	assert.Equal(t, "/bin/zsh", sh)

	_, err = passwdShell(strings.NewReader(passwd), "998")
	assert.ErrorIs(t, err, ErrNoLoginShell)

	_, err = passwdShell(strings.NewReader(passwd), "4242")
	assert.ErrorIs(t, err, ErrNoLoginShell)
}

func TestUserDatabaseReadsPasswdFile(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("passwd file lookup is not used on " + runtime.GOOS)
	}
	u, err := user.Current()
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "passwd")
	passwd := "root:x:0:0:root:/root:/bin/sh\n" +
		u.Username + ":x:" + u.Uid + ":" + u.Gid + "::" + dir + ":/bin/zsh\n"
	require.NoError(t, os.WriteFile(path, []byte(passwd), 0o644))

	oldPasswd, oldGetent := passwdPath, getentPath
	t.Cleanup(func() { passwdPath, getentPath = oldPasswd, oldGetent })
	passwdPath = path
	getentPath = filepath.Join(dir, "no-getent")

	sh, err := UserDatabase()
	require.NoError(t, err)
	if u.Uid == "0" {
		// root's own line comes first.
		assert.Equal(t, "/bin/sh", sh)
		return
	}
	assert.Equal(t, "/bin/zsh", sh)

	spec := Resolver{GOOS: "linux", Lookup: UserDatabase}.Resolve()
	assert.Equal(t, "/bin/zsh", spec.Path)
}

func TestUserDatabaseMissingPasswdFile(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("passwd file lookup is not used on " + runtime.GOOS)
	}
	dir := t.TempDir()
	oldPasswd, oldGetent := passwdPath, getentPath
	t.Cleanup(func() { passwdPath, getentPath = oldPasswd, oldGetent })
	passwdPath = filepath.Join(dir, "passwd")
	getentPath = filepath.Join(dir, "no-getent")

	_, err := UserDatabase()
	assert.Error(t, err)

	spec := Resolver{GOOS: "linux", Lookup: UserDatabase}.Resolve()
	assert.Equal(t, DefaultFallback, spec.Path)
}
