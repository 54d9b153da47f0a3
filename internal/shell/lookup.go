package shell

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strings"
)

// ErrNoLoginShell is returned by a lookup that found no shell.
var ErrNoLoginShell = errors.New("no login shell registered")

var (
	passwdPath = "/etc/passwd"
	getentPath = "getent"
)

// UserDatabase reads the invoking user's login shell from the OS user
// database. On darwin that is Directory Services; elsewhere getent is tried
// first so NSS sources are honoured, then the passwd file.
func UserDatabase() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("current user: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return dsclShell(u.Username)
	}
	if sh, err := getentShell(u.Uid); err == nil {
		return sh, nil
	}

	f, err := os.Open(passwdPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return passwdShell(f, u.Uid)
}

// Environment returns $SHELL.
func Environment() (string, error) {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh, nil
	}
	return "", ErrNoLoginShell
}

func getentShell(uid string) (string, error) {
	out, err := exec.Command(getentPath, "passwd", uid).Output()
	if err != nil {
		return "", err
	}
	return passwdShell(bytes.NewReader(out), uid)
}

// dsclShell parses "UserShell: /bin/zsh".
func dsclShell(name string) (string, error) {
	out, err := exec.Command("dscl", ".", "-read", "/Users/"+name, "UserShell").Output()
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 || fields[0] != "UserShell:" {
		return "", ErrNoLoginShell
	}
	return fields[len(fields)-1], nil
}

// passwdShell scans passwd(5) records for uid and returns its shell field.
func passwdShell(r io.Reader, uid string) (string, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// name:passwd:uid:gid:gecos:home:shell
		fields := strings.Split(line, ":")
		if len(fields) < 7 || fields[2] != uid {
			continue
		}
		if fields[6] == "" {
			return "", ErrNoLoginShell
		}
		return fields[6], nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", ErrNoLoginShell
}
