// Package shell decides which shell a terminal session runs and with which
// terminal type.
//
// Resolution never fails: when the login shell cannot be determined the
// resolver returns the fallback path.
package shell

import (
	"fmt"
	"runtime"
)

const (
	// DefaultFallback is used when no login shell can be found.
	DefaultFallback = "/bin/bash"

	windowsShell = "powershell.exe"
)

// Strategy names accepted by StrategyByName.
const (
	StrategyUserDB = "userdb"
	StrategyEnv    = "env"
)

// Spec describes the shell process to spawn.
type Spec struct {
	Path string
	Args []string
	Env  map[string]string
}

// Lookup returns the invoking user's login shell.
type Lookup func() (string, error)

// Resolver picks the shell for a platform.
type Resolver struct {
	GOOS     string // runtime.GOOS when empty
	Lookup   Lookup // UserDatabase when nil
	Fallback string // DefaultFallback when empty
	Login    bool   // pass -l to non-Windows shells
}

// NewResolver returns a resolver for the current platform using the named
// lookup strategy.
func NewResolver(strategy, fallback string, login bool) (Resolver, error) {
	lookup, err := StrategyByName(strategy)
	if err != nil {
		return Resolver{}, err
	}
	return Resolver{
		GOOS:     runtime.GOOS,
		Lookup:   lookup,
		Fallback: fallback,
		Login:    login,
	}, nil
}

// StrategyByName maps a configured strategy name to its lookup.
// An empty name selects the user database.
func StrategyByName(name string) (Lookup, error) {
	switch name {
	case "", StrategyUserDB:
		return UserDatabase, nil
	case StrategyEnv:
		return Environment, nil
	default:
		return nil, fmt.Errorf("unknown shell strategy %q", name)
	}
}

// Resolve returns the shell to spawn. On Windows this is always
// powershell.exe; elsewhere it is the looked-up login shell, or the fallback
// when the lookup fails.
func (r Resolver) Resolve() Spec {
	goos := r.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}

	env := map[string]string{"TERM": Term(goos)}
	if goos == "windows" {
		return Spec{Path: windowsShell, Env: env}
	}

	path := r.fallback()
	lookup := r.Lookup
	if lookup == nil {
		lookup = UserDatabase
	}
	if sh, err := lookup(); err == nil && sh != "" {
		path = sh
	}

	spec := Spec{Path: path, Env: env}
	if r.Login {
		spec.Args = []string{"-l"}
	}
	return spec
}

func (r Resolver) fallback() string {
	if r.Fallback != "" {
		return r.Fallback
	}
	return DefaultFallback
}

// Term returns the TERM value programs in the shell should see.
func Term(goos string) string {
	if goos == "windows" {
		return "cygwin"
	}
	return "xterm-256color"
}
