package session

import (
	"errors"
	"fmt"
)

// Error kinds. Failures returned by the session wrap exactly one of these, so
// callers classify them with errors.Is.
var (
	ErrPtyOpen = errors.New("pty open failed")
	ErrSpawn   = errors.New("spawn failed")
	ErrWrite   = errors.New("write failed")
	ErrRead    = errors.New("read failed")
	ErrResize  = errors.New("resize failed")

	ErrNoSession     = errors.New("no session")
	ErrSessionExists = errors.New("session already created")
)

func wrap(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}
