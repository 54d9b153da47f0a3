package session

import (
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
)

// Size is a terminal size. Rows and Cols must be non-zero; the pixel
// dimensions are advisory.
type Size struct {
	Rows        uint16 `json:"rows"`
	Cols        uint16 `json:"cols"`
	PixelWidth  uint16 `json:"pixelWidth,omitempty"`
	PixelHeight uint16 `json:"pixelHeight,omitempty"`
}

// DefaultSize is the classic 80x24 terminal.
var DefaultSize = Size{Rows: 24, Cols: 80}

func (s Size) validate() error {
	if s.Rows == 0 || s.Cols == 0 {
		return fmt.Errorf("invalid size %dx%d", s.Cols, s.Rows)
	}
	return nil
}

func (s Size) winsize() *pty.Winsize {
	return &pty.Winsize{Rows: s.Rows, Cols: s.Cols, X: s.PixelWidth, Y: s.PixelHeight}
}

// PtyHandle owns a pseudo-terminal pair and its current size.
type PtyHandle struct {
	mu     sync.Mutex
	master *os.File
	slave  *os.File // nil once handed to the shell
	size   Size
}

// OpenPty allocates a master/slave pair sized to size.
func OpenPty(size Size) (*PtyHandle, error) {
	if err := size.validate(); err != nil {
		return nil, wrap(ErrPtyOpen, err)
	}
	master, slave, err := pty.Open()
	if err != nil {
		return nil, wrap(ErrPtyOpen, err)
	}
	if err := pty.Setsize(master, size.winsize()); err != nil {
		master.Close()
		slave.Close()
		return nil, wrap(ErrPtyOpen, err)
	}
	return &PtyHandle{master: master, slave: slave, size: size}, nil
}

// Resize applies size to the master side. It is safe while a shell is
// attached and while reads and writes are in flight.
func (p *PtyHandle) Resize(size Size) error {
	if err := size.validate(); err != nil {
		return wrap(ErrResize, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.master == nil {
		return wrap(ErrResize, os.ErrClosed)
	}
	if err := pty.Setsize(p.master, size.winsize()); err != nil {
		return wrap(ErrResize, err)
	}
	p.size = size
	return nil
}

// Size returns the last applied size.
func (p *PtyHandle) Size() Size {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Master is the side the bridge reads, writes and resizes.
func (p *PtyHandle) Master() *os.File {
	return p.master
}

func (p *PtyHandle) takeSlave() *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slave
}

// releaseSlave closes the parent's copy of the slave once the shell holds
// its own, so the master sees EIO when the shell goes away.
func (p *PtyHandle) releaseSlave() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slave != nil {
		p.slave.Close()
		p.slave = nil
	}
}

// Close releases both descriptors.
func (p *PtyHandle) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slave != nil {
		p.slave.Close()
		p.slave = nil
	}
	if p.master == nil {
		return nil
	}
	err := p.master.Close()
	p.master = nil
	return err
}
