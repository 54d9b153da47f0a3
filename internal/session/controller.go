package session

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ptybridge/internal/metrics"
	"ptybridge/internal/shell"
)

// ShellResolver picks the shell a session runs.
type ShellResolver interface {
	Resolve() shell.Spec
}

// ExitPolicy decides what the session owner does once the shell is gone.
type ExitPolicy func(ExitStatus)

// Terminate exits the host process with the shell's exit code.
func Terminate(st ExitStatus) {
	os.Exit(int(st.Code))
}

// Status describes the session for diagnostics.
type Status struct {
	ID       string `json:"id"`
	Created  bool   `json:"created"`
	Pid      int    `json:"pid,omitempty"`
	Shell    string `json:"shell,omitempty"`
	Size     Size   `json:"size"`
	Exited   bool   `json:"exited"`
	ExitCode int32  `json:"exitCode,omitempty"`
}

// Controller is the single terminal session of the host. Create must be
// called once; Write, Read and Resize may then be called concurrently.
type Controller struct {
	id         string
	log        *zap.Logger
	resolver   ShellResolver
	size       Size
	bridgeOpts BridgeOptions

	mu     sync.Mutex // serializes Create and Close
	pty    *PtyHandle
	proc   *Process
	spec   shell.Spec
	bridge atomic.Pointer[Bridge]

	exit   atomic.Pointer[ExitStatus]
	exited chan ExitStatus
}

// Option configures a Controller.
type Option func(*Controller)

// WithSize sets the size the PTY is opened with.
func WithSize(size Size) Option {
	return func(c *Controller) { c.size = size }
}

// WithResolver sets how the shell is chosen.
func WithResolver(r ShellResolver) Option {
	return func(c *Controller) { c.resolver = r }
}

// WithBridgeOptions tunes the read side.
func WithBridgeOptions(opts BridgeOptions) Option {
	return func(c *Controller) { c.bridgeOpts = opts }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// NewController returns a controller with no session yet.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		id:         uuid.NewString(),
		log:        zap.NewNop(),
		resolver:   shell.Resolver{},
		size:       DefaultSize,
		bridgeOpts: DefaultBridgeOptions(),
		exited:     make(chan ExitStatus, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("session", c.id))
	return c
}

// ID identifies this controller's session in logs and status.
func (c *Controller) ID() string {
	return c.id
}

// Create resolves the shell, opens the PTY and spawns the shell on it.
// A second call fails with ErrSessionExists.
func (c *Controller) Create() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc != nil {
		return ErrSessionExists
	}

	spec := c.resolver.Resolve()
	p, err := OpenPty(c.size)
	if err != nil {
		c.log.Error("open pty", zap.Error(err))
		return err
	}
	proc, err := Spawn(spec, p)
	if err != nil {
		p.Close()
		c.log.Error("spawn shell", zap.String("shell", spec.Path), zap.Error(err))
		return err
	}

	c.pty = p
	c.proc = proc
	c.spec = spec
	master := p.Master()
	c.bridge.Store(NewBridge(master, master, p, c.bridgeOpts, c.log))
	metrics.ShellExitCode.Set(-1)

	go c.watch(proc)

	c.log.Info("session created",
		zap.String("shell", spec.Path),
		zap.Int("pid", proc.Pid()),
		zap.Uint16("rows", c.size.Rows),
		zap.Uint16("cols", c.size.Cols),
	)
	return nil
}

// exitDrainTimeout bounds how long an exit report waits for the shell's last
// output. Background jobs holding the terminal, or a reader that stopped
// polling, keep the pump from finishing.
const exitDrainTimeout = 2 * time.Second

func (c *Controller) watch(proc *Process) {
	st := <-proc.Exited()
	// Report the exit only once the shell's final output is readable.
	if b := c.bridge.Load(); b != nil {
		select {
		case <-b.Stopped():
		case <-time.After(exitDrainTimeout):
			c.log.Debug("shell output still open after exit")
		}
	}
	c.exit.Store(&st)
	metrics.ShellExitCode.Set(float64(st.Code))
	c.log.Info("shell exited", zap.Int("pid", proc.Pid()), zap.Int32("code", st.Code))
	c.exited <- st
}

func (c *Controller) session() (*Bridge, error) {
	b := c.bridge.Load()
	if b == nil {
		return nil, ErrNoSession
	}
	return b, nil
}

// Write sends text to the shell.
func (c *Controller) Write(data string) error {
	b, err := c.session()
	if err != nil {
		return err
	}
	return b.Write([]byte(data))
}

// Read returns available shell output without blocking; ok is false when
// there is nothing to report.
func (c *Controller) Read() (string, bool, error) {
	b, err := c.session()
	if err != nil {
		return "", false, err
	}
	return b.Read()
}

// Resize changes the terminal dimensions.
func (c *Controller) Resize(rows, cols uint16) error {
	b, err := c.session()
	if err != nil {
		return err
	}
	if err := b.Resize(Size{Rows: rows, Cols: cols}); err != nil {
		return err
	}
	c.log.Debug("resized", zap.Uint16("rows", rows), zap.Uint16("cols", cols))
	return nil
}

// Exited delivers the shell's exit status once. By then the shell's output
// has been queued for Read, unless it stayed open past exitDrainTimeout.
func (c *Controller) Exited() <-chan ExitStatus {
	return c.exited
}

// Supervise waits for the shell to exit and applies policy.
func (c *Controller) Supervise(policy ExitPolicy) ExitStatus {
	st := <-c.Exited()
	if policy != nil {
		policy(st)
	}
	return st
}

// Status reports the session state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{ID: c.id, Size: c.size}
	if c.proc == nil {
		return st
	}
	st.Created = true
	st.Pid = c.proc.Pid()
	st.Shell = c.spec.Path
	st.Size = c.pty.Size()
	if ex := c.exit.Load(); ex != nil {
		st.Exited = true
		st.ExitCode = ex.Code
	}
	return st
}

// Close hangs up the shell and releases the PTY.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc == nil {
		return nil
	}
	if err := c.proc.Hangup(); err != nil {
		c.log.Debug("hangup", zap.Error(err))
	}
	if b := c.bridge.Load(); b != nil {
		b.Close()
	}
	return c.pty.Close()
}
