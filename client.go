package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// pollInterval is how often attach asks for shell output, about one frame.
const pollInterval = 16 * time.Millisecond

// remoteError is an error reply from the daemon.
type remoteError struct {
	Op      string
	Kind    string
	Message string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Kind)
}

// rpcClient issues one request at a time over the daemon socket. Exit events
// arrive out of band on exit.
type rpcClient struct {
	conn    net.Conn
	mu      sync.Mutex
	enc     *json.Encoder
	replies chan Reply
	exit    chan Reply
}

func dial(socket string) (*rpcClient, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon (is it running?): %w", err)
	}
	return newRPCClient(conn), nil
}

func newRPCClient(conn net.Conn) *rpcClient {
	c := &rpcClient{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		replies: make(chan Reply),
		exit:    make(chan Reply, 1),
	}
	go c.readLoop()
	return c
}

func (c *rpcClient) readLoop() {
	defer close(c.replies)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r Reply
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		if r.Type == "exit" {
			select {
			case c.exit <- r:
			default:
			}
			continue
		}
		c.replies <- r
	}
}

func (c *rpcClient) call(req Request) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.Encode(req); err != nil {
		return Reply{}, err
	}
	r, ok := <-c.replies
	if !ok {
		return Reply{}, io.EOF
	}
	if r.Type == "error" {
		return r, &remoteError{Op: r.Op, Kind: r.Kind, Message: r.Message}
	}
	return r, nil
}

func (c *rpcClient) Close() error {
	return c.conn.Close()
}

// drain copies shell output to w until a read comes back empty.
func (c *rpcClient) drain(w io.Writer) error {
	for {
		r, err := c.call(Request{Type: "read"})
		if err != nil {
			return err
		}
		if r.Data == nil {
			return nil
		}
		io.WriteString(w, *r.Data)
	}
}

// drainToEnd copies shell output to w until the daemon reports the end of
// the stream, the connection drops or the timeout passes.
func (c *rpcClient) drainToEnd(w io.Writer, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := c.call(Request{Type: "read"})
		if err != nil {
			return
		}
		if r.Data == nil {
			time.Sleep(pollInterval)
			continue
		}
		io.WriteString(w, *r.Data)
	}
}

// syncSize sends the local terminal size to the daemon.
func (c *rpcClient) syncSize(fd int) error {
	cols, rows, err := term.GetSize(fd)
	if err != nil || rows <= 0 || cols <= 0 {
		return err
	}
	_, err = c.call(Request{Type: "resize", Rows: uint16(rows), Cols: uint16(cols)})
	return err
}

// forwardInput sends stdin to the shell until stdin closes. Multi-byte runes
// are never split across writes. Bytes that are not UTF-8, such as 8-bit meta
// keys, arrive as U+FFFD since write carries text.
func (c *rpcClient) forwardInput(r io.Reader, errc chan<- error) {
	in := bufio.NewReader(r)
	for {
		ch, _, err := in.ReadRune()
		if err != nil {
			errc <- err
			return
		}
		var sb strings.Builder
		sb.WriteRune(ch)
		for in.Buffered() > 0 {
			ch, _, err = in.ReadRune()
			if err != nil {
				break
			}
			sb.WriteRune(ch)
		}
		if _, err := c.call(Request{Type: "write", Data: sb.String()}); err != nil {
			errc <- err
			return
		}
	}
}

// attach drives the daemon's shell from the local terminal.
func attach(socket string) error {
	c, err := dial(socket)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.call(Request{Type: "create"}); err != nil {
		var re *remoteError
		if !errors.As(err, &re) || re.Kind != KindSessionExists {
			return err
		}
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, state)
		if err := c.syncSize(fd); err != nil {
			return err
		}
	}

	errc := make(chan error, 1)
	go c.forwardInput(os.Stdin, errc)

	winch := make(chan os.Signal, 1)
	notifyResize(winch)
	defer signal.Stop(winch)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.drain(os.Stdout); err != nil {
				return c.exitOr(err)
			}
		case <-winch:
			if err := c.syncSize(fd); err != nil {
				return c.exitOr(err)
			}
		case ev := <-c.exit:
			c.drainToEnd(os.Stdout, 2*time.Second)
			return exitCodeError{code: int(ev.ExitCode)}
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return c.exitOr(err)
		}
	}
}

// exitOr prefers a pending exit event over err, since a failing read is
// usually the shell going away.
func (c *rpcClient) exitOr(err error) error {
	select {
	case ev := <-c.exit:
		return exitCodeError{code: int(ev.ExitCode)}
	case <-time.After(time.Second):
		return err
	}
}
