package session

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"ptybridge/internal/metrics"
)

// Decode selects how Read treats bytes that are not valid UTF-8.
type Decode int

const (
	// DecodeStrict fails the read and leaves the bytes buffered.
	DecodeStrict Decode = iota
	// DecodeReplace substitutes U+FFFD and moves on.
	DecodeReplace
)

// ParseDecode maps "strict" and "replace".
func ParseDecode(s string) (Decode, error) {
	switch s {
	case "", "strict":
		return DecodeStrict, nil
	case "replace":
		return DecodeReplace, nil
	}
	return DecodeStrict, fmt.Errorf("unknown decode mode %q", s)
}

// BridgeOptions tunes the read side of a Bridge.
type BridgeOptions struct {
	ReadChunk  int // bytes per read of the master
	MaxPending int // unread bytes at which the pump stops reading
	Decode     Decode
}

// DefaultBridgeOptions reads 32KiB at a time and buffers up to 1MiB.
func DefaultBridgeOptions() BridgeOptions {
	return BridgeOptions{ReadChunk: 32 * 1024, MaxPending: 1024 * 1024}
}

// Resizer applies a terminal size.
type Resizer interface {
	Resize(Size) error
}

// Bridge moves bytes between a caller and the PTY master.
//
// Three locks are involved: writeMu serializes writers, readMu serializes
// readers and owns buf/off, and inMu guards the queue shared with the pump.
type Bridge struct {
	log     *zap.Logger
	resizer Resizer
	decode  Decode

	writeMu sync.Mutex
	w       io.Writer

	readMu sync.Mutex
	buf    []byte // filled by Read from the inbox; buf[off:] is unconsumed
	off    int

	inMu       sync.Mutex
	inCond     *sync.Cond
	inbox      []byte
	pending    int // queued plus unconsumed bytes
	maxPending int
	pumpErr    error // non-nil once the pump has stopped
	closed     bool
	stopped    chan struct{}
}

// NewBridge starts pumping r and writes to w. Resize calls go to rs.
func NewBridge(r io.Reader, w io.Writer, rs Resizer, opts BridgeOptions, log *zap.Logger) *Bridge {
	def := DefaultBridgeOptions()
	if opts.ReadChunk <= 0 {
		opts.ReadChunk = def.ReadChunk
	}
	if opts.MaxPending < opts.ReadChunk {
		opts.MaxPending = max(def.MaxPending, opts.ReadChunk)
	}
	// A held-back partial rune must never fill the queue on its own.
	opts.MaxPending = max(opts.MaxPending, utf8.UTFMax)
	if log == nil {
		log = zap.NewNop()
	}

	b := &Bridge{
		log:        log,
		resizer:    rs,
		decode:     opts.Decode,
		w:          w,
		maxPending: opts.MaxPending,
		stopped:    make(chan struct{}),
	}
	b.inCond = sync.NewCond(&b.inMu)
	go b.pump(r, opts.ReadChunk)
	return b
}

// Write forwards data to the shell verbatim.
func (b *Bridge) Write(data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	n, err := b.w.Write(data)
	metrics.BytesWritten.Add(float64(n))
	if err != nil {
		return wrap(ErrWrite, err)
	}
	if n != len(data) {
		return wrap(ErrWrite, io.ErrShortWrite)
	}
	return nil
}

// Read returns the buffered shell output that forms complete UTF-8 text.
// It never waits: with nothing to hand out it returns ok == false.
//
// Once the pump has stopped, at end of stream or after Close, and everything
// buffered has been handed out, Read fails with ErrRead wrapping the pump's
// error.
func (b *Bridge) Read() (text string, ok bool, err error) {
	b.readMu.Lock()
	defer b.readMu.Unlock()

	stopped := b.fill()

	avail := b.buf[b.off:]
	n := len(avail)
	if stopped == nil {
		n -= incompleteUTF8Tail(avail)
	}
	if n == 0 {
		if stopped != nil {
			metrics.Reads.WithLabelValues("error").Inc()
			return "", false, wrap(ErrRead, stopped)
		}
		metrics.Reads.WithLabelValues("empty").Inc()
		return "", false, nil
	}

	chunk := avail[:n]
	if valid := validPrefix(chunk); valid < n {
		switch {
		case b.decode == DecodeReplace:
			text = strings.ToValidUTF8(string(chunk), "\uFFFD")
		case valid > 0:
			// Hand out the good prefix; the next Read reports the bad bytes.
			n = valid
			text = string(chunk[:n])
		default:
			metrics.Reads.WithLabelValues("error").Inc()
			return "", false, fmt.Errorf("%w: invalid UTF-8 at byte %d of %d", ErrRead, valid, len(avail))
		}
	} else {
		text = string(chunk)
	}

	b.consume(n)
	metrics.Reads.WithLabelValues("data").Inc()
	metrics.BytesRead.Add(float64(n))
	return text, true, nil
}

// Resize delegates to the PTY.
func (b *Bridge) Resize(size Size) error {
	if b.resizer == nil {
		return wrap(ErrResize, ErrNoSession)
	}
	if err := b.resizer.Resize(size); err != nil {
		return err
	}
	metrics.Resizes.Inc()
	return nil
}

// Stopped is closed once the pump has queued its last bytes, after which
// every byte read from the master is visible to Read.
func (b *Bridge) Stopped() <-chan struct{} {
	return b.stopped
}

// Close stops the pump from waiting on the reader. It does not close the
// underlying descriptor.
func (b *Bridge) Close() {
	b.inMu.Lock()
	b.closed = true
	b.inMu.Unlock()
	b.inCond.Broadcast()
}

// fill moves everything the pump has queued into buf without blocking and
// reports whether the pump has stopped. Callers hold readMu.
func (b *Bridge) fill() error {
	b.inMu.Lock()
	defer b.inMu.Unlock()

	if len(b.inbox) > 0 {
		if b.off > 0 {
			b.buf = append(b.buf[:0], b.buf[b.off:]...)
			b.off = 0
		}
		b.buf = append(b.buf, b.inbox...)
		b.inbox = b.inbox[:0]
	}
	return b.pumpErr
}

// consume advances past n handed-out bytes and wakes a waiting pump.
// Callers hold readMu.
func (b *Bridge) consume(n int) {
	b.off += n
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}

	b.inMu.Lock()
	b.pending -= n
	metrics.PendingBytes.Set(float64(b.pending))
	b.inMu.Unlock()
	b.inCond.Broadcast()
}

func (b *Bridge) pump(r io.Reader, chunk int) {
	defer close(b.stopped)

	buf := make([]byte, chunk)
	for {
		n, err := r.Read(buf)
		if n > 0 && !b.enqueue(buf[:n]) {
			err = os.ErrClosed
		}
		if err != nil {
			b.log.Debug("pty output closed", zap.Error(err))
			b.inMu.Lock()
			b.pumpErr = err
			b.inMu.Unlock()
			return
		}
	}
}

// enqueue waits while the reader is maxPending bytes behind, so shell output
// is throttled rather than dropped. It returns false once the bridge is closed.
func (b *Bridge) enqueue(p []byte) bool {
	b.inMu.Lock()
	defer b.inMu.Unlock()

	for b.pending >= b.maxPending && !b.closed {
		b.inCond.Wait()
	}
	if b.closed {
		return false
	}
	b.inbox = append(b.inbox, p...)
	b.pending += len(p)
	metrics.PendingBytes.Set(float64(b.pending))
	return true
}
