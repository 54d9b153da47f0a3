// Package session bridges a polling caller to one interactive shell running on
// a pseudo-terminal.
//
// A Controller owns a single session: the PTY (PtyHandle), the shell
// (Process) and the I/O bridge (Bridge). Its four operations, Create, Write,
// Read and Resize, are safe for concurrent use. Writes, reads and resizes are
// guarded by independent locks, so a pending write never delays a read.
//
// Read never blocks. A pump goroutine drains the PTY master into a buffer and
// Read hands out whatever complete UTF-8 text is buffered, holding back an
// incomplete trailing sequence until the rest of it arrives.
//
// When the shell exits the status is delivered on Controller.Exited; the
// owner decides what happens next (see Supervise and Terminate).
package session
