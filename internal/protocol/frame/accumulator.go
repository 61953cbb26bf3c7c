package frame

import (
	"errors"
	"io"
	"net"
	"os"
)

// Status is the outcome of one accumulator read.
type Status int

const (
	// StatusWouldBlock means no data arrived before the read deadline.
	StatusWouldBlock Status = iota
	StatusProgress
	StatusComplete
	// StatusPeerClosed is a zero-length read at end of stream.
	StatusPeerClosed
	// StatusOverrun means the reader claimed more bytes than were requested.
	StatusOverrun
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusWouldBlock:
		return "would_block"
	case StatusProgress:
		return "progress"
	case StatusComplete:
		return "complete"
	case StatusPeerClosed:
		return "peer_closed"
	case StatusOverrun:
		return "overrun"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Accumulator absorbs partial reads until a requested number of bytes has
// arrived. The same accumulator serves count headers, size headers and packet
// bodies.
type Accumulator struct {
	buf       []byte
	want      int
	remaining int
	err       error
}

// Expect discards buffered bytes and waits for n new ones.
func (a *Accumulator) Expect(n int) {
	if cap(a.buf) < n {
		a.buf = make([]byte, 0, n)
	}
	a.buf = a.buf[:0]
	a.want = n
	a.remaining = n
	a.err = nil
}

func (a *Accumulator) Remaining() int { return a.remaining }

func (a *Accumulator) Received() int { return len(a.buf) }

func (a *Accumulator) Want() int { return a.want }

// Bytes returns the accumulated bytes. The slice is reused by the next Expect.
func (a *Accumulator) Bytes() []byte { return a.buf }

// Err returns the I/O error behind the last StatusFatal.
func (a *Accumulator) Err() error { return a.err }

// ReadFrom performs a single read of at most Remaining() bytes from r.
func (a *Accumulator) ReadFrom(r io.Reader) Status {
	if a.remaining <= 0 {
		return StatusComplete
	}
	start := len(a.buf)
	p := a.buf[start:a.want]
	n, err := r.Read(p)
	if n > len(p) {
		a.remaining -= n
		return StatusOverrun
	}
	if n > 0 {
		a.buf = a.buf[:start+n]
		a.remaining -= n
	}

	switch {
	case a.remaining == 0:
		return StatusComplete
	case err == nil && n == 0:
		// A zero-length read without an error is treated as end of stream.
		return StatusPeerClosed
	case err == nil:
		return StatusProgress
	case errors.Is(err, io.EOF):
		return StatusPeerClosed
	case isTimeout(err):
		if n > 0 {
			return StatusProgress
		}
		return StatusWouldBlock
	default:
		a.err = err
		return StatusFatal
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
