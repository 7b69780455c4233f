package stk500

import (
	"io"
	"sync"
	"sync/atomic"
)

// sourceBufferSize is the capacity of the byte buffer between the pump
// goroutine and the reader worker.
const sourceBufferSize = 1024

// sourceBuffer decouples the reader worker from the transport's blocking
// Read. A pump goroutine performs the blocking reads and lands bytes in a
// buffered channel; the worker consumes them without ever blocking on the
// transport itself.
//
// The pump cannot be interrupted while blocked in src.Read; it exits when
// the transport returns an error (io.EOF on a closed link). This is the
// fundamental limitation the whole reader exists to contain.
type sourceBuffer struct {
	src    io.Reader
	ch     chan byte
	notify func()

	errOnce sync.Once
	err     atomic.Value // error
}

func newSourceBuffer(src io.Reader, notify func()) *sourceBuffer {
	return &sourceBuffer{
		src:    src,
		ch:     make(chan byte, sourceBufferSize),
		notify: notify,
	}
}

// pump is one iteration of the pump task loop: one blocking transport read,
// pushed byte by byte into the buffer. Returns false when the transport
// errors out, terminating the loop.
func (s *sourceBuffer) pump() bool {
	var buf [64]byte

	n, err := s.src.Read(buf[:])
	for i := 0; i < n; i++ {
		s.ch <- buf[i]
	}
	if n > 0 {
		s.notify()
	}

	if err != nil {
		s.setErr(err)
		s.notify()

		return false
	}

	return true
}

// consume returns one buffered byte without blocking. ok is false when the
// buffer is empty.
func (s *sourceBuffer) consume() (b byte, ok bool) {
	select {
	case b = <-s.ch:
		return b, true
	default:
		return 0, false
	}
}

// buffered returns the number of bytes waiting in the buffer.
func (s *sourceBuffer) buffered() int {
	return len(s.ch)
}

// discard drops all buffered bytes and returns how many were dropped.
func (s *sourceBuffer) discard() int {
	n := 0
	for {
		select {
		case <-s.ch:
			n++
		default:
			return n
		}
	}
}

func (s *sourceBuffer) setErr(err error) {
	s.errOnce.Do(func() { s.err.Store(err) })
}

// readErr returns the terminal transport error, or nil while the pump is
// still healthy.
func (s *sourceBuffer) readErr() error {
	if v := s.err.Load(); v != nil {
		return v.(error) //nolint:errcheck // only error is ever stored
	}

	return nil
}
