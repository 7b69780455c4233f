package stk500

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meland/go-stk500/internal/pool"
	"github.com/meland/go-stk500/internal/queue"
	"github.com/meland/go-stk500/internal/task"
	"github.com/meland/go-stk500/logger"
)

// idleTick bounds how long the worker parks between wake-ups while a state
// has nothing to do. It is a backstop, not a poll interval; all interesting
// events wake the worker immediately.
const idleTick = time.Second

// AsyncReader provides deadline-bounded single-byte reads over a transport
// whose Read can neither time out nor be canceled.
//
// A worker goroutine advances a state machine (see [ReaderState]); callers
// interact with it only through transition requests and a one-slot result
// channel, so no caller ever blocks on the transport. Transition requests
// are applied one per worker pass, in FIFO order.
//
// Lifecycle: Open starts the worker and the transport pump, Start/Stop move
// the machine between stopped and operating, Shutdown (legal only when
// stopped) terminates the worker. The pump goroutine itself can only exit
// when the transport read returns, so the transport must be closed by the
// owner to fully release it.
type AsyncReader struct {
	src      *sourceBuffer
	mgr      *task.Manager
	logger   logger.Logger
	timeouts Timeouts

	mu          sync.Mutex
	cond        *sync.Cond
	state       atomic.Int32
	transitions *queue.Queue[ReaderState]
	queueLimit  int
	activated   bool
	fetched     bool
	lastErr     error
	failedCh    chan struct{}
	deadline    time.Time

	// resultCh is the one-slot handoff from the worker to the caller.
	resultCh chan int
	// wakeCh nudges the worker out of its parked wait.
	wakeCh chan struct{}

	opened atomic.Bool
}

// NewAsyncReader creates a reader over src. The reader starts in
// StoppedState; call Open to launch its goroutines and Start to begin
// operating.
func NewAsyncReader(ctx context.Context, src io.Reader, cfg *SessionConfig) *AsyncReader {
	r := &AsyncReader{
		logger:      cfg.GetLogger(),
		timeouts:    cfg.Timeouts(),
		transitions: queue.New[ReaderState](8),
		queueLimit:  cfg.QueueWarnLimit(),
		failedCh:    make(chan struct{}),
		resultCh:    make(chan int, 1),
		wakeCh:      make(chan struct{}, 1),
	}
	r.cond = sync.NewCond(&r.mu)
	r.state.Store(int32(StoppedState))
	r.src = newSourceBuffer(src, r.wake)
	r.mgr = task.NewManager(ctx, r.logger)

	return r
}

// Open launches the worker and pump goroutines. The reader remains in
// StoppedState until Start is called.
func (r *AsyncReader) Open() error {
	if !r.opened.CompareAndSwap(false, true) {
		return fmt.Errorf("reader already opened: %w", ErrIllegalState)
	}

	if err := r.mgr.Start("reader-worker", r.tick, nil); err != nil {
		return err
	}

	return r.mgr.Start("reader-pump", r.src.pump, nil)
}

// Shutdown terminates the reader's goroutines. It is only legal in
// StoppedState; stop the reader first.
//
// The pump goroutine exits only once the transport read returns, so the
// caller should close the transport after Shutdown returns.
func (r *AsyncReader) Shutdown() error {
	if st := r.State(); st != StoppedState {
		return fmt.Errorf("shutdown requested in %s state: %w", st, ErrIllegalState)
	}

	r.mgr.Stop()
	r.wake()

	return nil
}

// State returns the current machine state.
func (r *AsyncReader) State() ReaderState {
	return ReaderState(r.state.Load())
}

// Activated reports whether the reader has reached an operating state since
// the last Start. Used as a readiness check after Start.
func (r *AsyncReader) Activated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.activated
}

// LastErr returns the transport error that put the reader in FailState, or
// nil.
func (r *AsyncReader) LastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastErr
}

// WaitState blocks until the machine reaches state, or ctx is done.
func (r *AsyncReader) WaitState(ctx context.Context, state ReaderState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		r.cond.Broadcast()
	})
	defer stopFunc()

	for r.State() != state {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			r.cond.Wait()
		}
	}

	return nil
}

// WaitActivated blocks until the reader reports readiness after a Start, or
// ctx is done.
func (r *AsyncReader) WaitActivated(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stopFunc := context.AfterFunc(ctx, func() {
		r.cond.Broadcast()
	})
	defer stopFunc()

	for !r.activated {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			r.cond.Wait()
		}
	}

	return nil
}

// Start requests the transition out of StoppedState. The reader drains any
// stale buffered bytes and becomes ready for reads; use WaitActivated to
// block until it has.
func (r *AsyncReader) Start() error {
	if st := r.State(); st != StoppedState {
		return fmt.Errorf("start requested in %s state: %w", st, ErrIllegalState)
	}

	r.requestState(StartingState)

	return nil
}

// Stop requests a wind-down to StoppedState and reports whether the
// request was accepted. It is rejected when the reader is already stopped
// or stopping, or still starting up. Use WaitState to block until stopped.
func (r *AsyncReader) Stop() bool {
	switch r.State() {
	case StoppedState, StoppingState, StartingState:
		return false
	default:
		r.requestState(StoppingState)
		return true
	}
}

// Read obtains one byte within the deadline of the given timeout class.
//
// It returns the byte value in [0, 255], or one of the sentinels:
// ResultEndOfStream when the transport ended (err is nil),
// ResultTimeoutByte when a byte arrived only after the reader had already
// declared a timeout (framing is unknown, the device is alive), or
// ResultNotDone together with a non-nil error.
//
// On ErrReadTimeout the reader is left in TimeoutOccurredState; call Forget
// before issuing the next read.
func (r *AsyncReader) Read(ctx context.Context, class TimeoutClass) (int, error) {
	st := r.State()
	if st == ResultReadyState || st == ReadingState || st == StartingState {
		// The switch back to WaitingState after an acknowledged result (or
		// a fresh start) is applied by the worker on its next pass; a
		// back-to-back read can observe the machine mid-flight. Give the
		// worker a bounded window to settle before rejecting.
		wait, cancel := context.WithTimeout(ctx, r.timeouts.Default)
		st = r.awaitSettled(wait)
		cancel()
	}

	switch st {
	case WaitingState:
		// Normal case.
	case FailState:
		return r.failResult()
	default:
		return ResultNotDone, fmt.Errorf("read requested in %s state: %w", st, ErrIllegalState)
	}

	r.requestState(ReadingState)

	timer := pool.GetTimer(r.timeouts.ForClass(class))
	defer pool.PutTimer(timer)

	select {
	case v := <-r.resultCh:
		r.finishRead()
		return v, nil
	case <-r.failedChan():
		return r.failResult()
	case <-timer.C:
		return ResultNotDone, fmt.Errorf("no byte within %s deadline: %w", class, ErrReadTimeout)
	case <-ctx.Done():
		return ResultNotDone, ctx.Err()
	}
}

// Result returns a delivered result without blocking, acknowledging it so
// the machine can return to WaitingState. ok is false when no result is
// pending. Unlike Read it never initiates a read; recovery code uses it to
// catch a byte flagged after a timeout.
func (r *AsyncReader) Result() (int, bool) {
	select {
	case v := <-r.resultCh:
		r.finishRead()
		return v, true
	default:
		return 0, false
	}
}

// Forget abandons whatever the reader is holding: buffered-but-unread
// bytes in WaitingState, the timeout flag in TimeoutOccurredState, or an
// undelivered result in ResultReadyState (a result can land concurrently
// with the caller giving up on its deadline). In any other state Forget is
// a contract violation and returns ErrIllegalState.
func (r *AsyncReader) Forget() error {
	st := r.State()
	switch st {
	case WaitingState:
		r.drainResult()
		if n := r.src.discard(); n > 0 {
			r.logger.Debug("discarded unread bytes", "count", n)
		}

		return nil
	case TimeoutOccurredState, ResultReadyState:
		r.drainResult()
		if n := r.src.discard(); n > 0 {
			r.logger.Debug("discarded unread bytes", "count", n)
		}
		r.requestState(WaitingState)

		return nil
	default:
		return fmt.Errorf("forget requested in %s state: %w", st, ErrIllegalState)
	}
}

func (r *AsyncReader) drainResult() {
	r.mu.Lock()
	r.drainResultLocked()
	r.mu.Unlock()
}

// Buffered returns the number of bytes sitting in the transport buffer,
// not yet consumed by a read.
func (r *AsyncReader) Buffered() int {
	return r.src.buffered()
}

// finishRead acknowledges a delivered result so the machine can return to
// WaitingState.
func (r *AsyncReader) finishRead() {
	r.mu.Lock()
	r.fetched = true
	r.mu.Unlock()

	r.requestState(WaitingState)
}

func (r *AsyncReader) failResult() (int, error) {
	err := r.LastErr()
	if errors.Is(err, io.EOF) {
		return ResultEndOfStream, nil
	}

	return ResultNotDone, err
}

// awaitSettled blocks until the machine leaves the transient states a read
// may legitimately catch it in (a pending switch back to WaitingState, or
// start-up), returning the state it settled in. On ctx expiry it returns
// whatever state is current.
func (r *AsyncReader) awaitSettled(ctx context.Context) ReaderState {
	r.mu.Lock()
	defer r.mu.Unlock()

	stopFunc := context.AfterFunc(ctx, func() {
		r.cond.Broadcast()
	})
	defer stopFunc()

	for {
		st := r.State()
		switch st {
		case ResultReadyState, ReadingState, StartingState:
		default:
			return st
		}

		select {
		case <-ctx.Done():
			return r.State()
		default:
			r.cond.Wait()
		}
	}
}

func (r *AsyncReader) failedChan() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.failedCh
}

// requestState enqueues a transition request for the worker. Requests past
// the queue bound are dropped with a warning; an unbounded queue would let
// a stuck caller loop exhaust memory.
func (r *AsyncReader) requestState(s ReaderState) {
	r.mu.Lock()
	if r.transitions.Length() >= r.queueLimit {
		r.mu.Unlock()
		r.logger.Warn("transition queue full, dropping request",
			"requested", s.String(), "limit", r.queueLimit)

		return
	}
	r.transitions.Enqueue(s)
	r.mu.Unlock()

	r.wake()
}

// wake nudges the worker out of a parked wait. Never blocks.
func (r *AsyncReader) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// park waits for a wake-up, at most d. Timers come from the shared pool so
// the hot read path stays allocation-free.
func (r *AsyncReader) park(d time.Duration) {
	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-r.wakeCh:
	case <-timer.C:
	}
}

// tick is one pass of the worker loop: apply at most one pending transition,
// then run the current state's behavior.
func (r *AsyncReader) tick() bool {
	r.mu.Lock()
	if next, ok := r.transitions.Dequeue(); ok {
		r.transitionLocked(next)
	}
	st := r.State()
	pending := !r.transitions.IsEmpty()
	r.mu.Unlock()

	if pending {
		// More transitions queued; keep the machine moving.
		return true
	}

	switch st {
	case StartingState:
		r.executeStarting()
	case ReadingState:
		r.executeReading()
	case TimeoutOccurredState:
		r.executeTimeoutOccurred()
	case ResultReadyState:
		r.executeResultReady()
	default:
		// Stopped, Waiting, Fail and Stopping idle until something is
		// requested.
		r.park(idleTick)
	}

	return true
}

// legalTransition reports whether the machine may move from cur to next.
// Illegal requests are dropped; a stale request (e.g. a read queued just as
// a stop arrived) must not derail the machine.
func legalTransition(cur, next ReaderState) bool {
	switch next {
	case StartingState:
		return cur == StoppedState
	case WaitingState:
		return cur == StartingState || cur == ReadingState ||
			cur == ResultReadyState || cur == TimeoutOccurredState
	case ReadingState:
		return cur == WaitingState
	case ResultReadyState:
		return cur == ReadingState || cur == TimeoutOccurredState
	case TimeoutOccurredState:
		return cur == ReadingState
	case FailState:
		return cur != StoppedState && cur != StoppingState && cur != FailState
	case StoppingState:
		return cur != StoppedState && cur != StoppingState && cur != StartingState
	case StoppedState:
		return cur == StoppingState
	default:
		return false
	}
}

// transitionLocked applies one transition and its entry actions. Caller
// holds r.mu.
func (r *AsyncReader) transitionLocked(next ReaderState) {
	cur := r.State()
	if !legalTransition(cur, next) {
		r.logger.Warn("dropping illegal transition request",
			"current", cur.String(), "requested", next.String())

		return
	}

	r.state.Store(int32(next))
	r.logger.Debug("reader state change", "from", cur.String(), "to", next.String())

	switch next {
	case StartingState:
		r.lastErr = nil
		r.fetched = false
		r.failedCh = make(chan struct{})
		r.drainResultLocked()
	case WaitingState:
		r.activated = true
	case ReadingState:
		r.fetched = false
		r.deadline = time.Now().Add(r.timeouts.Default)
		r.drainResultLocked()
	case TimeoutOccurredState:
		r.logger.Warn("read deadline expired, no byte from device")
	case FailState:
		close(r.failedCh)
	case StoppingState:
		r.activated = false
		r.drainResultLocked()
		// Resolve immediately; nothing to wind down beyond local state.
		r.transitionLocked(StoppedState)
		return
	case StoppedState:
		r.activated = false
	}

	r.cond.Broadcast()
}

func (r *AsyncReader) drainResultLocked() {
	select {
	case <-r.resultCh:
	default:
	}
}

// executeStarting flushes bytes left over from before the start, then moves
// to WaitingState. Stale bytes would otherwise be misread as responses to
// commands not yet sent.
func (r *AsyncReader) executeStarting() {
	if n := r.src.discard(); n > 0 {
		r.logger.Debug("discarded stale bytes on start", "count", n)
	}

	if err := r.src.readErr(); err != nil {
		r.fail(err)
		return
	}

	r.applyState(WaitingState)
}

// executeReading delivers one buffered byte, or declares a timeout when the
// base deadline expires first.
func (r *AsyncReader) executeReading() {
	if b, ok := r.src.consume(); ok {
		r.resultCh <- int(b)
		r.applyState(ResultReadyState)

		return
	}

	if err := r.src.readErr(); err != nil {
		r.fail(err)
		return
	}

	remaining := time.Until(r.readDeadline())
	if remaining <= 0 {
		r.applyState(TimeoutOccurredState)
		return
	}

	if remaining > idleTick {
		remaining = idleTick
	}
	r.park(remaining)
}

// executeTimeoutOccurred watches for a byte arriving after the deadline.
// Such a byte is flagged as ResultTimeoutByte rather than delivered: its
// place in the response frame is unknown, but it proves the device is
// alive.
func (r *AsyncReader) executeTimeoutOccurred() {
	if _, ok := r.src.consume(); ok {
		r.logger.Warn("byte arrived after read deadline, flagging")
		r.resultCh <- ResultTimeoutByte
		r.applyState(ResultReadyState)

		return
	}

	if err := r.src.readErr(); err != nil {
		r.fail(err)
		return
	}

	r.park(idleTick)
}

// executeResultReady normally idles until the caller's pickup requests the
// next transition. If the result was already fetched and nothing is queued,
// the machine returns to WaitingState on its own.
func (r *AsyncReader) executeResultReady() {
	r.mu.Lock()
	refetch := r.fetched && r.transitions.IsEmpty()
	r.mu.Unlock()

	if refetch {
		r.applyState(WaitingState)
		return
	}

	r.park(idleTick)
}

func (r *AsyncReader) readDeadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deadline
}

// applyState performs an internal, worker-initiated transition directly,
// bypassing the request queue.
func (r *AsyncReader) applyState(s ReaderState) {
	r.mu.Lock()
	r.transitionLocked(s)
	r.mu.Unlock()
}

func (r *AsyncReader) fail(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.transitionLocked(FailState)
	r.mu.Unlock()

	if errors.Is(err, io.EOF) {
		r.logger.Info("byte source ended")
	} else {
		r.logger.Error("byte source failed", "error", err)
	}
}
