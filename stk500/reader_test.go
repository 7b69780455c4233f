package stk500

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/meland/go-stk500/logger"
)

func fastTimeouts() Timeouts {
	return Timeouts{
		Default: 80 * time.Millisecond,
		Connect: 100 * time.Millisecond,
		Read:    150 * time.Millisecond,
		Write:   200 * time.Millisecond,
	}
}

// newTestReader builds an opened reader over one end of an in-memory pipe.
// The returned writer plays the device side.
func newTestReader(t *testing.T, opts ...SessionOption) (*AsyncReader, *io.PipeWriter) {
	t.Helper()

	pr, pw := io.Pipe()

	opts = append([]SessionOption{WithTimeouts(fastTimeouts())}, opts...)
	cfg, err := NewSessionConfig(opts...)
	require.NoError(t, err)

	r := NewAsyncReader(context.Background(), pr, cfg)
	require.NoError(t, r.Open())

	t.Cleanup(func() {
		r.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.WaitState(ctx, StoppedState)
		_ = r.Shutdown()
		_ = pw.Close()
		_ = pr.Close()
	})

	return r, pw
}

func startTestReader(t *testing.T, r *AsyncReader) {
	t.Helper()

	require.NoError(t, r.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.WaitActivated(ctx))
}

func TestReaderReadsBufferedByte(t *testing.T) {
	require := require.New(t)

	r, pw := newTestReader(t)
	startTestReader(t, r)

	_, err := pw.Write([]byte{0x42})
	require.NoError(err)

	v, err := r.Read(context.Background(), TimeoutDefault)
	require.NoError(err)
	require.Equal(0x42, v)

	require.Eventually(func() bool { return r.State() == WaitingState },
		time.Second, 5*time.Millisecond)
}

func TestReaderBackToBackReads(t *testing.T) {
	require := require.New(t)

	r, pw := newTestReader(t)
	startTestReader(t, r)

	// Every response frame needs at least two consecutive reads, so a
	// read must tolerate catching the machine before the worker has
	// switched it back to waiting.
	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	go pw.Write(payload) //nolint:errcheck // test pipe

	for i := range payload {
		v, err := r.Read(context.Background(), TimeoutDefault)
		require.NoError(err, "read %d", i)
		require.Equal(int(payload[i]), v, "read %d", i)
	}
}

func TestReaderTimeout(t *testing.T) {
	require := require.New(t)

	r, _ := newTestReader(t)
	startTestReader(t, r)

	v, err := r.Read(context.Background(), TimeoutDefault)
	require.ErrorIs(err, ErrReadTimeout)
	require.Equal(ResultNotDone, v)

	require.Eventually(func() bool { return r.State() == TimeoutOccurredState },
		time.Second, 5*time.Millisecond)

	require.NoError(r.Forget())
	require.Eventually(func() bool { return r.State() == WaitingState },
		time.Second, 5*time.Millisecond)
}

func TestReaderFlagsLateByte(t *testing.T) {
	require := require.New(t)

	r, pw := newTestReader(t)
	startTestReader(t, r)

	_, err := r.Read(context.Background(), TimeoutDefault)
	require.ErrorIs(err, ErrReadTimeout)

	require.Eventually(func() bool { return r.State() == TimeoutOccurredState },
		time.Second, 5*time.Millisecond)

	// The byte shows up after the deadline was declared. It must be
	// flagged, not delivered as a value.
	_, err = pw.Write([]byte{0x99})
	require.NoError(err)

	var got int
	require.Eventually(func() bool {
		v, ok := r.Result()
		if ok {
			got = v
		}
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(ResultTimeoutByte, got)

	require.Eventually(func() bool { return r.State() == WaitingState },
		time.Second, 5*time.Millisecond)
}

func TestReaderEndOfStream(t *testing.T) {
	require := require.New(t)

	r, pw := newTestReader(t)
	startTestReader(t, r)

	require.NoError(pw.Close())

	v, err := r.Read(context.Background(), TimeoutDefault)
	require.NoError(err)
	require.Equal(ResultEndOfStream, v)

	require.Eventually(func() bool { return r.State() == FailState },
		time.Second, 5*time.Millisecond)
	require.ErrorIs(r.LastErr(), io.EOF)
}

func TestReaderForgetDiscardsBufferedBytes(t *testing.T) {
	require := require.New(t)

	r, pw := newTestReader(t)
	startTestReader(t, r)

	_, err := pw.Write([]byte{1, 2, 3})
	require.NoError(err)

	require.Eventually(func() bool { return r.Buffered() == 3 },
		time.Second, 5*time.Millisecond)

	require.NoError(r.Forget())
	require.Equal(0, r.Buffered())
}

func TestReaderIllegalUse(t *testing.T) {
	assert := assert.New(t)

	r, _ := newTestReader(t)

	t.Run("read before start", func(t *testing.T) {
		_, err := r.Read(context.Background(), TimeoutDefault)
		assert.ErrorIs(err, ErrIllegalState)
	})

	t.Run("forget while stopped", func(t *testing.T) {
		assert.ErrorIs(r.Forget(), ErrIllegalState)
	})

	t.Run("double start", func(t *testing.T) {
		startTestReader(t, r)
		assert.ErrorIs(r.Start(), ErrIllegalState)
	})

	t.Run("shutdown while operating", func(t *testing.T) {
		assert.ErrorIs(r.Shutdown(), ErrIllegalState)
	})
}

func TestReaderStopWhileReading(t *testing.T) {
	require := require.New(t)

	r, _ := newTestReader(t)
	startTestReader(t, r)

	type readResult struct {
		v   int
		err error
	}
	done := make(chan readResult, 1)
	go func() {
		v, err := r.Read(context.Background(), TimeoutWrite)
		done <- readResult{v, err}
	}()

	// Give the read a moment to move the machine into ReadingState.
	require.Eventually(func() bool { return r.State() == ReadingState },
		time.Second, time.Millisecond)

	r.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(r.WaitState(ctx, StoppedState))

	// No byte ever arrived, so no result may be fabricated.
	res := <-done
	require.Error(res.err)
	require.Negative(res.v)
}

func TestReaderTransitionQueue(t *testing.T) {
	t.Run("FIFO one per tick", func(t *testing.T) {
		require := require.New(t)

		pr, pw := io.Pipe()
		defer pr.Close() //nolint:errcheck // test pipe
		defer pw.Close() //nolint:errcheck // test pipe

		cfg, err := NewSessionConfig(WithTimeouts(fastTimeouts()))
		require.NoError(err)

		// No worker: tick manually to observe one transition per pass.
		r := NewAsyncReader(context.Background(), pr, cfg)
		r.requestState(StartingState)
		r.requestState(StoppingState)

		r.tick()
		require.Equal(StartingState, r.State())

		r.tick()
		require.Equal(StoppedState, r.State())
	})

	t.Run("drops past the bound with a warning", func(t *testing.T) {
		require := require.New(t)

		pr, pw := io.Pipe()
		defer pr.Close() //nolint:errcheck // test pipe
		defer pw.Close() //nolint:errcheck // test pipe

		mockLog := logger.NewMockLogger()
		mockLog.On("Warn", "transition queue full, dropping request", mock.Anything)

		cfg, err := NewSessionConfig(
			WithTimeouts(fastTimeouts()),
			WithQueueWarnLimit(2),
			WithLogger(mockLog),
		)
		require.NoError(err)

		r := NewAsyncReader(context.Background(), pr, cfg)
		r.requestState(StartingState)
		r.requestState(StoppingState)
		r.requestState(StoppingState)

		mockLog.AssertExpectations(t)

		r.mu.Lock()
		defer r.mu.Unlock()
		require.Equal(2, r.transitions.Length())
	})
}

func TestReaderStopAcceptance(t *testing.T) {
	require := require.New(t)

	pr, pw := io.Pipe()
	defer pr.Close() //nolint:errcheck // test pipe
	defer pw.Close() //nolint:errcheck // test pipe

	cfg, err := NewSessionConfig(WithTimeouts(fastTimeouts()))
	require.NoError(err)

	// No worker: tick manually so each state can be observed.
	r := NewAsyncReader(context.Background(), pr, cfg)

	require.False(r.Stop(), "stop while already stopped")

	r.requestState(StartingState)
	r.requestState(WaitingState)
	r.tick()
	require.Equal(StartingState, r.State())
	require.False(r.Stop(), "stop while starting")

	r.tick()
	require.Equal(WaitingState, r.State())
	require.True(r.Stop(), "stop while waiting")
}

func TestLegalTransitions(t *testing.T) {
	assert := assert.New(t)

	allowed := []struct{ from, to ReaderState }{
		{StoppedState, StartingState},
		{StartingState, WaitingState},
		{WaitingState, ReadingState},
		{ReadingState, ResultReadyState},
		{ReadingState, TimeoutOccurredState},
		{TimeoutOccurredState, ResultReadyState},
		{ResultReadyState, WaitingState},
		{ReadingState, FailState},
		{FailState, StoppingState},
		{StoppingState, StoppedState},
	}
	for _, tc := range allowed {
		assert.True(legalTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to ReaderState }{
		{StoppedState, ReadingState},
		{StoppedState, StoppingState},
		{StartingState, StoppingState},
		{WaitingState, StartingState},
		{ResultReadyState, ReadingState},
		{FailState, WaitingState},
		{StoppingState, ReadingState},
	}
	for _, tc := range denied {
		assert.False(legalTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
