package stk500

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memImage is an in-memory firmware image for tests.
type memImage struct {
	data []byte
}

func (m *memImage) IsValid() bool { return len(m.data) > 0 }
func (m *memImage) Size() int     { return len(m.data) }

func (m *memImage) Chunk(pos, max int) []byte {
	if pos < 0 || max <= 0 || pos >= len(m.data) {
		return nil
	}
	end := pos + max
	if end > len(m.data) {
		end = len(m.data)
	}

	return m.data[pos:end]
}

func patternImage(size int) *memImage {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}

	return &memImage{data: data}
}

// fakeDevice emulates an Optiboot bootloader on the far end of a pipe.
// Session writes land in Write, are parsed as command frames, and the
// scripted responses are pushed through the pipe the session reads from.
type fakeDevice struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu    sync.Mutex
	buf   []byte
	flash []byte
	addr  int

	pages      int
	reads      int
	enterCount int
	syncSeen   int

	noDevice     bool
	muteEnters   int
	muteSyncs    int
	corruptReads bool
}

func newFakeDevice() *fakeDevice {
	pr, pw := io.Pipe()
	return &fakeDevice{pr: pr, pw: pw}
}

func (d *fakeDevice) Read(p []byte) (int, error) { return d.pr.Read(p) }

func (d *fakeDevice) Close() error { return d.pw.Close() }

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.buf = append(d.buf, p...)
	d.process()

	return len(p), nil
}

func (d *fakeDevice) respond(b ...byte) {
	_, _ = d.pw.Write(b)
}

// need reports whether n bytes of command are buffered; the frame stays
// buffered until it is.
func (d *fakeDevice) need(n int) bool { return len(d.buf) >= n }

func (d *fakeDevice) process() {
	for len(d.buf) > 0 {
		if bytes.HasPrefix(d.buf, softResetPattern) {
			d.buf = d.buf[len(softResetPattern):]
			continue
		}

		switch d.buf[0] {
		case CmdGetSync:
			if !d.need(2) {
				return
			}
			d.buf = d.buf[2:]
			d.syncSeen++
			if d.muteSyncs > 0 {
				d.muteSyncs--
				continue
			}
			d.respond(RespInSync, RespOK)

		case CmdEnterProgMode:
			if !d.need(2) {
				return
			}
			d.buf = d.buf[2:]
			d.enterCount++
			switch {
			case d.noDevice:
				d.respond(RespNoDevice)
			case d.muteEnters > 0:
				d.muteEnters--
			default:
				d.respond(RespInSync, RespOK)
			}

		case CmdLeaveProgMode:
			if !d.need(2) {
				return
			}
			d.buf = d.buf[2:]
			d.respond(RespInSync, RespOK)

		case CmdLoadAddress:
			if !d.need(4) {
				return
			}
			word := int(d.buf[1])<<8 | int(d.buf[2])
			d.addr = word * 2
			d.buf = d.buf[4:]
			d.respond(RespInSync, RespOK)

		case CmdUniversal:
			if !d.need(6) {
				return
			}
			d.buf = d.buf[6:]
			d.respond(RespInSync, 0x00, RespOK)

		case CmdProgPage:
			if !d.need(4) {
				return
			}
			n := int(d.buf[1])<<8 | int(d.buf[2])
			if !d.need(4 + n + 1) {
				return
			}
			data := d.buf[4 : 4+n]
			d.store(data)
			d.buf = d.buf[4+n+1:]
			d.pages++
			d.respond(RespInSync, RespOK)

		case CmdReadPage:
			if !d.need(5) {
				return
			}
			n := int(d.buf[1])<<8 | int(d.buf[2])
			d.buf = d.buf[5:]
			d.reads++

			resp := make([]byte, 0, n+2)
			resp = append(resp, RespInSync)
			resp = append(resp, d.load(n)...)
			resp = append(resp, RespOK)
			if d.corruptReads {
				resp[1] ^= 0xFF
			}
			d.respond(resp...)

		default:
			// Unknown junk; drop one byte so parsing can realign.
			d.buf = d.buf[1:]
		}
	}
}

func (d *fakeDevice) store(data []byte) {
	end := d.addr + len(data)
	if end > len(d.flash) {
		grown := make([]byte, end)
		copy(grown, d.flash)
		d.flash = grown
	}
	copy(d.flash[d.addr:end], data)
}

func (d *fakeDevice) load(n int) []byte {
	out := make([]byte, n)
	if d.addr < len(d.flash) {
		copy(out, d.flash[d.addr:])
	}

	return out
}

func (d *fakeDevice) flashContent() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]byte(nil), d.flash...)
}

func fastSessionOpts(extra ...SessionOption) []SessionOption {
	opts := []SessionOption{
		WithTimeouts(fastTimeouts()),
		WithResetSettle(5 * time.Millisecond),
		WithSpamParams(2, 20, time.Millisecond),
	}

	return append(opts, extra...)
}

func newTestSession(t *testing.T, dev *fakeDevice, img Image, opts ...SessionOption) *Session {
	t.Helper()

	s, err := NewSession(context.Background(), dev, dev, img, fastSessionOpts(opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
		_ = dev.Close()
	})

	return s
}

func TestProgramWriteOnly(t *testing.T) {
	require := require.New(t)

	dev := newFakeDevice()
	img := patternImage(256)
	s := newTestSession(t, dev, img)
	require.Equal(StateReady, s.State())

	ok := s.Program(context.Background(), false, 128)
	require.True(ok)
	require.Equal(StateFinished, s.State())
	require.Equal(100, s.Progress())

	require.Equal(img.data, dev.flashContent())
	require.Equal(2, dev.pages)
	require.Equal(0, dev.reads)

	stats := s.Stats()
	require.Equal(2, stats.Pages)
	require.Positive(stats.Total)

	// The reader is handed back fully stopped.
	require.Equal(StoppedState, s.reader.State())
}

func TestProgramWithVerify(t *testing.T) {
	require := require.New(t)

	dev := newFakeDevice()
	img := patternImage(300) // not a multiple of the chunk size
	s := newTestSession(t, dev, img)

	ok := s.Program(context.Background(), true, 128)
	require.True(ok)
	require.Equal(StateFinished, s.State())
	require.Equal(100, s.Progress())

	require.Equal(img.data, dev.flashContent())
	require.Equal(3, dev.pages)
	require.Equal(3, dev.reads)
}

func TestProgramNoDevice(t *testing.T) {
	require := require.New(t)

	dev := newFakeDevice()
	dev.noDevice = true
	s := newTestSession(t, dev, patternImage(128))

	ok := s.Program(context.Background(), false, 128)
	require.False(ok)
	require.Equal(StateErrorConnect, s.State())

	// A no-device report is fatal; program-mode entry is not retried.
	require.Equal(1, dev.enterCount)
	require.Equal(StoppedState, s.reader.State())
}

func TestProgramInvalidImage(t *testing.T) {
	require := require.New(t)

	dev := newFakeDevice()
	s := newTestSession(t, dev, &memImage{})

	require.Equal(StateErrorParseHex, s.State())
	require.False(s.Program(context.Background(), false, 128))
	require.Equal(StateErrorParseHex, s.State())
}

func TestProgramRecoversFromDroppedResponse(t *testing.T) {
	require := require.New(t)

	dev := newFakeDevice()
	dev.muteEnters = 1 // first enter-program-mode goes unanswered
	s := newTestSession(t, dev, patternImage(128))

	ok := s.Program(context.Background(), false, 128)
	require.True(ok)
	require.Equal(StateFinished, s.State())

	// The timed-out attempt was not re-sent by recovery itself; the outer
	// loop retried it after a successful resynchronization.
	require.GreaterOrEqual(dev.enterCount, 2)
}

func TestRecoverStopsAfterSilentFlood(t *testing.T) {
	require := require.New(t)

	dev := newFakeDevice()
	dev.muteSyncs = 1 << 20 // the device never answers a sync request
	s := newTestSession(t, dev, patternImage(128))

	require.NoError(s.reader.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(s.reader.WaitActivated(ctx))

	require.False(s.recover(context.Background()))

	// A flood that produces nothing ends the recovery after a single
	// round: the reader is restarted, not re-flooded.
	dev.mu.Lock()
	seen := dev.syncSeen
	dev.mu.Unlock()
	require.Equal(20, seen) // one round of the configured flood count

	require.Equal(WaitingState, s.reader.State())
}

func TestProgramVerifyMismatch(t *testing.T) {
	require := require.New(t)

	dev := newFakeDevice()
	dev.corruptReads = true
	s := newTestSession(t, dev, patternImage(128), WithUploadRetryLimit(2))

	ok := s.Program(context.Background(), true, 128)
	require.False(ok)
	require.Equal(StateErrorRead, s.State())
	require.Equal(StoppedState, s.reader.State())
}

func TestProgressMapping(t *testing.T) {
	assert := assert.New(t)

	dev := newFakeDevice()
	s := newTestSession(t, dev, patternImage(256))

	t.Run("write-only pass spans the full range", func(t *testing.T) {
		s.verifying = false
		s.updateProgress(128, 256, true)
		assert.Equal(50, s.Progress())
		s.updateProgress(256, 256, true)
		assert.Equal(100, s.Progress())
	})

	t.Run("verified run splits at fifty", func(t *testing.T) {
		s.verifying = true
		s.updateProgress(128, 256, true)
		assert.Equal(25, s.Progress())
		s.updateProgress(256, 256, true)
		assert.Equal(50, s.Progress())
		s.updateProgress(128, 256, false)
		assert.Equal(75, s.Progress())
		s.updateProgress(256, 256, false)
		assert.Equal(100, s.Progress())
	})
}

func TestCheckResponse(t *testing.T) {
	newScriptedSession := func(t *testing.T) (*Session, *io.PipeWriter) {
		t.Helper()

		pr, pw := io.Pipe()
		s, err := NewSession(context.Background(), io.Discard, pr, patternImage(16), fastSessionOpts()...)
		require.NoError(t, err)
		require.NoError(t, s.reader.Start())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.reader.WaitActivated(ctx))

		t.Cleanup(func() {
			_ = s.Close()
			_ = pw.Close()
			_ = pr.Close()
		})

		return s, pw
	}

	t.Run("accepts insync ok", func(t *testing.T) {
		s, pw := newScriptedSession(t)
		go pw.Write([]byte{RespInSync, RespOK}) //nolint:errcheck // test pipe

		_, ok := s.checkResponse(context.Background(), false, CmdGetSync, TimeoutDefault)
		require.True(t, ok)
	})

	t.Run("rejects insync failed", func(t *testing.T) {
		s, pw := newScriptedSession(t)
		go pw.Write([]byte{RespInSync, RespFailed}) //nolint:errcheck // test pipe

		_, ok := s.checkResponse(context.Background(), false, CmdGetSync, TimeoutDefault)
		require.False(t, ok)
	})

	t.Run("nodevice is fatal", func(t *testing.T) {
		s, pw := newScriptedSession(t)
		go pw.Write([]byte{RespNoDevice}) //nolint:errcheck // test pipe

		_, ok := s.checkResponse(context.Background(), false, CmdEnterProgMode, TimeoutDefault)
		require.False(t, ok)
		require.True(t, s.noDevice)
	})

	t.Run("rich payload is returned", func(t *testing.T) {
		s, pw := newScriptedSession(t)
		go pw.Write([]byte{RespInSync, 0x1E, 0x95, 0x0F, RespOK}) //nolint:errcheck // test pipe

		data, ok := s.checkResponse(context.Background(), true, CmdReadSign, TimeoutDefault)
		require.True(t, ok)
		require.Equal(t, []byte{0x1E, 0x95, 0x0F}, data)
	})

	t.Run("unknown rich opcode panics", func(t *testing.T) {
		s, pw := newScriptedSession(t)
		go pw.Write([]byte{RespInSync}) //nolint:errcheck // test pipe

		require.Panics(t, func() {
			s.checkResponse(context.Background(), true, CmdProgFlash, TimeoutDefault)
		})
	})
}

func TestSignOn(t *testing.T) {
	require := require.New(t)

	pr, pw := io.Pipe()
	s, err := NewSession(context.Background(), io.Discard, pr, patternImage(16), fastSessionOpts()...)
	require.NoError(err)
	require.NoError(s.reader.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(s.reader.WaitActivated(ctx))

	t.Cleanup(func() {
		_ = s.Close()
		_ = pw.Close()
		_ = pr.Close()
	})

	go pw.Write(append([]byte{RespInSync}, append([]byte("AVR ISP"), RespOK)...)) //nolint:errcheck // test pipe

	id, err := s.SignOn(context.Background())
	require.NoError(err)
	require.Equal("AVR ISP", id)
}
