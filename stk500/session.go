package stk500

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/meland/go-stk500/internal/pool"
	"github.com/meland/go-stk500/logger"
)

// richPayloadSizes maps rich-response opcodes to the fixed number of data
// bytes carried between the in-sync and ok markers. Page reads are not in
// the table; their payload length is chosen by the caller.
var richPayloadSizes = func() *xsync.MapOf[byte, int] {
	m := xsync.NewMapOf[byte, int]()
	m.Store(CmdUniversal, 1)
	m.Store(CmdReadSign, 3)

	return m
}()

// Session drives a complete programming exchange with an STK500v1
// bootloader: synchronization, program-mode entry, chip erase, page
// writes, optional read-back verification, and timeout recovery.
//
// All protocol methods run on the caller's goroutine; only State, Progress
// and Stats are safe to call concurrently while Program runs.
type Session struct {
	cfg    *SessionConfig
	log    logger.Logger
	out    io.Writer
	reader *AsyncReader
	image  Image
	stats  WriteStats

	state    atomic.Int32
	progress atomic.Int32

	// Caller-goroutine-only bookkeeping.
	timedOut  bool
	syncCount int
	noDevice  bool
	verifying bool

	// hardwareReset is invoked when load-address attempts are exhausted.
	// Most transports cannot pulse the target's reset line; the default
	// hook only logs.
	hardwareReset func()
}

// NewSession creates a programming session over the given transport halves
// and firmware image. The reader worker is launched immediately; the
// session is left in the Ready state (or ErrorParseHex when the image does
// not validate).
func NewSession(ctx context.Context, out io.Writer, in io.Reader, image Image, opts ...SessionOption) (*Session, error) {
	cfg, err := NewSessionConfig(opts...)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:   cfg,
		log:   cfg.GetLogger(),
		out:   out,
		image: image,
	}
	s.state.Store(int32(StateInitializing))
	s.hardwareReset = func() {
		s.log.Warn("hardware reset requested but no reset line is available")
	}

	s.reader = NewAsyncReader(ctx, in, cfg)
	if err := s.reader.Open(); err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}

	if image == nil || !image.IsValid() {
		s.setState(StateErrorParseHex)
		return s, nil
	}
	s.setState(StateReady)

	return s, nil
}

// SetHardwareResetHook installs fn as the last-resort reset action used
// when load-address attempts are exhausted. Call before Program.
func (s *Session) SetHardwareResetHook(fn func()) {
	if fn != nil {
		s.hardwareReset = fn
	}
}

// State returns the caller-visible session state.
func (s *Session) State() ProtocolState {
	return ProtocolState(s.state.Load())
}

// Progress returns the programming progress in percent, clamped to
// [0, 100]. During a verified run the write pass covers 0-50 and the
// verify pass 50-100.
func (s *Session) Progress() int {
	return int(s.progress.Load())
}

// Stats returns a snapshot of the page-write timing statistics.
func (s *Session) Stats() WriteStatsSummary {
	return s.stats.Summary()
}

// Close stops and shuts down the reader. The transport itself is owned by
// the caller and must be closed separately to release the pump goroutine.
func (s *Session) Close() error {
	s.stopReader(context.Background())
	return s.reader.Shutdown()
}

// Program runs the full programming workflow: reset and synchronize, enter
// program mode, erase, write every page, optionally verify by read-back,
// and leave program mode.
//
// It never returns an error; the result is the boolean plus the terminal
// state reported by State. chunkSize is the page payload size; values
// outside (0, MaxChunkSize] fall back to DefaultChunkSize. Program blocks
// until done; run it in its own goroutine and poll State and Progress to
// stay responsive.
func (s *Session) Program(ctx context.Context, verify bool, chunkSize int) bool {
	if st := s.State(); st == StateErrorParseHex {
		s.log.Error("cannot program, firmware image is invalid")
		return false
	}

	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		s.log.Warn("chunk size out of range, using default",
			"requested", chunkSize, "default", DefaultChunkSize)
		chunkSize = DefaultChunkSize
	}

	s.verifying = verify
	s.timedOut = false
	s.syncCount = 0
	s.noDevice = false
	s.progress.Store(0)
	s.stats.Reset()

	// Whatever happens, the caller gets the reader back in its stopped
	// state, ready for another run. Close owns the terminal shutdown.
	defer s.stopReader(ctx)

	s.setState(StateConnecting)

	if err := s.reader.Start(); err != nil && !errors.Is(err, ErrIllegalState) {
		s.setState(StateErrorConnect)
		return false
	}
	if !s.awaitReaderReady(ctx) {
		s.setState(StateErrorConnect)
		return false
	}

	if !s.resetAndSync(ctx) {
		s.log.Error("could not synchronize with bootloader")
		s.setState(StateErrorConnect)

		return false
	}

	if !s.enterProgramModeRetry(ctx) {
		s.setState(StateErrorConnect)
		return false
	}

	ok := s.programAndVerify(ctx, chunkSize)

	s.leaveProgramModeRetry(ctx)

	if !ok {
		return false
	}

	s.setState(StateFinished)
	s.logStats()

	return true
}

// SignOn asks the programmer to identify itself and returns the identifier
// string, which may be empty on bootloaders that acknowledge without one.
func (s *Session) SignOn(ctx context.Context) (string, error) {
	if err := s.send(CmdGetSignOn, SyncCRCEOP); err != nil {
		return "", err
	}

	b, err := s.readByte(ctx, TimeoutConnect)
	if err != nil {
		return "", err
	}
	if b != RespInSync {
		return "", fmt.Errorf("sign-on response opened with %#02x: %w", b, ErrNotInSync)
	}

	// The identifier is whatever comes before the terminal ok marker.
	var id []byte
	for i := 0; i < 8; i++ {
		b, err = s.readByte(ctx, TimeoutConnect)
		if err != nil {
			return "", err
		}
		if b == RespOK {
			return string(id), nil
		}
		id = append(id, b)
	}

	return "", fmt.Errorf("sign-on response did not terminate: %w", ErrNotInSync)
}

// CheckAutoIncrement reports whether the programmer auto-increments the
// target address across page operations.
func (s *Session) CheckAutoIncrement(ctx context.Context) bool {
	if err := s.send(CmdCheckAutoInc, SyncCRCEOP); err != nil {
		return false
	}

	_, ok := s.checkResponse(ctx, false, CmdCheckAutoInc, TimeoutDefault)

	return ok
}

// ReadSignature reads the device's three signature bytes.
func (s *Session) ReadSignature(ctx context.Context) ([3]byte, error) {
	var sig [3]byte

	if err := s.send(CmdReadSign, SyncCRCEOP); err != nil {
		return sig, err
	}

	data, ok := s.checkResponse(ctx, true, CmdReadSign, TimeoutDefault)
	if !ok {
		return sig, fmt.Errorf("signature read failed: %w", ErrNotInSync)
	}
	copy(sig[:], data)

	return sig, nil
}

// --- workflow steps ---

func (s *Session) programAndVerify(ctx context.Context, chunkSize int) bool {
	if !s.eraseChip(ctx) {
		s.log.Error("chip erase failed")
		s.setState(StateErrorWrite)

		return false
	}

	s.setState(StateWriting)
	if !s.uploadImage(ctx, chunkSize, true) {
		s.log.Error("page programming failed")
		s.setState(StateErrorWrite)

		return false
	}

	if !s.verifying {
		return true
	}

	s.setState(StateReading)
	if !s.uploadImage(ctx, chunkSize, false) {
		s.log.Error("verification failed")
		s.setState(StateErrorRead)

		return false
	}

	return true
}

func (s *Session) enterProgramModeRetry(ctx context.Context) bool {
	for i := 0; i < s.cfg.enterAttempts; i++ {
		if s.enterProgramMode(ctx) {
			return true
		}
		if s.noDevice {
			s.log.Error("programmer reports no device present")
			return false
		}
		s.log.Warn("enter program mode failed, retrying", "attempt", i+1)
	}

	return false
}

func (s *Session) leaveProgramModeRetry(ctx context.Context) {
	for i := 0; i < s.cfg.leaveAttempts; i++ {
		if s.leaveProgramMode(ctx) {
			return
		}
		s.log.Warn("leave program mode failed, retrying", "attempt", i+1)
	}
	s.log.Error("could not leave program mode; target may stay in bootloader")
}

func (s *Session) enterProgramMode(ctx context.Context) bool {
	if err := s.send(CmdEnterProgMode, SyncCRCEOP); err != nil {
		return false
	}

	_, ok := s.checkResponse(ctx, false, CmdEnterProgMode, TimeoutConnect)

	return ok
}

func (s *Session) leaveProgramMode(ctx context.Context) bool {
	if err := s.send(CmdLeaveProgMode, SyncCRCEOP); err != nil {
		return false
	}

	_, ok := s.checkResponse(ctx, false, CmdLeaveProgMode, TimeoutDefault)

	return ok
}

// eraseChip issues the chip-erase instruction through the universal
// command. The response carries one echoed data byte which is ignored;
// only the positional in-sync and ok markers matter.
func (s *Session) eraseChip(ctx context.Context) bool {
	frame := make([]byte, 0, len(chipEraseUniversal)+2)
	frame = append(frame, CmdUniversal)
	frame = append(frame, chipEraseUniversal...)
	frame = append(frame, SyncCRCEOP)

	if err := s.send(frame...); err != nil {
		return false
	}

	_, ok := s.checkResponse(ctx, true, CmdUniversal, TimeoutWrite)

	return ok
}

// loadAddress points the bootloader at the page starting at byteAddr. The
// wire carries the word address, big-endian.
func (s *Session) loadAddress(ctx context.Context, byteAddr int) bool {
	word := byteAddr / 2

	for i := 0; i < s.cfg.addressAttempts; i++ {
		err := s.send(CmdLoadAddress, byte(word>>8), byte(word), SyncCRCEOP)
		if err != nil {
			return false
		}
		if _, ok := s.checkResponse(ctx, false, CmdLoadAddress, TimeoutDefault); ok {
			return true
		}
		s.log.Warn("load address failed", "address", byteAddr, "attempt", i+1)
	}

	return false
}

// programPage writes one page of flash. Timing of the exchange feeds the
// write statistics.
func (s *Session) programPage(ctx context.Context, data []byte, memtype byte) bool {
	if memtype != memtypeFlash {
		s.log.Error("unsupported memory type", "memtype", string(memtype),
			"error", ErrEEPROMUnsupported)

		return false
	}

	n := len(data)
	frame := make([]byte, 0, n+5)
	frame = append(frame, CmdProgPage, byte(n>>8), byte(n), memtype)
	frame = append(frame, data...)
	frame = append(frame, SyncCRCEOP)

	start := time.Now()
	if err := s.send(frame...); err != nil {
		return false
	}

	_, ok := s.checkResponse(ctx, false, CmdProgPage, TimeoutWrite)
	if ok {
		s.stats.Record(time.Since(start))
	}

	return ok
}

// readPage reads back length bytes of flash at the current address. It
// returns nil on any framing mismatch; the caller retries without caring
// why the frame was bad.
func (s *Session) readPage(ctx context.Context, length int, memtype byte) []byte {
	if memtype != memtypeFlash {
		s.log.Error("unsupported memory type", "memtype", string(memtype),
			"error", ErrEEPROMUnsupported)

		return nil
	}

	err := s.send(CmdReadPage, byte(length>>8), byte(length), memtype, SyncCRCEOP)
	if err != nil {
		return nil
	}

	b, err := s.readByte(ctx, TimeoutRead)
	if err != nil || b != RespInSync {
		return nil
	}

	data := make([]byte, length)
	for i := 0; i < length; i++ {
		b, err = s.readByte(ctx, TimeoutRead)
		if err != nil {
			return nil
		}
		data[i] = b
	}

	b, err = s.readByte(ctx, TimeoutRead)
	if err != nil || b != RespOK {
		return nil
	}

	return data
}

// uploadImage walks the image in chunks, either programming (write=true)
// or reading back and comparing (write=false). A chunk failure with the
// timeout flag still set means recovery failed and the run aborts;
// otherwise the same chunk is retried, bounded by the cumulative retry
// limit.
func (s *Session) uploadImage(ctx context.Context, chunkSize int, write bool) bool {
	size := s.image.Size()
	pos := 0
	retries := 0

	for pos < size {
		if ctx.Err() != nil {
			s.log.Error("programming canceled", "error", ctx.Err())
			return false
		}

		chunk := s.image.Chunk(pos, chunkSize)
		if len(chunk) == 0 {
			break
		}

		if !s.loadAddress(ctx, pos) {
			s.hardwareReset()
			if !s.retryChunk(&retries, pos, write) {
				return false
			}

			continue
		}

		var ok bool
		if write {
			ok = s.programPage(ctx, chunk, memtypeFlash)
		} else {
			got := s.readPage(ctx, len(chunk), memtypeFlash)
			ok = got != nil && bytes.Equal(got, chunk)
		}

		if !ok {
			if !s.retryChunk(&retries, pos, write) {
				return false
			}

			continue
		}

		pos += len(chunk)
		s.updateProgress(pos, size, write)
	}

	return true
}

// retryChunk decides whether a failed chunk may be retried. It returns
// false when the failure is final: an unrecovered timeout, a fatal device
// response, or retry exhaustion.
func (s *Session) retryChunk(retries *int, pos int, write bool) bool {
	if s.timedOut {
		s.log.Error("timeout was not recoverable, aborting", "position", pos)
		return false
	}
	if s.noDevice {
		return false
	}

	*retries++
	if *retries > s.cfg.uploadRetryLimit {
		s.log.Error("chunk retry limit exhausted",
			"position", pos, "retries", *retries, "write", write)

		return false
	}
	s.log.Warn("retrying chunk", "position", pos, "retries", *retries, "write", write)

	return true
}

func (s *Session) updateProgress(pos, size int, write bool) {
	frac := float64(pos) / float64(size)

	var pct float64
	switch {
	case write && s.verifying:
		pct = frac * 50
	case !write:
		pct = 50 + frac*50
	default:
		pct = frac * 100
	}

	p := int32(math.Round(pct))
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	s.progress.Store(p)
}

// --- synchronization and recovery ---

// getSynchronization performs clean sync exchanges until one succeeds,
// bounded by the configured sync limit.
func (s *Session) getSynchronization(ctx context.Context) bool {
	for i := 0; i < s.cfg.syncLimit; i++ {
		if err := s.send(CmdGetSync, SyncCRCEOP); err != nil {
			return false
		}
		if _, ok := s.simpleResponse(ctx, TimeoutConnect); ok {
			s.syncCount = 0
			return true
		}
	}

	return false
}

// resetAndSync soft-resets the target so its bootloader window opens, lets
// it settle, then synchronizes. Retried a configured number of rounds; the
// reader is restarted first whenever it is not cleanly waiting.
func (s *Session) resetAndSync(ctx context.Context) bool {
	for i := 0; i < s.cfg.connectAttempts; i++ {
		if ctx.Err() != nil {
			return false
		}

		if s.reader.State() != WaitingState && !s.restartReader(ctx) {
			continue
		}

		if err := s.send(softResetPattern...); err != nil {
			return false
		}
		s.settle(s.cfg.resetSettle)

		// Boot chatter from before the reset window is meaningless.
		if err := s.reader.Forget(); err != nil {
			s.log.Warn("could not flush boot chatter", "error", err)
		}

		if s.getSynchronization(ctx) {
			return true
		}
		s.log.Warn("reset and sync round failed", "attempt", i+1)
	}

	return false
}

// recover is the timeout escape hatch: flood sync requests until any byte
// at all proves the link is alive, then re-establish clean framing. When
// flooding produces nothing at all the reader is restarted and the
// recovery abandoned.
func (s *Session) recover(ctx context.Context) bool {
	s.log.Warn("read timed out, attempting recovery")

	for round := 0; round < s.cfg.spamRounds; round++ {
		if ctx.Err() != nil {
			return false
		}

		if !s.spamSync(ctx) {
			// Not even a mangled byte came back: the transport is presumed
			// wedged. Restart the reader and give up on this recovery; the
			// outer step decides what happens next.
			s.log.Warn("sync flood produced no bytes, restarting reader")
			s.restartReader(ctx)
			s.log.Error("recovery failed")

			return false
		}

		if !s.awaitReaderReady(ctx) {
			continue
		}
		if err := s.reader.Forget(); err != nil {
			s.log.Warn("could not discard stale bytes", "error", err)
		}

		if s.getSynchronization(ctx) {
			s.log.Info("recovery succeeded", "round", round+1)
			return true
		}
	}

	s.log.Error("recovery failed")

	return false
}

// spamSync floods sync requests, watching for any delivered result or
// buffered byte. The flagged timeout-recovered result counts: it proves
// the device answered even though framing is unknown.
func (s *Session) spamSync(ctx context.Context) bool {
	for i := 0; i < s.cfg.spamCount; i++ {
		if ctx.Err() != nil {
			return false
		}

		if err := s.send(CmdGetSync, SyncCRCEOP); err != nil {
			return false
		}

		if _, ok := s.reader.Result(); ok {
			return true
		}
		if s.reader.Buffered() > 0 {
			return true
		}

		s.settle(s.cfg.spamInterval)
	}

	return false
}

// restartReader cycles the reader through a full stop and start, waiting
// for readiness. Used when the machine is wedged in a failed or timed-out
// state.
func (s *Session) restartReader(ctx context.Context) bool {
	wait, cancel := context.WithTimeout(ctx, 2*s.cfg.timeouts.Default)
	defer cancel()

	s.reader.Stop()
	if err := s.reader.WaitState(wait, StoppedState); err != nil {
		s.log.Error("reader did not stop", "error", err)
		return false
	}

	if err := s.reader.Start(); err != nil {
		s.log.Error("reader did not restart", "error", err)
		return false
	}

	return s.awaitReaderReady(ctx)
}

func (s *Session) awaitReaderReady(ctx context.Context) bool {
	wait, cancel := context.WithTimeout(ctx, 2*s.cfg.timeouts.Default)
	defer cancel()

	if err := s.reader.WaitActivated(wait); err != nil {
		s.log.Error("reader not ready", "error", err)
		return false
	}

	return true
}

// stopReader brings the reader to a guaranteed full stop.
func (s *Session) stopReader(ctx context.Context) {
	if s.reader.State() == StoppedState {
		return
	}

	wait, cancel := context.WithTimeout(ctx, 2*s.cfg.timeouts.Default)
	defer cancel()

	s.reader.Stop()
	if err := s.reader.WaitState(wait, StoppedState); err != nil {
		s.log.Error("reader did not reach stopped state", "error", err)
	}
}

// --- response validation ---

// checkResponse validates one response frame. Simple commands expect
// [INSYNC, OK]; rich commands carry a fixed payload between the markers,
// sized by the opcode's decode-table entry, returned to the caller.
//
// A first byte other than INSYNC bumps the bounded re-sync counter and
// attempts a clean synchronization before reporting failure; past the cap
// the failure is surfaced without further sync attempts.
func (s *Session) checkResponse(ctx context.Context, rich bool, opcode byte, class TimeoutClass) ([]byte, bool) {
	b, err := s.readByte(ctx, class)
	if err != nil {
		return nil, false
	}

	if b != RespInSync {
		if b == RespNoDevice {
			s.noDevice = true
			s.log.Error("device not present", "error", ErrNoDevice)

			return nil, false
		}

		s.syncCount++
		s.log.Warn("response out of sync", "got", fmt.Sprintf("%#02x", b),
			"sync_count", s.syncCount)
		if s.syncCount > s.cfg.syncLimit {
			s.syncCount = 0
			return nil, false
		}
		s.getSynchronization(ctx)

		return nil, false
	}
	s.syncCount = 0

	var data []byte
	if rich {
		size, known := richPayloadSizes.Load(opcode)
		if !known {
			panic(fmt.Sprintf("stk500: no rich decoder for opcode %#02x", opcode))
		}

		data = make([]byte, size)
		for i := 0; i < size; i++ {
			b, err = s.readByte(ctx, class)
			if err != nil {
				return nil, false
			}
			data[i] = b
		}
	}

	b, err = s.readByte(ctx, class)
	if err != nil {
		return nil, false
	}

	switch b {
	case RespOK:
		return data, true
	case RespNoDevice:
		s.noDevice = true
		s.log.Error("device not present", "error", ErrNoDevice)

		return nil, false
	default:
		s.log.Warn("response did not terminate with ok",
			"got", fmt.Sprintf("%#02x", b))

		return nil, false
	}
}

// simpleResponse is checkResponse for commands with no payload, minus the
// re-sync side effects; used by getSynchronization itself to avoid
// recursing.
func (s *Session) simpleResponse(ctx context.Context, class TimeoutClass) ([]byte, bool) {
	b, err := s.readByte(ctx, class)
	if err != nil || b != RespInSync {
		return nil, false
	}

	b, err = s.readByte(ctx, class)
	if err != nil || b != RespOK {
		return nil, false
	}

	return nil, true
}

// readByte obtains one byte from the reader, translating sentinel results
// into errors. A deadline expiry sets the timeout flag and triggers one
// recovery; a successful recovery clears the flag, so callers can tell a
// recovered timeout (retry the step) from an unrecovered one (abort).
func (s *Session) readByte(ctx context.Context, class TimeoutClass) (byte, error) {
	v, err := s.reader.Read(ctx, class)
	if err != nil {
		if errors.Is(err, ErrReadTimeout) && !s.timedOut {
			s.timedOut = true
			if s.recover(ctx) {
				s.timedOut = false
			}
		}

		return 0, err
	}

	switch {
	case v >= 0:
		return byte(v), nil
	case v == ResultEndOfStream:
		return 0, fmt.Errorf("byte source ended: %w", io.EOF)
	case v == ResultTimeoutByte:
		return 0, fmt.Errorf("late byte with unknown framing: %w", ErrNotInSync)
	default:
		return 0, fmt.Errorf("unexpected reader result %d", v)
	}
}

func (s *Session) send(b ...byte) error {
	if _, err := s.out.Write(b); err != nil {
		s.log.Error("transport write failed", "error", err)
		return fmt.Errorf("transport write: %w", err)
	}

	return nil
}

// settle parks the caller for d using a pooled timer.
func (s *Session) settle(d time.Duration) {
	t := pool.GetTimer(d)
	defer pool.PutTimer(t)
	<-t.C
}

func (s *Session) setState(st ProtocolState) {
	prev := s.State()
	if prev == st {
		return
	}
	s.state.Store(int32(st))
	s.log.Debug("session state change", "from", prev.String(), "to", st.String())
}

func (s *Session) logStats() {
	sum := s.stats.Summary()
	if sum.Pages == 0 {
		return
	}
	s.log.Info("programming finished",
		"pages", sum.Pages,
		"total", sum.Total,
		"min", sum.Min,
		"max", sum.Max,
		"avg", sum.Avg,
	)
}
