package stk500

import "errors"

var (
	// ErrReadTimeout indicates that no byte arrived within the deadline of
	// the read's timeout class.
	ErrReadTimeout = errors.New("read timed out")

	// ErrIllegalState indicates a reader operation was requested in a state
	// that does not allow it, such as reading before Start or starting an
	// unstoppable reader.
	ErrIllegalState = errors.New("operation not allowed in current reader state")

	// ErrReaderStopped indicates the reader terminated before the operation
	// could complete.
	ErrReaderStopped = errors.New("reader stopped")

	// ErrNoDevice indicates the programmer reported that no target device
	// is present. Programming cannot proceed and must not be retried.
	ErrNoDevice = errors.New("no device present")

	// ErrNotInSync indicates a response did not open with the in-sync
	// marker; frame synchronization with the device is lost.
	ErrNotInSync = errors.New("response not in sync")

	// ErrSyncLimit indicates repeated synchronization attempts inside a
	// single recovery pass exceeded the allowed count.
	ErrSyncLimit = errors.New("too many synchronization attempts")

	// ErrEEPROMUnsupported indicates an EEPROM page operation was requested;
	// the Optiboot bootloader only implements flash.
	ErrEEPROMUnsupported = errors.New("eeprom operations not supported by bootloader")

	// ErrInvalidImage indicates the firmware image failed validation and
	// cannot be programmed.
	ErrInvalidImage = errors.New("invalid firmware image")
)
