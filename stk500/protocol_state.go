package stk500

// ProtocolState is the caller-visible state of a programming session. Apart
// from the Writing/Reading alternation during verification, a session only
// moves forward; Finished and the Error variants are terminal.
type ProtocolState int32

const (
	// StateInitializing: the session is being set up.
	StateInitializing ProtocolState = iota
	// StateReady: image and transport accepted, programming not started.
	StateReady
	// StateConnecting: establishing synchronization with the bootloader.
	StateConnecting
	// StateWriting: pages are being programmed.
	StateWriting
	// StateReading: written pages are being read back for verification.
	StateReading
	// StateFinished: programming (and verification, if requested) succeeded.
	StateFinished
	// StateErrorParseHex: the firmware image failed validation.
	StateErrorParseHex
	// StateErrorConnect: synchronization with the bootloader failed.
	StateErrorConnect
	// StateErrorWrite: page programming failed past all retries.
	StateErrorWrite
	// StateErrorRead: verification read-back failed past all retries.
	StateErrorRead
)

// IsTerminal reports whether the session has ended, successfully or not.
func (s ProtocolState) IsTerminal() bool {
	return s == StateFinished || s.IsError()
}

// IsError reports whether the session ended in failure.
func (s ProtocolState) IsError() bool {
	switch s {
	case StateErrorParseHex, StateErrorConnect, StateErrorWrite, StateErrorRead:
		return true
	default:
		return false
	}
}

// String returns the state name, for logs.
func (s ProtocolState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateConnecting:
		return "connecting"
	case StateWriting:
		return "writing"
	case StateReading:
		return "reading"
	case StateFinished:
		return "finished"
	case StateErrorParseHex:
		return "error-parse-hex"
	case StateErrorConnect:
		return "error-connect"
	case StateErrorWrite:
		return "error-write"
	case StateErrorRead:
		return "error-read"
	default:
		return "unknown"
	}
}
