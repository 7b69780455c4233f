package stk500

import "time"

// TimeoutClass selects the deadline applied to a read, by the kind of
// protocol exchange the caller is in the middle of.
type TimeoutClass int

const (
	// TimeoutDefault is the baseline deadline used when no other class
	// applies; it also bounds the reader's internal wait for a byte.
	TimeoutDefault TimeoutClass = iota
	// TimeoutConnect applies while establishing synchronization.
	TimeoutConnect
	// TimeoutRead applies to page read-back responses.
	TimeoutRead
	// TimeoutWrite applies to page write responses, which include the
	// device's flash programming time.
	TimeoutWrite
)

// String returns the class name, for logs.
func (c TimeoutClass) String() string {
	switch c {
	case TimeoutDefault:
		return "default"
	case TimeoutConnect:
		return "connect"
	case TimeoutRead:
		return "read"
	case TimeoutWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Timeouts holds the per-class read deadlines.
type Timeouts struct {
	Default time.Duration
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
}

// DefaultTimeouts returns the deadline set used when the caller does not
// override them.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default: 2 * time.Second,
		Connect: 3 * time.Second,
		Read:    5 * time.Second,
		Write:   7 * time.Second,
	}
}

// ForClass returns the deadline for class c, falling back to Default for
// unknown classes.
func (t Timeouts) ForClass(c TimeoutClass) time.Duration {
	switch c {
	case TimeoutConnect:
		return t.Connect
	case TimeoutRead:
		return t.Read
	case TimeoutWrite:
		return t.Write
	default:
		return t.Default
	}
}
