package stk500

// ReaderState enumerates the states of the asynchronous reader's state
// machine. Transitions are requested by the caller or by the worker and are
// applied by the worker one per pass, in FIFO order.
type ReaderState int

const (
	// StoppedState is the initial and terminal resting state. The only
	// state from which a full stop may be requested.
	StoppedState ReaderState = iota
	// StartingState drains stale buffered bytes before accepting work.
	StartingState
	// WaitingState idles until a read or stop is requested.
	WaitingState
	// ReadingState attempts to obtain one byte within the base deadline.
	ReadingState
	// ResultReadyState holds a completed read result for pickup.
	ResultReadyState
	// TimeoutOccurredState records that a read deadline expired; a byte
	// arriving now is flagged rather than delivered.
	TimeoutOccurredState
	// FailState is entered when the byte source ends or breaks. Terminal
	// except for stopping.
	FailState
	// StoppingState winds the worker down toward StoppedState.
	StoppingState
)

// String returns the state name, for logs and errors.
func (s ReaderState) String() string {
	switch s {
	case StoppedState:
		return "stopped"
	case StartingState:
		return "starting"
	case WaitingState:
		return "waiting"
	case ReadingState:
		return "reading"
	case ResultReadyState:
		return "result-ready"
	case TimeoutOccurredState:
		return "timeout-occurred"
	case FailState:
		return "fail"
	case StoppingState:
		return "stopping"
	default:
		return "unknown"
	}
}
