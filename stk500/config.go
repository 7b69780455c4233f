package stk500

import (
	"fmt"
	"time"

	"github.com/meland/go-stk500/logger"
)

// Default retry and pacing parameters of the programming workflow.
const (
	// DefaultQueueWarnLimit bounds the reader's pending-transition queue;
	// requests past the limit are dropped with a warning.
	DefaultQueueWarnLimit = 500

	// DefaultSyncLimit caps synchronization attempts within one recovery
	// pass before the pass is abandoned.
	DefaultSyncLimit = 3

	// DefaultUploadRetryLimit caps restarts of the page write/verify loop.
	DefaultUploadRetryLimit = 10

	// DefaultConnectAttempts is the number of reset-and-sync rounds tried
	// while establishing contact with the bootloader.
	DefaultConnectAttempts = 3

	// DefaultEnterAttempts is the number of enter-program-mode tries.
	DefaultEnterAttempts = 5

	// DefaultLeaveAttempts is the number of leave-program-mode tries.
	DefaultLeaveAttempts = 3

	// DefaultAddressAttempts is the number of load-address tries per page.
	DefaultAddressAttempts = 4

	// DefaultSpamCount is how many sync requests one flooding round sends.
	DefaultSpamCount = 500

	// DefaultSpamInterval is the pause between flooded sync requests.
	DefaultSpamInterval = 5 * time.Millisecond

	// DefaultSpamRounds is the number of flooding rounds per recovery.
	DefaultSpamRounds = 5

	// DefaultResetSettle is how long the target is given to reboot into the
	// bootloader after a soft reset.
	DefaultResetSettle = 500 * time.Millisecond

	// DefaultChunkSize is the page payload size used when the caller does
	// not specify one. Optiboot on ATmega328 uses 128-byte pages.
	DefaultChunkSize = 128

	// MaxChunkSize is the largest page payload the wire format can carry
	// comfortably within the bootloader's buffer.
	MaxChunkSize = 256
)

// SessionConfig holds all tunables of a programming session.
type SessionConfig struct {
	timeouts       Timeouts
	queueWarnLimit int

	syncLimit        int
	uploadRetryLimit int
	connectAttempts  int
	enterAttempts    int
	leaveAttempts    int
	addressAttempts  int

	spamCount    int
	spamInterval time.Duration
	spamRounds   int
	resetSettle  time.Duration

	logger logger.Logger
}

// NewSessionConfig creates a session configuration with defaults, then
// applies opts in order.
func NewSessionConfig(opts ...SessionOption) (*SessionConfig, error) {
	cfg := &SessionConfig{
		timeouts:         DefaultTimeouts(),
		queueWarnLimit:   DefaultQueueWarnLimit,
		syncLimit:        DefaultSyncLimit,
		uploadRetryLimit: DefaultUploadRetryLimit,
		connectAttempts:  DefaultConnectAttempts,
		enterAttempts:    DefaultEnterAttempts,
		leaveAttempts:    DefaultLeaveAttempts,
		addressAttempts:  DefaultAddressAttempts,
		spamCount:        DefaultSpamCount,
		spamInterval:     DefaultSpamInterval,
		spamRounds:       DefaultSpamRounds,
		resetSettle:      DefaultResetSettle,
		logger:           logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Timeouts returns the per-class read deadlines.
func (cfg *SessionConfig) Timeouts() Timeouts { return cfg.timeouts }

// QueueWarnLimit returns the reader transition queue bound.
func (cfg *SessionConfig) QueueWarnLimit() int { return cfg.queueWarnLimit }

// GetLogger returns the configured logger.
func (cfg *SessionConfig) GetLogger() logger.Logger { return cfg.logger }

// --- SessionOption ---

// SessionOption is a functional option for configuring a SessionConfig.
type SessionOption interface {
	apply(*SessionConfig) error
}

type sessionOptFunc func(*SessionConfig) error

func (f sessionOptFunc) apply(cfg *SessionConfig) error { return f(cfg) }

// WithLogger sets the logger used by the session and its reader.
func WithLogger(l logger.Logger) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if l == nil {
			return fmt.Errorf("stk500: logger cannot be nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithTimeouts overrides the per-class read deadlines. Every class must be
// positive, and no class may be shorter than Default.
func WithTimeouts(t Timeouts) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if t.Default <= 0 || t.Connect <= 0 || t.Read <= 0 || t.Write <= 0 {
			return fmt.Errorf("stk500: timeouts must be positive")
		}
		if t.Connect < t.Default || t.Read < t.Default || t.Write < t.Default {
			return fmt.Errorf("stk500: class timeouts must not be shorter than the default %v", t.Default)
		}
		cfg.timeouts = t

		return nil
	})
}

// WithQueueWarnLimit sets the bound on the reader's pending-transition
// queue. Requests beyond the bound are dropped with a warning.
func WithQueueWarnLimit(n int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if n < 1 {
			return fmt.Errorf("stk500: queue warn limit %d out of range [1, ...]", n)
		}
		cfg.queueWarnLimit = n

		return nil
	})
}

// WithSyncLimit caps synchronization attempts per recovery pass.
func WithSyncLimit(n int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if n < 1 {
			return fmt.Errorf("stk500: sync limit %d out of range [1, ...]", n)
		}
		cfg.syncLimit = n

		return nil
	})
}

// WithUploadRetryLimit caps restarts of the page write/verify loop.
func WithUploadRetryLimit(n int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if n < 1 {
			return fmt.Errorf("stk500: upload retry limit %d out of range [1, ...]", n)
		}
		cfg.uploadRetryLimit = n

		return nil
	})
}

// WithConnectAttempts sets the number of reset-and-sync rounds tried while
// establishing contact with the bootloader.
func WithConnectAttempts(n int) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if n < 1 {
			return fmt.Errorf("stk500: connect attempts %d out of range [1, ...]", n)
		}
		cfg.connectAttempts = n

		return nil
	})
}

// WithResetSettle sets the pause after a soft reset, giving the target time
// to reboot into the bootloader.
func WithResetSettle(d time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if d <= 0 {
			return fmt.Errorf("stk500: reset settle must be positive")
		}
		cfg.resetSettle = d

		return nil
	})
}

// WithSpamParams tunes the sync-flooding recovery: rounds of count requests
// sent interval apart.
func WithSpamParams(rounds, count int, interval time.Duration) SessionOption {
	return sessionOptFunc(func(cfg *SessionConfig) error {
		if rounds < 1 || count < 1 || interval <= 0 {
			return fmt.Errorf("stk500: spam parameters must be positive")
		}
		cfg.spamRounds = rounds
		cfg.spamCount = count
		cfg.spamInterval = interval

		return nil
	})
}
