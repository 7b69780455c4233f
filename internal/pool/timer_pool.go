// Package pool provides a shared pool of time.Timer instances.
//
// Deadline enforcement in the reader and the protocol session allocates a
// timer per wait; pooling keeps those hot paths allocation-free.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a timer from the pool armed with duration d.
//
// Return the timer to the pool with PutTimer when done.
func GetTimer(d time.Duration) *time.Timer {
	v := timerPool.Get()
	if v == nil {
		return time.NewTimer(d)
	}

	t := v.(*time.Timer) //nolint:errcheck // only *time.Timer is ever pooled
	if t.Reset(d) {
		// Timer was still active; drain the channel to avoid a stale tick.
		select {
		case <-t.C:
		default:
		}
	}

	return t
}

// PutTimer stops t and returns it to the pool.
//
// t must not be accessed after returning it.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		// Drain t.C if the tick wasn't consumed by the caller.
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
