// Package task manages the lifecycle of long-running goroutines, such as
// the reader worker that drives the asynchronous read state machine.
//
// A Manager uses a context.Context to signal termination and a
// sync.WaitGroup to wait for all goroutines to exit. It is a trimmed-down
// sibling of the task managers found in protocol stacks: tasks here are
// plain loop functions that return false to stop.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meland/go-stk500/logger"
)

// Func is a single iteration of a managed task loop. It returns true to
// keep the loop running, or false to terminate the goroutine.
type Func func() bool

// CancelFunc is invoked when a managed goroutine exits, for cleanup.
type CancelFunc func()

// startTimeout bounds how long Start waits for a goroutine to come up.
const startTimeout = 5 * time.Second

// Manager starts, stops and waits for task goroutines.
//
// When the manager's context is canceled (via Stop or the parent context),
// every managed loop observes it on its next iteration and exits. Wait
// blocks until all loops have exited, then re-arms the manager so it can
// be reused for another run.
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protects ctx and cancel
}

// NewManager creates a Manager with ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Start launches a named task goroutine running taskFunc in a loop.
// cancelFunc, if non-nil, runs when the goroutine exits.
//
// Start returns once the goroutine is confirmed running, or an error if
// the manager is already stopped.
func (mgr *Manager) Start(name string, taskFunc Func, cancelFunc CancelFunc) error {
	mgr.logger.Debug("start task", "name", name)

	ctx := mgr.getContext()
	select {
	case <-ctx.Done():
		return fmt.Errorf("task manager already stopped")
	default:
	}

	started := make(chan struct{})

	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()
		if cancelFunc != nil {
			defer cancelFunc()
		}

		mgr.count.Add(1)
		close(started)

		mgr.runLoop(name, taskFunc)
	}()

	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	select {
	case <-started:
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout waiting for %s to start", name)
	case <-ctx.Done():
		return fmt.Errorf("context canceled while starting %s", name)
	}
}

// Stop signals all running task goroutines to terminate.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cancel != nil {
		mgr.cancel()
	}
}

// Wait blocks until all task goroutines have terminated, then re-arms the
// manager with a fresh context derived from the parent.
func (mgr *Manager) Wait() {
	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running task goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// runLoop executes taskFunc until it returns false or the context is done.
func (mgr *Manager) runLoop(name string, taskFunc Func) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task loop", "name", name, "panic", r)
		}
	}()

	for {
		ctx := mgr.getContext()
		select {
		case <-ctx.Done():
			return
		default:
			if !taskFunc() {
				return
			}
		}
	}
}
