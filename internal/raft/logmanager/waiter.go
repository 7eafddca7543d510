package logmanager

import (
	"syscall"

	"raftlog/internal/raft"
)

// WaitID identifies a registered waiter. Ids are never reused, so a stale id can't cancel someone else's wait.
type WaitID uint64

// NewLogCallback is run once, on its own goroutine, when the log grows or the manager stops. err is nil in the
// first case.
type NewLogCallback func(err error)

type waiter struct {
	callback NewLogCallback
}

// Wait registers callback to run once the last log index moves away from expectedLastLogIndex. If it already has,
// or the manager is stopped, callback is started immediately and the returned id is 0.
func (lm *LogManager) Wait(expectedLastLogIndex uint64, callback NewLogCallback) WaitID {
	lm.mu.Lock()
	if expectedLastLogIndex != lm.lastLogIndex || lm.stopped {
		stopped := lm.stopped
		lm.mu.Unlock()
		go runWaiter(callback, stopped)
		return 0
	}
	id := lm.nextWaitID.Add(1)
	lm.waiters.Store(id, &waiter{callback: callback})
	lm.mu.Unlock()
	return WaitID(id)
}

// RemoveWaiter cancels a waiter that has not fired yet
func (lm *LogManager) RemoveWaiter(id WaitID) error {
	if _, ok := lm.waiters.LoadAndDelete(uint64(id)); !ok {
		return raft.NewError(syscall.EINVAL, "no waiter with id=%d", id)
	}
	return nil
}

// wakeupAllWaiters fires every registered waiter. A waiter removed concurrently fires at most once, whoever deletes
// it from the registry owns it.
func (lm *LogManager) wakeupAllWaiters() {
	lm.mu.Lock()
	stopped := lm.stopped
	lm.mu.Unlock()

	var ids []uint64
	lm.waiters.Range(func(id uint64, _ *waiter) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if w, ok := lm.waiters.LoadAndDelete(id); ok {
			go runWaiter(w.callback, stopped)
		}
	}
}

func runWaiter(callback NewLogCallback, stopped bool) {
	if stopped {
		callback(raft.ErrShutdown)
		return
	}
	callback(nil)
}
