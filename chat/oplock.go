package chat

import (
	"context"
	"sync"
)

// opPriority orders contending lifecycle operations on one room. Higher
// values are dequeued first; within a tier, waiters are FIFO.
type opPriority int

const (
	// priorityUser covers application-driven Attach and Detach.
	priorityUser opPriority = iota
	// priorityRelease lets teardown overtake queued user operations.
	priorityRelease
	// priorityInternal is the suspension-recovery loop; once recovery starts
	// it must not be starved or interleaved by anything else.
	priorityInternal
)

func (p opPriority) String() string {
	switch p {
	case priorityUser:
		return "user"
	case priorityRelease:
		return "release"
	case priorityInternal:
		return "internal"
	default:
		return "unknown"
	}
}

type opWaiter struct {
	pri   opPriority
	ready chan struct{}
}

// opLock is an exclusive lock with three fixed priority tiers. It serializes
// attach/detach/release/recovery on a room: at most one holder, and when
// several operations are queued the highest tier always wins.
type opLock struct {
	mu      sync.Mutex
	held    bool
	waiters []*opWaiter
}

// Acquire blocks until the lock is held or ctx is done. On success it
// returns the release function; the caller must invoke it exactly once.
func (l *opLock) Acquire(ctx context.Context, pri opPriority) (release func(), err error) {
	l.mu.Lock()
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		l.mu.Unlock()
		return l.release, nil
	}

	w := &opWaiter{pri: pri, ready: make(chan struct{})}
	l.enqueue(w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return l.release, nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, q := range l.waiters {
			if q == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		l.mu.Unlock()
		// Lost the race: the lock was already handed to us. Pass it on.
		<-w.ready
		l.release()
		return nil, ctx.Err()
	}
}

func (l *opLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next.ready)
}

// enqueue keeps waiters sorted by tier, FIFO within a tier. Must be called
// with l.mu held.
func (l *opLock) enqueue(w *opWaiter) {
	at := len(l.waiters)
	for i, q := range l.waiters {
		if q.pri < w.pri {
			at = i
			break
		}
	}
	l.waiters = append(l.waiters, nil)
	copy(l.waiters[at+1:], l.waiters[at:])
	l.waiters[at] = w
}
