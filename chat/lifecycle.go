package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/halyard-im/halyard-go/transport"
)

// roomLifecycle drives all of a room's contributors through the transport
// as one unit. Lifecycle operations serialize on a three-tier priority lock
// (recovery > release > user attach/detach); channel events are handled
// outside the lock but consult the operation-in-progress flag to decide
// between acting now and queueing.
type roomLifecycle struct {
	roomID       string
	log          zerolog.Logger
	monitor      *statusMonitor
	contributors []contributor

	lock         opLock
	opInProgress atomic.Bool

	mu                sync.Mutex // guards the fields below
	releaseInProgress bool
	transientTimers   map[contributor]*time.Timer
	pendingDisco      map[contributor]error
	attachedOnce      map[contributor]bool
	offs              []func()

	retryDelay      time.Duration
	transientWindow time.Duration
}

func newRoomLifecycle(roomID string, contributors []contributor, monitor *statusMonitor, log zerolog.Logger, retryDelay, transientWindow time.Duration) *roomLifecycle {
	l := &roomLifecycle{
		roomID:          roomID,
		log:             log,
		monitor:         monitor,
		contributors:    contributors,
		transientTimers: make(map[contributor]*time.Timer),
		pendingDisco:    make(map[contributor]error),
		attachedOnce:    make(map[contributor]bool),
		retryDelay:      retryDelay,
		transientWindow: transientWindow,
	}
	for _, c := range contributors {
		c := c
		off := c.channel().On(func(sc transport.StateChange) {
			l.handleChannelEvent(c, sc)
		})
		l.offs = append(l.offs, off)
	}
	return l
}

// Attach brings every contributor's channel to attached, in declared order,
// stopping at the first failure. No-op when already attached.
func (l *roomLifecycle) Attach(ctx context.Context) error {
	if err := l.checkAttachable(); err != nil {
		return err
	}
	release, err := l.lock.Acquire(ctx, priorityUser)
	if err != nil {
		return err
	}
	defer release()

	// Re-check after waiting: a queued release or recovery may have run.
	if err := l.checkAttachable(); err != nil {
		return err
	}
	if l.monitor.Current() == RoomAttached {
		return nil
	}

	l.clearTransientTimers()
	l.opInProgress.Store(true)

	susp, err := l.attachAll(ctx)
	if err != nil && susp != nil {
		// The recovery loop inherits the in-progress operation.
		go l.runRecovery(susp)
	}
	return err
}

func (l *roomLifecycle) checkAttachable() error {
	switch l.monitor.Current() {
	case RoomAttached:
		return nil
	case RoomReleasing:
		return newError(CodeRoomReleasing, "cannot attach room %q while it is releasing", l.roomID)
	case RoomReleased:
		return newError(CodeRoomReleased, "cannot attach room %q after release", l.roomID)
	default:
		return nil
	}
}

// attachAll runs the ordered attach sequence. The caller must hold the
// operation lock with the in-progress flag set.
//
// On success the room is promoted to attached, queued discontinuities are
// flushed and the flag clears. When a channel lands suspended, the room goes
// suspended, the flag stays set for the recovery loop and the suspended
// contributor is returned. When a channel lands failed, the room goes failed
// and the remaining channels are wound down asynchronously.
func (l *roomLifecycle) attachAll(ctx context.Context) (contributor, error) {
	l.monitor.set(RoomAttaching, nil)
	for _, c := range l.contributors {
		ch := c.channel()
		err := ch.Attach(ctx)
		if err == nil {
			l.markAttachedOnce(c)
			continue
		}
		attachErr := wrapError(c.attachmentErrorCode(), err, "failed to attach %s feature of room %q", c.featureName(), l.roomID)
		switch ch.State() {
		case transport.ChannelSuspended:
			l.log.Warn().Str("module", "chat").Str("room", l.roomID).
				Str("feature", c.featureName()).Err(err).Msg("attach suspended, scheduling recovery")
			l.monitor.set(RoomSuspended, attachErr)
			return c, attachErr
		case transport.ChannelFailed:
			l.log.Error().Str("module", "chat").Str("room", l.roomID).
				Str("feature", c.featureName()).Err(err).Msg("attach failed")
			l.monitor.set(RoomFailed, attachErr)
			l.opInProgress.Store(false)
			go l.windDownBestEffort(c)
			return nil, attachErr
		default:
			// Context cancellation or a transport contract violation;
			// surface without forcing a terminal room status.
			l.opInProgress.Store(false)
			return nil, wrapError(CodeRoomLifecycleError, err,
				"attach of %s feature of room %q ended in state %s", c.featureName(), l.roomID, ch.State())
		}
	}
	l.monitor.set(RoomAttached, nil)
	l.flushPendingDiscontinuities()
	l.opInProgress.Store(false)
	l.log.Debug().Str("module", "chat").Str("room", l.roomID).Msg("room attached")
	return nil, nil
}

// Detach winds down every contributor's channel until each is terminal.
// No-op when already detached.
func (l *roomLifecycle) Detach(ctx context.Context) error {
	if err := l.checkDetachable(); err != nil {
		return err
	}
	release, err := l.lock.Acquire(ctx, priorityUser)
	if err != nil {
		return err
	}
	defer release()

	if err := l.checkDetachable(); err != nil {
		return err
	}
	if l.monitor.Current() == RoomDetached {
		return nil
	}

	l.clearTransientTimers()
	l.opInProgress.Store(true)
	defer l.opInProgress.Store(false)
	l.monitor.set(RoomDetaching, nil)

	failure, err := l.windDownAll(ctx, nil)
	if err != nil {
		return wrapError(CodeRoomLifecycleError, err, "detach of room %q interrupted", l.roomID)
	}
	if failure != nil {
		l.monitor.set(RoomFailed, failure)
		return failure
	}
	l.resetContinuity()
	l.monitor.set(RoomDetached, nil)
	l.log.Debug().Str("module", "chat").Str("room", l.roomID).Msg("room detached")
	return nil
}

func (l *roomLifecycle) checkDetachable() error {
	switch l.monitor.Current() {
	case RoomDetached:
		return nil
	case RoomReleasing:
		return newError(CodeRoomReleasing, "cannot detach room %q while it is releasing", l.roomID)
	case RoomReleased:
		return newError(CodeRoomReleased, "cannot detach room %q after release", l.roomID)
	case RoomFailed:
		return newError(CodeRoomInFailedState, "cannot detach room %q in failed state", l.roomID)
	default:
		return nil
	}
}

// Release tears the room down for good. Idempotent; a caller arriving while
// a release is underway awaits that release instead of starting another.
// Release retries until it completes and never surfaces channel failures;
// the only error paths are context cancellation and a prior release ending
// somewhere other than released.
func (l *roomLifecycle) Release(ctx context.Context) error {
	if l.monitor.Current() == RoomReleased {
		return nil
	}

	l.mu.Lock()
	if l.releaseInProgress {
		wait := l.monitor.waitFor(RoomReleased, RoomFailed)
		l.mu.Unlock()
		select {
		case change := <-wait:
			if change.Current != RoomReleased {
				return wrapError(CodePreviousOperationFailed, change.Err,
					"previous release of room %q did not complete", l.roomID)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.releaseInProgress = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.releaseInProgress = false
		l.mu.Unlock()
	}()

	release, err := l.lock.Acquire(ctx, priorityRelease)
	if err != nil {
		return err
	}
	defer release()

	cur := l.monitor.Current()
	if cur == RoomReleased {
		return nil
	}
	l.clearTransientTimers()
	l.opInProgress.Store(true)
	defer l.opInProgress.Store(false)

	if cur == RoomDetached || cur == RoomInitialized {
		// Never attached or fully wound down already.
		l.resetContinuity()
		l.monitor.set(RoomReleased, nil)
		l.removeChannelListeners()
		return nil
	}

	l.monitor.set(RoomReleasing, nil)
	for {
		if err := l.releaseChannels(ctx); err == nil {
			break
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
	l.resetContinuity()
	l.monitor.set(RoomReleased, nil)
	l.removeChannelListeners()
	l.log.Debug().Str("module", "chat").Str("room", l.roomID).Msg("room released")
	return nil
}

// releaseChannels makes one teardown pass. Channels already terminal are
// left alone; a detach that ends in failed counts as terminal for release.
func (l *roomLifecycle) releaseChannels(ctx context.Context) error {
	for _, c := range l.teardownOrder() {
		ch := c.channel()
		switch ch.State() {
		case transport.ChannelDetached, transport.ChannelFailed, transport.ChannelInitialized:
			continue
		}
		if err := ch.Detach(ctx); err != nil {
			if ch.State() == transport.ChannelFailed {
				continue
			}
			l.log.Warn().Str("module", "chat").Str("room", l.roomID).
				Str("feature", c.featureName()).Err(err).Msg("release detach pass failed, will retry")
			return err
		}
	}
	return nil
}

// runRecovery is the suspension-recovery loop: wind down everything else,
// wait for the suspended channel to come back, then re-run the attach
// sequence. Holds the lock at internal priority so user operations queue
// behind it until the room settles.
func (l *roomLifecycle) runRecovery(c contributor) {
	ctx := context.Background()
	release, err := l.lock.Acquire(ctx, priorityInternal)
	if err != nil {
		return
	}
	defer release()

	// An operation queued ahead of this goroutine may already have settled
	// the room (detached it, released it, re-attached it). Recovery only
	// makes sense while the room is still suspended; anything else and the
	// suspended channel this loop would wait on may never move again.
	if l.monitor.Current() != RoomSuspended {
		return
	}
	l.opInProgress.Store(true)

	for current := c; ; {
		if !l.windDownOthers(ctx, current) {
			l.windDownBestEffort(nil)
			l.opInProgress.Store(false)
			return
		}

		// Detached is an exit too: a straggling wind-down may have torn the
		// channel down, and a detached channel can simply be re-attached.
		st := l.awaitChannel(current, transport.ChannelAttached, transport.ChannelFailed, transport.ChannelDetached)
		if st == transport.ChannelFailed {
			reason := wrapError(current.attachmentErrorCode(), current.channel().ErrorReason(),
				"channel for %s feature of room %q failed during recovery", current.featureName(), l.roomID)
			l.monitor.set(RoomFailed, reason)
			// Nothing stays attached behind a failed room.
			l.windDownBestEffort(nil)
			l.opInProgress.Store(false)
			return
		}

		susp, err := l.attachAll(ctx)
		if err == nil {
			// attachAll promoted the room and cleared the flag.
			return
		}
		if susp != nil {
			l.log.Warn().Str("module", "chat").Str("room", l.roomID).
				Str("feature", susp.featureName()).Msg("re-attach suspended again, recovery continues")
			current = susp
			continue
		}
		// Failed outright; attachAll marked the room failed and started the
		// wind-down.
		return
	}
}

// windDownOthers detaches every channel but current's until all are
// terminal. Returns false if the room goes failed meanwhile.
func (l *roomLifecycle) windDownOthers(ctx context.Context, current contributor) bool {
	if l.monitor.Current() == RoomFailed {
		return false
	}
	// Failed channels are terminal for the wind-down; the re-attach pass
	// will deal with them.
	if _, err := l.windDownAll(ctx, current); err != nil {
		return false
	}
	return l.monitor.Current() != RoomFailed
}

// windDownAll detaches channels in teardown order, retrying with the fixed
// delay until every one (except the excluded contributor's) is detached or
// failed. Returns the first detachment failure whose channel ended failed,
// and a non-nil err only when ctx ends first.
func (l *roomLifecycle) windDownAll(ctx context.Context, except contributor) (failure error, err error) {
	for {
		pending := false
		for _, c := range l.teardownOrder() {
			if c == except {
				continue
			}
			ch := c.channel()
			switch ch.State() {
			case transport.ChannelDetached, transport.ChannelInitialized:
				continue
			case transport.ChannelFailed:
				if failure == nil {
					failure = wrapError(c.detachmentErrorCode(), ch.ErrorReason(),
						"failed to detach %s feature of room %q", c.featureName(), l.roomID)
				}
				continue
			}
			if derr := ch.Detach(ctx); derr != nil {
				if ctx.Err() != nil {
					return failure, ctx.Err()
				}
				if ch.State() == transport.ChannelFailed {
					if failure == nil {
						failure = wrapError(c.detachmentErrorCode(), derr,
							"failed to detach %s feature of room %q", c.featureName(), l.roomID)
					}
					continue
				}
				pending = true
			}
		}
		if !pending {
			return failure, nil
		}
		select {
		case <-ctx.Done():
			return failure, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
}

// windDownBestEffort retries the teardown until every channel (except
// except's) is terminal. A room left failed must not keep channels attached
// behind it, so transient detach failures are retried, not abandoned;
// channels that end failed are logged and left where they are.
func (l *roomLifecycle) windDownBestEffort(except contributor) {
	if failure, _ := l.windDownAll(context.Background(), except); failure != nil {
		l.log.Warn().Str("module", "chat").Str("room", l.roomID).
			Err(failure).Msg("wind-down ended with a failed channel")
	}
}

// awaitChannel blocks until c's channel reaches one of states.
func (l *roomLifecycle) awaitChannel(c contributor, states ...transport.ChannelState) transport.ChannelState {
	ch := c.channel()
	if st := ch.State(); stateIn(st, states) {
		return st
	}
	got := make(chan transport.ChannelState, 1)
	off := ch.On(func(sc transport.StateChange) {
		if stateIn(sc.Current, states) {
			select {
			case got <- sc.Current:
			default:
			}
		}
	})
	defer off()
	// Re-check to close the subscribe race.
	if st := ch.State(); stateIn(st, states) {
		return st
	}
	return <-got
}

// handleChannelEvent is the always-on listener for one contributor's channel.
func (l *roomLifecycle) handleChannelEvent(c contributor, sc transport.StateChange) {
	if sc.Event == transport.EventUpdate {
		l.handleUpdate(c, sc)
		return
	}
	if l.opInProgress.Load() {
		// A non-resumed attach mid-operation is still a discontinuity once
		// the operation settles.
		if sc.Current == transport.ChannelAttached && !sc.Resumed && l.hasAttachedOnce(c) {
			l.queueDiscontinuity(c, sc.Reason)
		}
		return
	}
	if l.releasing() {
		return
	}
	switch sc.Current {
	case transport.ChannelFailed:
		l.clearTransientTimer(c)
		l.monitor.set(RoomFailed, wrapError(c.attachmentErrorCode(), sc.Reason,
			"channel for %s feature of room %q failed", c.featureName(), l.roomID))
		go l.windDownBestEffort(c)
	case transport.ChannelAttached:
		l.clearTransientTimer(c)
		if l.allChannelsAttached() && l.monitor.Current() != RoomAttached {
			l.monitor.set(RoomAttached, nil)
		}
	case transport.ChannelSuspended:
		// Failed is terminal: a channel suspending mid-teardown behind a
		// failed room must not revive it.
		if l.monitor.Current() == RoomFailed {
			return
		}
		l.clearTransientTimer(c)
		l.monitor.set(RoomSuspended, wrapError(c.attachmentErrorCode(), sc.Reason,
			"channel for %s feature of room %q suspended", c.featureName(), l.roomID))
		go l.runRecovery(c)
	case transport.ChannelAttaching:
		l.maybeStartTransientTimer(c, sc)
	}
}

func (l *roomLifecycle) handleUpdate(c contributor, sc transport.StateChange) {
	if sc.Resumed {
		return
	}
	// Resume failures before the first attach completes carry no gap.
	if !l.hasAttachedOnce(c) {
		return
	}
	if l.opInProgress.Load() {
		l.queueDiscontinuity(c, sc.Reason)
		return
	}
	c.discontinuityDetected(sc.Reason)
}

// maybeStartTransientTimer arms the per-contributor window for a channel
// that dropped out of attached and is reattaching. If the window lapses the
// room status is forced to reflect the outage.
func (l *roomLifecycle) maybeStartTransientTimer(c contributor, sc transport.StateChange) {
	if !l.hasAttachedOnce(c) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.transientTimers[c]; ok {
		return
	}
	reason := sc.Reason
	l.transientTimers[c] = time.AfterFunc(l.transientWindow, func() {
		l.mu.Lock()
		delete(l.transientTimers, c)
		l.mu.Unlock()
		if l.opInProgress.Load() || l.releasing() {
			return
		}
		l.log.Warn().Str("module", "chat").Str("room", l.roomID).
			Str("feature", c.featureName()).Msg("transient detach window lapsed")
		l.monitor.set(RoomAttaching, wrapError(c.attachmentErrorCode(), reason,
			"channel for %s feature of room %q did not recover from a transient detach", c.featureName(), l.roomID))
	})
}

func (l *roomLifecycle) clearTransientTimer(c contributor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.transientTimers[c]; ok {
		t.Stop()
		delete(l.transientTimers, c)
	}
}

func (l *roomLifecycle) clearTransientTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c, t := range l.transientTimers {
		t.Stop()
		delete(l.transientTimers, c)
	}
}

// queueDiscontinuity records at most one pending discontinuity per
// contributor; later events in the same window are dropped.
func (l *roomLifecycle) queueDiscontinuity(c contributor, reason error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pendingDisco[c]; ok {
		return
	}
	l.pendingDisco[c] = reason
}

func (l *roomLifecycle) flushPendingDiscontinuities() {
	l.mu.Lock()
	pending := l.pendingDisco
	l.pendingDisco = make(map[contributor]error)
	l.mu.Unlock()
	for c, reason := range pending {
		c.discontinuityDetected(reason)
	}
}

// resetContinuity forgets queued discontinuities and first-attach marks. A
// completed detach ends the continuity story: the next attach starts a fresh
// message stream, it does not close a gap in the old one.
func (l *roomLifecycle) resetContinuity() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingDisco = make(map[contributor]error)
	l.attachedOnce = make(map[contributor]bool)
}

func (l *roomLifecycle) markAttachedOnce(c contributor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attachedOnce[c] = true
}

func (l *roomLifecycle) hasAttachedOnce(c contributor) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attachedOnce[c]
}

func (l *roomLifecycle) allChannelsAttached() bool {
	for _, c := range l.contributors {
		if c.channel().State() != transport.ChannelAttached {
			return false
		}
	}
	return true
}

func (l *roomLifecycle) releasing() bool {
	l.mu.Lock()
	rip := l.releaseInProgress
	l.mu.Unlock()
	if rip {
		return true
	}
	st := l.monitor.Current()
	return st == RoomReleasing || st == RoomReleased
}

func (l *roomLifecycle) teardownOrder() []contributor {
	return lo.Reverse(append([]contributor(nil), l.contributors...))
}

func (l *roomLifecycle) removeChannelListeners() {
	l.mu.Lock()
	offs := l.offs
	l.offs = nil
	l.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

func stateIn(s transport.ChannelState, states []transport.ChannelState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
