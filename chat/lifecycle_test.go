package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/halyard-im/halyard-go/transport"
	"github.com/halyard-im/halyard-go/transport/memory"
)

const testRoomID = "lobby"

func newTestSetup(t *testing.T, opts *RoomOptions) (*Client, *Room, *memory.Conn) {
	t.Helper()
	conn := memory.New(zerolog.Nop())
	client := NewClient(conn, &ClientOptions{
		ClientID:              "tester",
		RetryDelay:            5 * time.Millisecond,
		TransientDetachWindow: 40 * time.Millisecond,
	})
	room, err := client.Rooms().Get(context.Background(), testRoomID, opts)
	require.NoError(t, err)
	return client, room, conn
}

// statusRecorder collects room status changes for ordering assertions.
type statusRecorder struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *statusRecorder) record(sc StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, sc)
}

func (r *statusRecorder) statuses() []RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoomStatus, 0, len(r.changes))
	for _, sc := range r.changes {
		out = append(out, sc.Current)
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestAttach_HappyPath(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	rec := &statusRecorder{}
	room.OnStatusChange(rec.record)

	// When the room attaches
	req.NoError(room.Attach(context.Background()))

	// Then every contributor channel is attached and the status sequence is
	// exactly attaching, attached
	req.Equal(RoomAttached, room.Status())
	req.Equal(transport.ChannelAttached, conn.Lookup(messagesChannelName(testRoomID)).State())
	req.Equal(transport.ChannelAttached, conn.Lookup(presenceChannelName(testRoomID)).State())
	req.Equal([]RoomStatus{RoomAttaching, RoomAttached}, rec.statuses())
}

func TestAttach_IdempotentWhenAttached(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, nil)
	ch := conn.Lookup(messagesChannelName(testRoomID))

	// Given an attached room
	req.NoError(room.Attach(context.Background()))
	calls := ch.AttachCalls()

	// When attach is called again
	req.NoError(room.Attach(context.Background()))

	// Then no channel attach runs again
	req.Equal(calls, ch.AttachCalls())
}

func TestAttach_StopsAtFirstFailure(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))

	// Given the messages channel will fail its attach
	msgCh.PlanAttach(memory.Outcome{State: transport.ChannelFailed, Err: errors.New("denied")})

	// When the room attaches
	err := room.Attach(context.Background())

	// Then the error carries the messages attachment code and the presence
	// channel was never attached
	req.Error(err)
	req.Equal(CodeMessagesAttachmentFailed, CodeOf(err))
	req.Equal(RoomFailed, room.Status())
	req.Zero(presCh.AttachCalls())
}

func TestAttach_AllOrNothingWindDown(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))

	// Given presence will fail after messages attached
	presCh.PlanAttach(memory.Outcome{State: transport.ChannelFailed, Err: errors.New("denied")})

	// When the room attaches
	err := room.Attach(context.Background())

	// Then the room is failed with the presence code and the already
	// attached messages channel is wound down
	req.Equal(CodePresenceAttachmentFailed, CodeOf(err))
	req.Equal(RoomFailed, room.Status())
	req.Equal(CodePresenceAttachmentFailed, CodeOf(room.Err()))
	eventually(t, func() bool {
		return msgCh.State() == transport.ChannelDetached
	}, "messages channel should be wound down")
}

func TestAttach_SuspendedTriggersRecovery(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))
	rec := &statusRecorder{}
	room.OnStatusChange(rec.record)

	// Given presence will land suspended on its first attach
	suspendErr := errors.New("limits exceeded")
	presCh.PlanAttach(memory.Outcome{State: transport.ChannelSuspended, Err: suspendErr})

	// When the room attaches
	err := room.Attach(context.Background())

	// Then the caller sees the presence attachment code and the room is
	// suspended
	req.Error(err)
	req.Equal(CodePresenceAttachmentFailed, CodeOf(err))
	req.Equal(RoomSuspended, room.Status())

	// And the recovery loop winds down the messages channel
	eventually(t, func() bool {
		return msgCh.State() == transport.ChannelDetached
	}, "messages channel should be wound down during recovery")

	// When the suspended channel recovers
	presCh.SetState(transport.ChannelAttached, nil, true)

	// Then the room converges to attached with everything re-attached
	eventually(t, func() bool { return len(rec.statuses()) == 4 }, "room should recover")
	req.Equal(RoomAttached, room.Status())
	req.Equal(transport.ChannelAttached, msgCh.State())
	req.Equal([]RoomStatus{RoomAttaching, RoomSuspended, RoomAttaching, RoomAttached}, rec.statuses())
}

func TestRecovery_ConvergenceFromAttached(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	rec := &statusRecorder{}
	room.OnStatusChange(rec.record)

	// When the presence channel suspends out of the blue
	presCh.SetState(transport.ChannelSuspended, errors.New("server going away"), false)
	eventually(t, func() bool {
		return msgCh.State() == transport.ChannelDetached
	}, "other channels should be wound down")

	// And it recovers after one retry
	presCh.SetState(transport.ChannelAttached, nil, true)

	// Then the observed sequence is suspended, attaching, attached with no
	// failed and no duplicates
	eventually(t, func() bool { return len(rec.statuses()) == 3 }, "room should recover")
	req.Equal(RoomAttached, room.Status())
	req.Equal([]RoomStatus{RoomSuspended, RoomAttaching, RoomAttached}, rec.statuses())
}

func TestRecovery_ProblemChannelFails(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	// Given a suspension with the messages channel wound down
	presCh.SetState(transport.ChannelSuspended, errors.New("server going away"), false)
	eventually(t, func() bool {
		return msgCh.State() == transport.ChannelDetached
	}, "other channels should be wound down")

	// When the suspended channel fails instead of recovering
	presCh.SetState(transport.ChannelFailed, errors.New("gone for good"), false)

	// Then the room ends failed with the presence code
	eventually(t, func() bool { return room.Status() == RoomFailed }, "room should fail")
	req.Equal(CodePresenceAttachmentFailed, CodeOf(room.Err()))
}

func TestDiscontinuity_SuppressedDuringRecovery(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	var mu sync.Mutex
	var delivered []error
	room.Messages().OnDiscontinuity(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, err)
	})

	// Given a recovery in progress
	presCh.SetState(transport.ChannelSuspended, errors.New("server going away"), false)
	eventually(t, func() bool {
		return msgCh.State() == transport.ChannelDetached
	}, "other channels should be wound down")

	// When two resume failures hit the messages channel mid-operation
	gap := errors.New("stream gap")
	msgCh.EmitUpdate(false, gap)
	msgCh.EmitUpdate(false, errors.New("second gap"))

	mu.Lock()
	req.Empty(delivered, "nothing may be delivered while the operation runs")
	mu.Unlock()

	// And the room recovers
	presCh.SetState(transport.ChannelAttached, nil, true)
	eventually(t, func() bool { return room.Status() == RoomAttached }, "room should recover")

	// Then exactly one discontinuity is delivered, carrying the first reason
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, "one discontinuity should be flushed")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	req.Len(delivered, 1)
	req.ErrorIs(delivered[0], gap)
	mu.Unlock()
}

func TestDiscontinuity_ImmediateWhenIdle(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, nil)
	msgCh := conn.Lookup(messagesChannelName(testRoomID))

	var count int
	var mu sync.Mutex
	room.Messages().OnDiscontinuity(func(error) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	// Before the first attach completes, resume failures carry no gap
	msgCh.EmitUpdate(false, errors.New("early"))
	mu.Lock()
	req.Zero(count)
	mu.Unlock()

	req.NoError(room.Attach(context.Background()))

	// A resumed update is not a discontinuity
	msgCh.EmitUpdate(true, nil)
	// A non-resumed one is, and is delivered immediately
	msgCh.EmitUpdate(false, errors.New("gap"))

	mu.Lock()
	req.Equal(1, count)
	mu.Unlock()
}

func TestDetach_HappyPathAndIdempotence(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, nil)
	ch := conn.Lookup(messagesChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	// When the room detaches
	req.NoError(room.Detach(context.Background()))
	req.Equal(RoomDetached, room.Status())
	req.Equal(transport.ChannelDetached, ch.State())

	// Then a second detach is a no-op
	calls := ch.DetachCalls()
	req.NoError(room.Detach(context.Background()))
	req.Equal(calls, ch.DetachCalls())
}

func TestDetach_RetriesTransientFailure(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, nil)
	ch := conn.Lookup(messagesChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	// Given the first detach attempt leaves the channel suspended
	ch.PlanDetach(memory.Outcome{State: transport.ChannelSuspended, Err: errors.New("flaky")})

	// When the room detaches
	req.NoError(room.Detach(context.Background()))

	// Then the wind-down retried until the channel detached
	req.Equal(RoomDetached, room.Status())
	req.GreaterOrEqual(ch.DetachCalls(), 2)
}

func TestDetach_ChannelEndsFailed(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, nil)
	ch := conn.Lookup(messagesChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	ch.PlanDetach(memory.Outcome{State: transport.ChannelFailed, Err: errors.New("broken")})

	err := room.Detach(context.Background())
	req.Error(err)
	req.Equal(CodeMessagesDetachmentFailed, CodeOf(err))
	req.Equal(RoomFailed, room.Status())

	// Detaching a failed room is rejected
	err = room.Detach(context.Background())
	req.Equal(CodeRoomInFailedState, CodeOf(err))
}

func TestChannelFailure_OutsideOperation(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	// When one channel fails with no operation in progress
	presCh.SetState(transport.ChannelFailed, errors.New("nope"), false)

	// Then the whole room fails and the rest is wound down
	req.Equal(RoomFailed, room.Status())
	req.Equal(CodePresenceAttachmentFailed, CodeOf(room.Err()))
	eventually(t, func() bool {
		return msgCh.State() == transport.ChannelDetached
	}, "messages channel should be wound down")
}

func TestChannelAttached_PromotesRoom(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	// Given one channel dropped out and the room reflects the outage
	presCh.SetState(transport.ChannelDetached, nil, false)
	presCh.SetState(transport.ChannelAttaching, errors.New("hiccup"), false)
	eventually(t, func() bool { return room.Status() == RoomAttaching }, "transient window should lapse")

	// When the channel comes back
	presCh.SetState(transport.ChannelAttached, nil, true)

	// Then the room is promoted back to attached
	req.Equal(RoomAttached, room.Status())
	req.Equal(transport.ChannelAttached, msgCh.State())
}

func TestTransientDetach_TimerCancelledOnReattach(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, nil)
	ch := conn.Lookup(messagesChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	rec := &statusRecorder{}
	room.OnStatusChange(rec.record)

	// When the channel blips but recovers inside the window
	ch.SetState(transport.ChannelAttaching, errors.New("blip"), false)
	ch.SetState(transport.ChannelAttached, nil, true)

	// Then the room never surfaced the blip
	time.Sleep(80 * time.Millisecond)
	req.Empty(rec.statuses())
	req.Equal(RoomAttached, room.Status())
}

func TestRelease_HappyPath(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	req.NoError(room.Attach(context.Background()))

	rec := &statusRecorder{}
	room.OnStatusChange(rec.record)

	// When the room releases
	req.NoError(room.Release(context.Background()))

	// Then the status walked releasing, released and the channels went back
	// to the registry
	req.Equal([]RoomStatus{RoomReleasing, RoomReleased}, rec.statuses())
	req.Nil(conn.Lookup(messagesChannelName(testRoomID)))
	req.Nil(conn.Lookup(presenceChannelName(testRoomID)))

	// And release is idempotent
	req.NoError(room.Release(context.Background()))
}

func TestRelease_NeverAttached(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, nil)
	ch := conn.Lookup(messagesChannelName(testRoomID))

	// When a never-attached room releases
	req.NoError(room.Release(context.Background()))

	// Then it jumps straight to released without touching the channel
	req.Equal(RoomReleased, room.Status())
	req.Zero(ch.DetachCalls())
}

func TestRelease_LeavesTerminalChannelsAlone(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	// Given the messages channel already failed
	msgCh.SetState(transport.ChannelFailed, errors.New("dead"), false)
	eventually(t, func() bool { return room.Status() == RoomFailed }, "room should fail")
	detachCalls := msgCh.DetachCalls()

	// When the room releases
	req.NoError(room.Release(context.Background()))

	// Then the failed channel was left alone and the rest wound down
	req.Equal(RoomReleased, room.Status())
	req.Equal(detachCalls, msgCh.DetachCalls())
	req.NotEqual(transport.ChannelAttached, presCh.State())
}

func TestRelease_SecondCallerJoinsFirst(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, nil)
	ch := conn.Lookup(messagesChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	// Given a slow teardown
	ch.PlanDetach(memory.Outcome{State: transport.ChannelDetached, Delay: 60 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- room.Release(context.Background()) }()
	eventually(t, func() bool { return room.Status() == RoomReleasing }, "first release should start")

	// When a second caller releases concurrently
	req.NoError(room.Release(context.Background()))

	// Then both observe the same completed release
	req.Equal(RoomReleased, room.Status())
	req.NoError(<-done)
}

func TestRelease_DuringAttachWaitsForIt(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, nil)
	ch := conn.Lookup(messagesChannelName(testRoomID))

	// Given an attach still in flight
	ch.PlanAttach(memory.Outcome{State: transport.ChannelAttached, Resumed: true, Delay: 50 * time.Millisecond})
	attachDone := make(chan error, 1)
	go func() { attachDone <- room.Attach(context.Background()) }()
	eventually(t, func() bool { return ch.State() == transport.ChannelAttaching }, "attach should be in flight")

	// When release is called mid-attach
	req.NoError(room.Release(context.Background()))

	// Then the attach was allowed to settle, the channel was detached
	// anyway, and the room ends released
	req.NoError(<-attachDone)
	req.Equal(RoomReleased, room.Status())
	req.Equal(transport.ChannelDetached, ch.State())
}

func TestRecovery_StandsDownWhenRoomAlreadySettled(t *testing.T) {
	req := require.New(t)
	_, room, _ := newTestSetup(t, nil)
	req.NoError(room.Attach(context.Background()))
	req.NoError(room.Detach(context.Background()))

	// Given a stale recovery arriving after the room settled elsewhere (an
	// operation queued behind the suspending attach may win the lock first
	// and detach everything)
	done := make(chan struct{})
	go func() {
		room.lifecycle.runRecovery(room.messages)
		close(done)
	}()

	// Then it stands down instead of camping on the lock waiting for a
	// detached channel to attach by itself
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery did not stand down")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req.NoError(room.Attach(ctx))
	req.Equal(RoomAttached, room.Status())
}

func TestRecovery_ConvergesWhenProblemChannelEndsDetached(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))

	// Given a recovery waiting on the suspended presence channel
	presCh.PlanAttach(memory.Outcome{State: transport.ChannelSuspended, Err: errors.New("limits exceeded")})
	req.Error(room.Attach(context.Background()))
	req.Equal(RoomSuspended, room.Status())
	eventually(t, func() bool {
		return msgCh.State() == transport.ChannelDetached
	}, "recovery should wind down the others")

	// When that channel is torn down instead of recovering
	presCh.SetState(transport.ChannelDetached, nil, false)

	// Then the loop re-attaches everything rather than waiting forever
	eventually(t, func() bool { return room.Status() == RoomAttached }, "room should converge")
	req.Equal(transport.ChannelAttached, msgCh.State())
	req.Equal(transport.ChannelAttached, presCh.State())
}

func TestAttachFailure_WindDownRetriesPastTransientDetachFailure(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, &RoomOptions{Presence: &PresenceOptions{}})
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	presCh := conn.Lookup(presenceChannelName(testRoomID))

	// Given presence will fail its attach and the messages teardown will
	// hiccup into suspended once
	presCh.PlanAttach(memory.Outcome{State: transport.ChannelFailed, Err: errors.New("denied")})
	msgCh.PlanDetach(memory.Outcome{State: transport.ChannelSuspended, Err: errors.New("flaky")})

	// When the room attaches
	err := room.Attach(context.Background())
	req.Equal(CodePresenceAttachmentFailed, CodeOf(err))
	req.Equal(RoomFailed, room.Status())

	// Then the wind-down retries until the messages channel is terminal
	eventually(t, func() bool {
		return msgCh.State() == transport.ChannelDetached
	}, "wind-down should retry past the hiccup")
	req.GreaterOrEqual(msgCh.DetachCalls(), 2)

	// And the transient suspension did not revive the failed room
	req.Equal(RoomFailed, room.Status())
	req.Equal(CodePresenceAttachmentFailed, CodeOf(room.Err()))
}

func TestDiscontinuity_QueuedDuringDetachIsDropped(t *testing.T) {
	req := require.New(t)
	_, room, conn := newTestSetup(t, nil)
	msgCh := conn.Lookup(messagesChannelName(testRoomID))
	req.NoError(room.Attach(context.Background()))

	var count int
	var mu sync.Mutex
	room.Messages().OnDiscontinuity(func(error) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	// Given a detach slow enough to race an update into
	msgCh.PlanDetach(memory.Outcome{State: transport.ChannelDetached, Delay: 40 * time.Millisecond})
	detachDone := make(chan error, 1)
	go func() { detachDone <- room.Detach(context.Background()) }()
	eventually(t, func() bool {
		return msgCh.State() == transport.ChannelDetaching
	}, "detach should be in flight")

	// When a resume failure lands mid-detach
	msgCh.EmitUpdate(false, errors.New("stream gap"))
	req.NoError(<-detachDone)

	// Then the queued event dies with the detach instead of resurfacing on
	// the next attach
	req.NoError(room.Attach(context.Background()))
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	req.Zero(count)
}

func TestRelease_ReportsPriorReleaseEndingFailed(t *testing.T) {
	req := require.New(t)
	_, room, _ := newTestSetup(t, nil)
	l := room.lifecycle

	// Given a release supposedly underway elsewhere
	l.mu.Lock()
	l.releaseInProgress = true
	l.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- l.Release(context.Background()) }()
	eventually(t, func() bool {
		room.monitor.mu.Lock()
		defer room.monitor.mu.Unlock()
		return len(room.monitor.internal) == 1
	}, "joining caller should wait on the prior release")

	// When that release ends somewhere other than released
	room.monitor.set(RoomFailed, errors.New("teardown exploded"))

	// Then the joining caller learns the prior operation failed
	err := <-errCh
	req.Error(err)
	req.Equal(CodePreviousOperationFailed, CodeOf(err))
}

func TestRelease_JoiningCallerHonorsContext(t *testing.T) {
	req := require.New(t)
	_, room, _ := newTestSetup(t, nil)
	l := room.lifecycle

	l.mu.Lock()
	l.releaseInProgress = true
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Release(ctx) }()
	eventually(t, func() bool {
		room.monitor.mu.Lock()
		defer room.monitor.mu.Unlock()
		return len(room.monitor.internal) == 1
	}, "joining caller should wait on the prior release")

	cancel()
	req.ErrorIs(<-errCh, context.Canceled)
}

func TestAttachDetach_RejectedAfterRelease(t *testing.T) {
	req := require.New(t)
	_, room, _ := newTestSetup(t, nil)
	req.NoError(room.Release(context.Background()))

	req.Equal(CodeRoomReleased, CodeOf(room.Attach(context.Background())))
	req.Equal(CodeRoomReleased, CodeOf(room.Detach(context.Background())))
}
