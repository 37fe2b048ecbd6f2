package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/halyard-im/halyard-go/transport"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	conn := New(zerolog.Nop())
	ch := conn.Channel("room::$chat", &transport.ChannelOptions{
		Params: map[string]string{"clientId": "tester"},
	})
	return ch.(*Channel)
}

func TestChannel_AttachDefaultsToAttached(t *testing.T) {
	req := require.New(t)
	ch := newTestChannel(t)

	var changes []transport.StateChange
	ch.On(func(sc transport.StateChange) { changes = append(changes, sc) })

	req.NoError(ch.Attach(context.Background()))
	req.Equal(transport.ChannelAttached, ch.State())

	req.Len(changes, 2)
	req.Equal(transport.ChannelAttaching, changes[0].Current)
	req.Equal(transport.ChannelAttached, changes[1].Current)
	req.True(changes[1].Resumed)

	// Re-attaching an attached channel is a no-op
	req.NoError(ch.Attach(context.Background()))
	req.Equal(2, ch.AttachCalls())
}

func TestChannel_PlannedOutcomesAreConsumedInOrder(t *testing.T) {
	req := require.New(t)
	ch := newTestChannel(t)

	boom := errors.New("boom")
	ch.PlanAttach(Outcome{State: transport.ChannelSuspended, Err: boom})

	// First attach follows the plan
	err := ch.Attach(context.Background())
	req.ErrorIs(err, boom)
	req.Equal(transport.ChannelSuspended, ch.State())
	req.ErrorIs(ch.ErrorReason(), boom)

	// Once the plan is drained, attach succeeds again
	req.NoError(ch.Attach(context.Background()))
	req.Equal(transport.ChannelAttached, ch.State())
}

func TestChannel_DetachIsTerminalAware(t *testing.T) {
	req := require.New(t)
	ch := newTestChannel(t)

	// Detaching an initialized channel does nothing
	req.NoError(ch.Detach(context.Background()))
	req.Equal(transport.ChannelInitialized, ch.State())

	req.NoError(ch.Attach(context.Background()))
	req.NoError(ch.Detach(context.Background()))
	req.Equal(transport.ChannelDetached, ch.State())
}

func TestChannel_PublishIsLoopedBack(t *testing.T) {
	req := require.New(t)
	ch := newTestChannel(t)

	var got []transport.Message
	off := ch.Subscribe(func(m transport.Message) { got = append(got, m) })

	req.NoError(ch.Publish(context.Background(), "chat.message", []byte(`{"text":"hi"}`)))
	req.Len(got, 1)
	req.Equal("chat.message", got[0].Name)

	off()
	req.NoError(ch.Publish(context.Background(), "chat.message", nil))
	req.Len(got, 1)
}

func TestChannel_EmitUpdateKeepsState(t *testing.T) {
	req := require.New(t)
	ch := newTestChannel(t)
	req.NoError(ch.Attach(context.Background()))

	var got transport.StateChange
	ch.On(func(sc transport.StateChange) { got = sc })

	reason := errors.New("resume window exceeded")
	ch.EmitUpdate(false, reason)

	req.Equal(transport.EventUpdate, got.Event)
	req.Equal(transport.ChannelAttached, got.Current)
	req.Equal(transport.ChannelAttached, got.Previous)
	req.False(got.Resumed)
	req.ErrorIs(got.Reason, reason)
	req.Equal(transport.ChannelAttached, ch.State())
}

func TestPresence_TracksMembers(t *testing.T) {
	req := require.New(t)
	ch := newTestChannel(t)
	p := ch.Presence()
	ctx := context.Background()

	var events []transport.PresenceEvent
	p.Subscribe(func(ev transport.PresenceEvent) { events = append(events, ev) })

	req.NoError(p.Enter(ctx, []byte("hello")))
	members, err := p.Get(ctx)
	req.NoError(err)
	req.Len(members, 1)
	req.Equal("tester", members[0].ClientID)

	// Entering again updates instead of duplicating
	req.NoError(p.Enter(ctx, []byte("again")))
	members, err = p.Get(ctx)
	req.NoError(err)
	req.Len(members, 1)

	req.NoError(p.Leave(ctx, nil))
	members, err = p.Get(ctx)
	req.NoError(err)
	req.Empty(members)

	req.Len(events, 3)
	req.Equal(transport.PresenceEnter, events[0].Action)
	req.Equal(transport.PresenceUpdate, events[1].Action)
	req.Equal(transport.PresenceLeave, events[2].Action)
}

func TestConn_ChannelDedupAndRelease(t *testing.T) {
	req := require.New(t)
	conn := New(zerolog.Nop())

	first := conn.Channel("room::$chat", nil)
	second := conn.Channel("room::$chat", nil)
	req.Same(first, second)

	conn.ReleaseChannel("room::$chat")
	req.Nil(conn.Lookup("room::$chat"))

	third := conn.Channel("room::$chat", nil)
	req.NotSame(first, third)
}
