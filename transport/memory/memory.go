// Package memory is an in-process implementation of the transport
// capability. It is used by the demo binary and by tests: every channel is a
// local loopback, and tests can script attach/detach outcomes or inject
// state changes to exercise the room lifecycle.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/transport"
)

// Outcome scripts the terminal state of one Attach or Detach call.
type Outcome struct {
	State transport.ChannelState
	Err   error
	// Resumed is carried on the attached event when State is ChannelAttached.
	Resumed bool
	// Delay holds the call in the transitional state before the outcome
	// lands, to let tests race other operations against it.
	Delay time.Duration
}

func (o Outcome) sleep(ctx context.Context) error {
	if o.Delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.Delay):
		return nil
	}
}

// Conn is an in-process transport.Conn.
type Conn struct {
	log      zerolog.Logger
	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

func New(log zerolog.Logger) *Conn {
	return &Conn{
		log:      log,
		channels: make(map[string]*Channel),
	}
}

func (c *Conn) Channel(name string, opts *transport.ChannelOptions) transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := &Channel{
		name:      name,
		opts:      opts.Clone(),
		log:       c.log,
		state:     transport.ChannelInitialized,
		stateSubs: make(map[int]func(transport.StateChange)),
		msgSubs:   make(map[int]func(transport.Message)),
		presSubs:  make(map[int]func(transport.PresenceEvent)),
		members:   make(map[string]transport.PresenceMember),
	}
	c.channels[name] = ch
	c.log.Debug().Str("module", "memory").Str("channel", name).Msg("channel created")
	return ch
}

func (c *Conn) ReleaseChannel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, name)
	c.log.Debug().Str("module", "memory").Str("channel", name).Msg("channel released")
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.channels = make(map[string]*Channel)
}

// Lookup exposes the concrete channel so tests and the demo can script it.
// Returns nil if the channel has not been created.
func (c *Conn) Lookup(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

// Channel is an in-process transport.Channel with scriptable behavior.
type Channel struct {
	name string
	opts *transport.ChannelOptions
	log  zerolog.Logger

	mu          sync.Mutex
	state       transport.ChannelState
	reason      error
	nextID      int
	stateSubs   map[int]func(transport.StateChange)
	msgSubs     map[int]func(transport.Message)
	presSubs    map[int]func(transport.PresenceEvent)
	members     map[string]transport.PresenceMember
	attachPlan  []Outcome
	detachPlan  []Outcome
	attachCalls int
	detachCalls int
}

func (ch *Channel) Name() string { return ch.name }

func (ch *Channel) State() transport.ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) ErrorReason() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reason
}

// Options exposes the frozen channel options for assertions.
func (ch *Channel) Options() *transport.ChannelOptions {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.opts.Clone()
}

func (ch *Channel) Attach(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.attachCalls++
	if ch.state == transport.ChannelAttached {
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()

	ch.transition(transport.ChannelAttaching, transport.EventAttaching, nil, true)

	out := ch.popPlan(&ch.attachPlan, Outcome{State: transport.ChannelAttached, Resumed: true})
	if err := out.sleep(ctx); err != nil {
		return err
	}
	switch out.State {
	case transport.ChannelAttached:
		ch.transition(transport.ChannelAttached, transport.EventAttached, nil, out.Resumed)
		return nil
	case transport.ChannelSuspended:
		ch.transition(transport.ChannelSuspended, transport.EventSuspended, out.Err, false)
		return out.Err
	case transport.ChannelFailed:
		ch.transition(transport.ChannelFailed, transport.EventFailed, out.Err, false)
		return out.Err
	default:
		ch.transition(out.State, transport.ChannelEvent(out.State), out.Err, false)
		return out.Err
	}
}

func (ch *Channel) Detach(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.detachCalls++
	if ch.state == transport.ChannelDetached || ch.state == transport.ChannelInitialized {
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()

	ch.transition(transport.ChannelDetaching, transport.EventDetaching, nil, false)

	out := ch.popPlan(&ch.detachPlan, Outcome{State: transport.ChannelDetached})
	if err := out.sleep(ctx); err != nil {
		return err
	}
	switch out.State {
	case transport.ChannelDetached:
		ch.transition(transport.ChannelDetached, transport.EventDetached, nil, false)
		return nil
	default:
		ch.transition(out.State, transport.ChannelEvent(out.State), out.Err, false)
		return out.Err
	}
}

func (ch *Channel) Publish(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Loopback delivery: local subscribers see their own publishes.
	ch.PushMessage(transport.Message{Name: name, Data: data})
	return nil
}

func (ch *Channel) Subscribe(fn func(transport.Message)) (off func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextID
	ch.nextID++
	ch.msgSubs[id] = fn
	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		delete(ch.msgSubs, id)
	}
}

func (ch *Channel) On(fn func(transport.StateChange)) (off func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextID
	ch.nextID++
	ch.stateSubs[id] = fn
	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		delete(ch.stateSubs, id)
	}
}

func (ch *Channel) Presence() transport.Presence { return (*presence)(ch) }

// PlanAttach queues outcomes consumed by subsequent Attach calls, in order.
// Once the queue is drained, Attach succeeds again.
func (ch *Channel) PlanAttach(outcomes ...Outcome) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.attachPlan = append(ch.attachPlan, outcomes...)
}

// PlanDetach queues outcomes consumed by subsequent Detach calls, in order.
func (ch *Channel) PlanDetach(outcomes ...Outcome) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.detachPlan = append(ch.detachPlan, outcomes...)
}

// SetState forces a server-driven transition and notifies listeners.
func (ch *Channel) SetState(state transport.ChannelState, reason error, resumed bool) {
	ch.transition(state, transport.ChannelEvent(state), reason, resumed)
}

// EmitUpdate emits an in-place update event without changing state.
func (ch *Channel) EmitUpdate(resumed bool, reason error) {
	ch.mu.Lock()
	cur := ch.state
	subs := ch.stateSnapshot()
	ch.mu.Unlock()
	sc := transport.StateChange{
		Current:  cur,
		Previous: cur,
		Event:    transport.EventUpdate,
		Reason:   reason,
		Resumed:  resumed,
	}
	for _, fn := range subs {
		fn(sc)
	}
}

// PushMessage delivers a message to all subscribers, as if received from
// the service.
func (ch *Channel) PushMessage(m transport.Message) {
	ch.mu.Lock()
	subs := make([]func(transport.Message), 0, len(ch.msgSubs))
	for _, fn := range ch.msgSubs {
		subs = append(subs, fn)
	}
	ch.mu.Unlock()
	for _, fn := range subs {
		fn(m)
	}
}

// AttachCalls reports how many times Attach ran, for idempotence assertions.
func (ch *Channel) AttachCalls() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.attachCalls
}

// DetachCalls reports how many times Detach ran.
func (ch *Channel) DetachCalls() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.detachCalls
}

func (ch *Channel) popPlan(plan *[]Outcome, fallback Outcome) Outcome {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(*plan) == 0 {
		return fallback
	}
	out := (*plan)[0]
	*plan = (*plan)[1:]
	return out
}

func (ch *Channel) transition(state transport.ChannelState, event transport.ChannelEvent, reason error, resumed bool) {
	ch.mu.Lock()
	prev := ch.state
	ch.state = state
	if state == transport.ChannelSuspended || state == transport.ChannelFailed {
		ch.reason = reason
	}
	subs := ch.stateSnapshot()
	ch.mu.Unlock()

	ch.log.Debug().Str("module", "memory").Str("channel", ch.name).
		Str("from", prev.String()).Str("to", state.String()).Msg("channel transition")

	sc := transport.StateChange{
		Current:  state,
		Previous: prev,
		Event:    event,
		Reason:   reason,
		Resumed:  resumed,
	}
	for _, fn := range subs {
		fn(sc)
	}
}

// stateSnapshot must be called with ch.mu held.
func (ch *Channel) stateSnapshot() []func(transport.StateChange) {
	subs := make([]func(transport.StateChange), 0, len(ch.stateSubs))
	for _, fn := range ch.stateSubs {
		subs = append(subs, fn)
	}
	return subs
}

// presence shares the channel's storage; it is the channel viewed through
// its presence surface.
type presence Channel

func (p *presence) ch() *Channel { return (*Channel)(p) }

func (p *presence) Enter(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := p.ch()
	member := transport.PresenceMember{ClientID: clientIDFrom(ch.opts), Data: data}
	ch.mu.Lock()
	_, existed := ch.members[member.ClientID]
	ch.members[member.ClientID] = member
	subs := p.presSnapshot()
	ch.mu.Unlock()

	action := transport.PresenceEnter
	if existed {
		action = transport.PresenceUpdate
	}
	for _, fn := range subs {
		fn(transport.PresenceEvent{Action: action, Member: member})
	}
	return nil
}

func (p *presence) Leave(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := p.ch()
	member := transport.PresenceMember{ClientID: clientIDFrom(ch.opts), Data: data}
	ch.mu.Lock()
	delete(ch.members, member.ClientID)
	subs := p.presSnapshot()
	ch.mu.Unlock()

	for _, fn := range subs {
		fn(transport.PresenceEvent{Action: transport.PresenceLeave, Member: member})
	}
	return nil
}

func (p *presence) Get(ctx context.Context) ([]transport.PresenceMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := p.ch()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]transport.PresenceMember, 0, len(ch.members))
	for _, m := range ch.members {
		out = append(out, m)
	}
	return out, nil
}

func (p *presence) Subscribe(fn func(transport.PresenceEvent)) (off func()) {
	ch := p.ch()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	id := ch.nextID
	ch.nextID++
	ch.presSubs[id] = fn
	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		delete(ch.presSubs, id)
	}
}

// presSnapshot must be called with the channel mutex held.
func (p *presence) presSnapshot() []func(transport.PresenceEvent) {
	ch := p.ch()
	subs := make([]func(transport.PresenceEvent), 0, len(ch.presSubs))
	for _, fn := range ch.presSubs {
		subs = append(subs, fn)
	}
	return subs
}

func clientIDFrom(opts *transport.ChannelOptions) string {
	if opts != nil && opts.Params != nil {
		if id, ok := opts.Params["clientId"]; ok {
			return id
		}
	}
	return "local"
}
