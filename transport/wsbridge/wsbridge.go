// Package wsbridge adapts a websocket gateway to the transport capability.
// Every frame is a small JSON envelope; channel lifecycle requests are
// resolved by the state events the gateway sends back. Reconnection is out
// of scope: when the socket dies, every channel is failed and the
// application decides what to do.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/transport"
)

const writeWait = 5 * time.Second

// ErrConnClosed is returned for operations on a closed connection.
var ErrConnClosed = errors.New("wsbridge: connection closed")

type envelope struct {
	// Client to gateway.
	Action string `json:"action,omitempty"`
	// Gateway to client.
	Event string `json:"event,omitempty"`

	Channel  string            `json:"channel,omitempty"`
	Name     string            `json:"name,omitempty"`
	ClientID string            `json:"clientId,omitempty"`
	Data     json.RawMessage   `json:"data,omitempty"`
	Resumed  bool              `json:"resumed,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Members  []memberPayload   `json:"members,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Modes    []string          `json:"modes,omitempty"`
}

type memberPayload struct {
	ClientID string          `json:"clientId"`
	Action   string          `json:"action,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Conn is a websocket-backed transport.Conn.
type Conn struct {
	log  zerolog.Logger
	ws   *websocket.Conn
	send chan envelope
	done chan struct{}

	mu        sync.Mutex
	channels  map[string]*channel
	closeOnce sync.Once
}

// Dial connects to the gateway and starts the IO pumps.
func Dial(ctx context.Context, url string, log zerolog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial %s: %w", url, err)
	}
	c := &Conn{
		log:      log,
		ws:       ws,
		send:     make(chan envelope, 64),
		done:     make(chan struct{}),
		channels: make(map[string]*channel),
	}
	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "wsbridge").Str("url", url).Msg("connected")
	return c, nil
}

func (c *Conn) Channel(name string, opts *transport.ChannelOptions) transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := &channel{
		conn:      c,
		name:      name,
		opts:      opts.Clone(),
		state:     transport.ChannelInitialized,
		stateSubs: make(map[int]func(transport.StateChange)),
		msgSubs:   make(map[int]func(transport.Message)),
		presSubs:  make(map[int]func(transport.PresenceEvent)),
	}
	c.channels[name] = ch
	return ch
}

func (c *Conn) ReleaseChannel(name string) {
	c.mu.Lock()
	_, ok := c.channels[name]
	delete(c.channels, name)
	c.mu.Unlock()
	if ok {
		c.enqueue(envelope{Action: "release", Channel: name})
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.log.Info().Str("module", "wsbridge").Msg("connection closed")
	})
}

func (c *Conn) enqueue(env envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error().Err(err).Str("module", "wsbridge").Msg("writePump marshal")
				continue
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Str("module", "wsbridge").Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Str("module", "wsbridge").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer c.failAll(ErrConnClosed)
	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				c.log.Error().Err(err).Str("module", "wsbridge").Msg("readPump read error")
				return
			}
			c.dispatch(data)
		}
	}
}

func (c *Conn) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Error().Err(err).Str("module", "wsbridge").Msg("bad json")
		return
	}
	c.mu.Lock()
	ch := c.channels[env.Channel]
	c.mu.Unlock()
	if ch == nil {
		c.log.Warn().Str("module", "wsbridge").Str("channel", env.Channel).Str("event", env.Event).Msg("event for unknown channel")
		return
	}

	var reason error
	if env.Reason != "" {
		reason = errors.New(env.Reason)
	}

	switch env.Event {
	case "attaching":
		ch.applyState(transport.ChannelAttaching, reason, env.Resumed)
	case "attached":
		ch.applyState(transport.ChannelAttached, reason, env.Resumed)
	case "detaching":
		ch.applyState(transport.ChannelDetaching, reason, false)
	case "detached":
		ch.applyState(transport.ChannelDetached, reason, false)
	case "suspended":
		ch.applyState(transport.ChannelSuspended, reason, false)
	case "failed":
		ch.applyState(transport.ChannelFailed, reason, false)
	case "update":
		ch.emitUpdate(reason, env.Resumed)
	case "message":
		ch.deliver(transport.Message{Name: env.Name, ClientID: env.ClientID, Data: env.Data})
	case "presence":
		ch.deliverPresence(env)
	case "presence.members":
		ch.resolveMembers(env.Members)
	default:
		c.log.Warn().Str("module", "wsbridge").Str("event", env.Event).Msg("unknown event")
	}
}

// failAll marks every channel failed; called when the socket dies.
func (c *Conn) failAll(reason error) {
	c.mu.Lock()
	chans := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()
	for _, ch := range chans {
		ch.applyState(transport.ChannelFailed, reason, false)
	}
}

type channel struct {
	conn *Conn
	name string
	opts *transport.ChannelOptions

	mu        sync.Mutex
	state     transport.ChannelState
	reason    error
	nextID    int
	stateSubs map[int]func(transport.StateChange)
	msgSubs   map[int]func(transport.Message)
	presSubs  map[int]func(transport.PresenceEvent)
	membersCh chan []transport.PresenceMember
}

func (ch *channel) Name() string { return ch.name }

func (ch *channel) State() transport.ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *channel) ErrorReason() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reason
}

func (ch *channel) Attach(ctx context.Context) error {
	env := envelope{Action: "attach", Channel: ch.name, Params: ch.opts.Params}
	for _, m := range ch.opts.Modes {
		env.Modes = append(env.Modes, string(m))
	}
	if err := ch.conn.enqueue(env); err != nil {
		return err
	}
	st, reason := ch.await(ctx, transport.ChannelAttached, transport.ChannelSuspended, transport.ChannelFailed)
	switch {
	case st == transport.ChannelAttached:
		return nil
	case reason != nil:
		return reason
	default:
		return fmt.Errorf("wsbridge: channel %s attach ended %s", ch.name, st)
	}
}

func (ch *channel) Detach(ctx context.Context) error {
	if err := ch.conn.enqueue(envelope{Action: "detach", Channel: ch.name}); err != nil {
		return err
	}
	st, reason := ch.await(ctx, transport.ChannelDetached, transport.ChannelSuspended, transport.ChannelFailed)
	switch {
	case st == transport.ChannelDetached:
		return nil
	case reason != nil:
		return reason
	default:
		return fmt.Errorf("wsbridge: channel %s detach ended %s", ch.name, st)
	}
}

func (ch *channel) Publish(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.conn.enqueue(envelope{Action: "publish", Channel: ch.name, Name: name, Data: data})
}

func (ch *channel) Subscribe(fn func(transport.Message)) (off func()) {
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

func (ch *channel) On(fn func(transport.StateChange)) (off func()) {
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

func (ch *channel) Presence() transport.Presence { return (*wsPresence)(ch) }

// await blocks until the channel reaches one of states or ctx ends.
func (ch *channel) await(ctx context.Context, states ...transport.ChannelState) (transport.ChannelState, error) {
	got := make(chan transport.StateChange, 1)
	off := ch.On(func(sc transport.StateChange) {
		for _, st := range states {
			if sc.Current == st {
				select {
				case got <- sc:
				default:
				}
				return
			}
		}
	})
	defer off()

	ch.mu.Lock()
	cur, reason := ch.state, ch.reason
	ch.mu.Unlock()
	for _, st := range states {
		if cur == st {
			return cur, reason
		}
	}

	select {
	case sc := <-got:
		return sc.Current, sc.Reason
	case <-ctx.Done():
		return cur, ctx.Err()
	}
}

func (ch *channel) applyState(state transport.ChannelState, reason error, resumed bool) {
	ch.mu.Lock()
	prev := ch.state
	ch.state = state
	if state == transport.ChannelSuspended || state == transport.ChannelFailed {
		ch.reason = reason
	}
	subs := make([]func(transport.StateChange), 0, len(ch.stateSubs))
	for _, fn := range ch.stateSubs {
		subs = append(subs, fn)
	}
	ch.mu.Unlock()

	sc := transport.StateChange{
		Current:  state,
		Previous: prev,
		Event:    transport.ChannelEvent(state),
		Reason:   reason,
		Resumed:  resumed,
	}
	for _, fn := range subs {
		fn(sc)
	}
}

func (ch *channel) emitUpdate(reason error, resumed bool) {
	ch.mu.Lock()
	cur := ch.state
	subs := make([]func(transport.StateChange), 0, len(ch.stateSubs))
	for _, fn := range ch.stateSubs {
		subs = append(subs, fn)
	}
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

func (ch *channel) deliver(m transport.Message) {
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

func (ch *channel) deliverPresence(env envelope) {
	if len(env.Members) == 0 {
		return
	}
	m := env.Members[0]
	action := transport.PresenceEnter
	switch m.Action {
	case "leave":
		action = transport.PresenceLeave
	case "update":
		action = transport.PresenceUpdate
	}
	ev := transport.PresenceEvent{
		Action: action,
		Member: transport.PresenceMember{ClientID: m.ClientID, Data: m.Data},
	}
	ch.mu.Lock()
	subs := make([]func(transport.PresenceEvent), 0, len(ch.presSubs))
	for _, fn := range ch.presSubs {
		subs = append(subs, fn)
	}
	ch.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (ch *channel) resolveMembers(members []memberPayload) {
	ch.mu.Lock()
	pending := ch.membersCh
	ch.membersCh = nil
	ch.mu.Unlock()
	if pending == nil {
		return
	}
	out := make([]transport.PresenceMember, 0, len(members))
	for _, m := range members {
		out = append(out, transport.PresenceMember{ClientID: m.ClientID, Data: m.Data})
	}
	pending <- out
}

// wsPresence is the channel viewed through its presence surface.
type wsPresence channel

func (p *wsPresence) ch() *channel { return (*channel)(p) }

func (p *wsPresence) Enter(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.ch().conn.enqueue(envelope{Action: "presence.enter", Channel: p.ch().name, Data: data})
}

func (p *wsPresence) Leave(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.ch().conn.enqueue(envelope{Action: "presence.leave", Channel: p.ch().name, Data: data})
}

func (p *wsPresence) Get(ctx context.Context) ([]transport.PresenceMember, error) {
	ch := p.ch()
	wait := make(chan []transport.PresenceMember, 1)
	ch.mu.Lock()
	if ch.membersCh != nil {
		pending := ch.membersCh
		ch.mu.Unlock()
		// Join the in-flight request.
		select {
		case members := <-pending:
			// Put it back for other joiners; best effort.
			select {
			case pending <- members:
			default:
			}
			return members, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ch.membersCh = wait
	ch.mu.Unlock()

	if err := ch.conn.enqueue(envelope{Action: "presence.get", Channel: ch.name}); err != nil {
		return nil, err
	}
	select {
	case members := <-wait:
		return members, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *wsPresence) Subscribe(fn func(transport.PresenceEvent)) (off func()) {
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
