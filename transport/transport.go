// Package transport defines the realtime pub/sub capability the chat SDK
// is layered on. The SDK never dials the wire itself; it drives Channel
// handles obtained from a Conn and reacts to the state events they emit.
// Owned by the adapter; the adapter must Close() the underlying resources.
package transport

import "context"

// ChannelState is the lifecycle state of a single transport channel.
type ChannelState int

const (
	ChannelInitialized ChannelState = iota
	ChannelAttaching
	ChannelAttached
	ChannelDetaching
	ChannelDetached
	ChannelSuspended
	ChannelFailed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelInitialized:
		return "initialized"
	case ChannelAttaching:
		return "attaching"
	case ChannelAttached:
		return "attached"
	case ChannelDetaching:
		return "detaching"
	case ChannelDetached:
		return "detached"
	case ChannelSuspended:
		return "suspended"
	case ChannelFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChannelEvent is what a state listener observes: every state, plus Update
// for in-place transitions (a reattach that did or did not resume).
type ChannelEvent int

const (
	EventInitialized ChannelEvent = iota
	EventAttaching
	EventAttached
	EventDetaching
	EventDetached
	EventSuspended
	EventFailed
	EventUpdate
)

func (e ChannelEvent) String() string {
	if e == EventUpdate {
		return "update"
	}
	return ChannelState(e).String()
}

// StateChange describes one channel transition. Resumed reports whether the
// message stream survived the transition; Resumed=false on an attach after
// the first one means the application missed messages.
type StateChange struct {
	Current  ChannelState
	Previous ChannelState
	Event    ChannelEvent
	Reason   error
	Resumed  bool
}

// Message is a single payload received on a channel.
type Message struct {
	ID       string
	Name     string
	ClientID string
	Data     []byte
}

// PresenceMember is one entry of a channel's presence set.
type PresenceMember struct {
	ClientID string
	Data     []byte
}

// PresenceAction distinguishes presence set updates.
type PresenceAction int

const (
	PresenceEnter PresenceAction = iota
	PresenceLeave
	PresenceUpdate
)

// PresenceEvent is a live update to a channel's presence set.
type PresenceEvent struct {
	Action PresenceAction
	Member PresenceMember
}

// Presence is the presence surface of one channel.
type Presence interface {
	Enter(ctx context.Context, data []byte) error
	Leave(ctx context.Context, data []byte) error
	Get(ctx context.Context) ([]PresenceMember, error)
	Subscribe(fn func(PresenceEvent)) (off func())
}

// ChannelMode gates what a client may do on a channel.
type ChannelMode string

const (
	ModePublish           ChannelMode = "publish"
	ModeSubscribe         ChannelMode = "subscribe"
	ModePresence          ChannelMode = "presence"
	ModePresenceSubscribe ChannelMode = "presence_subscribe"
)

// ChannelOptions configures a channel before its first attach.
type ChannelOptions struct {
	Params map[string]string
	Modes  []ChannelMode
}

// Clone returns an independent copy so callers can merge without aliasing.
func (o *ChannelOptions) Clone() *ChannelOptions {
	if o == nil {
		return &ChannelOptions{}
	}
	out := &ChannelOptions{Modes: append([]ChannelMode(nil), o.Modes...)}
	if o.Params != nil {
		out.Params = make(map[string]string, len(o.Params))
		for k, v := range o.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Channel is one pub/sub resource with its own attach/detach lifecycle.
//
// Attach and Detach return a non-nil error exactly when the channel lands in
// ChannelSuspended or ChannelFailed (or the context is cancelled); the
// channel's state after the call tells the caller which.
type Channel interface {
	Name() string
	State() ChannelState
	// ErrorReason is the reason for the most recent suspended/failed state,
	// or nil.
	ErrorReason() error

	Attach(ctx context.Context) error
	Detach(ctx context.Context) error

	Publish(ctx context.Context, name string, data []byte) error
	Subscribe(fn func(Message)) (off func())

	// On registers a state listener and returns its disposer.
	On(fn func(StateChange)) (off func())

	Presence() Presence
}

// Conn hands out channels by name. Channel is idempotent per name until
// ReleaseChannel; options apply only to the first creation.
type Conn interface {
	Channel(name string, opts *ChannelOptions) Channel
	ReleaseChannel(name string)
	Close()
}
