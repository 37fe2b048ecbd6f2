package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/channels"
	"github.com/halyard-im/halyard-go/transport"
)

// Room is the application-facing aggregate of a set of feature channels
// presented as one entity with one status. Obtain rooms through
// Client.Rooms(); a Room becomes unusable once released.
type Room struct {
	id       string
	opts     *RoomOptions
	log      zerolog.Logger
	channels *channels.Registry

	monitor      *statusMonitor
	lifecycle    *roomLifecycle
	contributors []contributor

	messages  *Messages
	presence  *Presence
	typing    *Typing
	reactions *Reactions
	occupancy *Occupancy

	releaseChannelsOnce sync.Once
}

// newRoom wires the enabled features in their fixed order. Channel option
// requirements are merged before each channel's first Get, which freezes
// them.
func newRoom(id string, opts *RoomOptions, clientID string, reg *channels.Registry, log zerolog.Logger, retryDelay, transientWindow time.Duration) (*Room, error) {
	opts = opts.normalized()
	r := &Room{
		id:       id,
		opts:     opts,
		log:      log,
		channels: reg,
		monitor:  newStatusMonitor(),
	}

	msgName := messagesChannelName(id)
	if err := reg.MergeOptions(msgName, withModes(transport.ModePublish, transport.ModeSubscribe)); err != nil {
		return nil, wrapError(CodeChannelAlreadyRequested, err, "cannot configure messages channel for room %q", id)
	}
	if err := reg.MergeOptions(msgName, withParam("clientId", clientID)); err != nil {
		return nil, wrapError(CodeChannelAlreadyRequested, err, "cannot configure messages channel for room %q", id)
	}
	r.messages = newMessages(id, clientID, reg.Get(msgName), log)
	r.contributors = append(r.contributors, r.messages)

	if opts.Presence != nil {
		name := presenceChannelName(id)
		merges := []func(*transport.ChannelOptions){
			withModes(transport.ModePresence, transport.ModePresenceSubscribe),
			withParam("clientId", clientID),
		}
		for _, m := range merges {
			if err := reg.MergeOptions(name, m); err != nil {
				return nil, wrapError(CodeChannelAlreadyRequested, err, "cannot configure presence channel for room %q", id)
			}
		}
		r.presence = newPresence(id, opts.Presence, reg.Get(name), log)
		r.contributors = append(r.contributors, r.presence)
	}

	if opts.Typing != nil {
		name := typingChannelName(id)
		if err := reg.MergeOptions(name, withModes(transport.ModePublish, transport.ModeSubscribe)); err != nil {
			return nil, wrapError(CodeChannelAlreadyRequested, err, "cannot configure typing channel for room %q", id)
		}
		r.typing = newTyping(id, clientID, opts.Typing, reg.Get(name), log)
		r.contributors = append(r.contributors, r.typing)
	}

	if opts.Reactions != nil {
		name := reactionsChannelName(id)
		if err := reg.MergeOptions(name, withModes(transport.ModePublish, transport.ModeSubscribe)); err != nil {
			return nil, wrapError(CodeChannelAlreadyRequested, err, "cannot configure reactions channel for room %q", id)
		}
		r.reactions = newReactions(id, clientID, reg.Get(name), log)
		r.contributors = append(r.contributors, r.reactions)
	}

	if opts.Occupancy != nil {
		name := occupancyChannelName(id)
		merges := []func(*transport.ChannelOptions){
			withModes(transport.ModeSubscribe),
			withParam("occupancy", "metrics"),
		}
		for _, m := range merges {
			if err := reg.MergeOptions(name, m); err != nil {
				return nil, wrapError(CodeChannelAlreadyRequested, err, "cannot configure occupancy channel for room %q", id)
			}
		}
		r.occupancy = newOccupancy(id, reg.Get(name), log)
		r.contributors = append(r.contributors, r.occupancy)
	}

	r.lifecycle = newRoomLifecycle(id, r.contributors, r.monitor, log, retryDelay, transientWindow)
	return r, nil
}

func (r *Room) ID() string { return r.id }

// Status is the room's current aggregate status.
func (r *Room) Status() RoomStatus { return r.monitor.Current() }

// Err is the error attached to the most recent status, or nil.
func (r *Room) Err() error { return r.monitor.Err() }

// OnStatusChange registers a status listener and returns its disposer.
func (r *Room) OnStatusChange(fn func(StatusChange)) (off func()) {
	return r.monitor.subscribe(fn)
}

// OffAllStatusChange removes every listener registered via OnStatusChange.
func (r *Room) OffAllStatusChange() { r.monitor.offAll() }

// Attach brings the room to attached. See roomLifecycle.Attach.
func (r *Room) Attach(ctx context.Context) error { return r.lifecycle.Attach(ctx) }

// Detach winds the room down to detached. See roomLifecycle.Detach.
func (r *Room) Detach(ctx context.Context) error { return r.lifecycle.Detach(ctx) }

// Release tears the room down permanently and returns its channels to the
// channel registry. Prefer Rooms.Release, which also forgets the room.
func (r *Room) Release(ctx context.Context) error {
	if err := r.lifecycle.Release(ctx); err != nil {
		return err
	}
	r.releaseChannelsOnce.Do(func() {
		for _, c := range r.contributors {
			r.channels.Release(c.channelName())
		}
	})
	return nil
}

// Messages is always available.
func (r *Room) Messages() *Messages { return r.messages }

// Presence is nil unless enabled in RoomOptions.
func (r *Room) Presence() *Presence { return r.presence }

// Typing is nil unless enabled in RoomOptions.
func (r *Room) Typing() *Typing { return r.typing }

// Reactions is nil unless enabled in RoomOptions.
func (r *Room) Reactions() *Reactions { return r.reactions }

// Occupancy is nil unless enabled in RoomOptions.
func (r *Room) Occupancy() *Occupancy { return r.occupancy }

func withModes(modes ...transport.ChannelMode) func(*transport.ChannelOptions) {
	return func(o *transport.ChannelOptions) {
		o.Modes = append(o.Modes, modes...)
	}
}

func withParam(key, value string) func(*transport.ChannelOptions) {
	return func(o *transport.ChannelOptions) {
		if o.Params == nil {
			o.Params = make(map[string]string)
		}
		o.Params[key] = value
	}
}
