package chat

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/transport"
)

// PresenceMember is one member of the room's presence set.
type PresenceMember struct {
	ClientID string
	Data     []byte
}

// PresenceEvent is a live change to the presence set.
type PresenceEvent struct {
	Action transport.PresenceAction
	Member PresenceMember
}

// Presence is the presence feature of a room.
type Presence struct {
	feature
	opts *PresenceOptions
}

func newPresence(roomID string, opts *PresenceOptions, ch transport.Channel, log zerolog.Logger) *Presence {
	return &Presence{
		feature: newFeature("presence", presenceChannelName(roomID), ch, CodePresenceAttachmentFailed, CodePresenceDetachmentFailed, log),
		opts:    opts,
	}
}

func presenceChannelName(roomID string) string { return roomID + "::$presence" }

// Enter adds this client to the presence set.
func (p *Presence) Enter(ctx context.Context) error {
	return p.ch.Presence().Enter(ctx, p.opts.EnterData)
}

// Leave removes this client from the presence set.
func (p *Presence) Leave(ctx context.Context) error {
	return p.ch.Presence().Leave(ctx, nil)
}

// Get fetches the current presence set.
func (p *Presence) Get(ctx context.Context) ([]PresenceMember, error) {
	raw, err := p.ch.Presence().Get(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PresenceMember, 0, len(raw))
	for _, m := range raw {
		out = append(out, PresenceMember{ClientID: m.ClientID, Data: m.Data})
	}
	return out, nil
}

// Subscribe delivers presence set changes to fn and returns the disposer.
func (p *Presence) Subscribe(fn func(PresenceEvent)) (off func()) {
	return p.ch.Presence().Subscribe(func(ev transport.PresenceEvent) {
		fn(PresenceEvent{
			Action: ev.Action,
			Member: PresenceMember{ClientID: ev.Member.ClientID, Data: ev.Member.Data},
		})
	})
}
