package chat

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/transport"
)

const eventReaction = "chat.reaction"

// Reaction is an ephemeral room-level reaction.
type Reaction struct {
	ClientID string `json:"clientId"`
	Emoji    string `json:"emoji"`
}

// Reactions is the room reactions feature.
type Reactions struct {
	feature
	clientID string
}

func newReactions(roomID, clientID string, ch transport.Channel, log zerolog.Logger) *Reactions {
	return &Reactions{
		feature:  newFeature("reactions", reactionsChannelName(roomID), ch, CodeReactionsAttachmentFailed, CodeReactionsDetachmentFailed, log),
		clientID: clientID,
	}
}

func reactionsChannelName(roomID string) string { return roomID + "::$reactions" }

// Send publishes a reaction.
func (r *Reactions) Send(ctx context.Context, emoji string) error {
	data, err := json.Marshal(Reaction{ClientID: r.clientID, Emoji: emoji})
	if err != nil {
		return err
	}
	return r.ch.Publish(ctx, eventReaction, data)
}

// Subscribe delivers incoming reactions to fn and returns the disposer.
func (r *Reactions) Subscribe(fn func(Reaction)) (off func()) {
	return r.ch.Subscribe(func(raw transport.Message) {
		if raw.Name != eventReaction {
			return
		}
		var rc Reaction
		if err := json.Unmarshal(raw.Data, &rc); err != nil {
			r.log.Warn().Str("module", "chat").Str("feature", "reactions").Err(err).Msg("bad reaction payload")
			return
		}
		fn(rc)
	})
}
