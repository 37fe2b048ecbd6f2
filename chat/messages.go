package chat

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/transport"
)

const eventMessage = "chat.message"

// Message is one chat message in a room.
type Message struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
	Text     string `json:"text"`
}

// Messages is the message feature of a room. Always enabled.
type Messages struct {
	feature
	clientID string
}

func newMessages(roomID, clientID string, ch transport.Channel, log zerolog.Logger) *Messages {
	return &Messages{
		feature:  newFeature("messages", messagesChannelName(roomID), ch, CodeMessagesAttachmentFailed, CodeMessagesDetachmentFailed, log),
		clientID: clientID,
	}
}

func messagesChannelName(roomID string) string { return roomID + "::$chat" }

// Send publishes a message and returns its id.
func (m *Messages) Send(ctx context.Context, text string) (string, error) {
	msg := Message{ID: uuid.NewString(), ClientID: m.clientID, Text: text}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if err := m.ch.Publish(ctx, eventMessage, data); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Subscribe delivers incoming messages to fn and returns the disposer.
func (m *Messages) Subscribe(fn func(Message)) (off func()) {
	return m.ch.Subscribe(func(raw transport.Message) {
		if raw.Name != eventMessage {
			return
		}
		var msg Message
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			m.log.Warn().Str("module", "chat").Str("feature", "messages").Err(err).Msg("bad message payload")
			return
		}
		fn(msg)
	})
}
