package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/transport"
)

const (
	eventTypingStarted = "typing.started"
	eventTypingStopped = "typing.stopped"
)

// TypingEvent reports a client starting or stopping typing.
type TypingEvent struct {
	ClientID string `json:"clientId"`
	Started  bool   `json:"-"`
}

// Typing is the typing-indicator feature of a room. Start is debounced: a
// fresh typing.started is not republished until the heartbeat window lapses.
type Typing struct {
	feature
	clientID  string
	heartbeat time.Duration

	hbMu     sync.Mutex
	lastSent time.Time
}

func newTyping(roomID, clientID string, opts *TypingOptions, ch transport.Channel, log zerolog.Logger) *Typing {
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = defaultTypingHeartbeat
	}
	return &Typing{
		feature:   newFeature("typing", typingChannelName(roomID), ch, CodeTypingAttachmentFailed, CodeTypingDetachmentFailed, log),
		clientID:  clientID,
		heartbeat: hb,
	}
}

func typingChannelName(roomID string) string { return roomID + "::$typing" }

// Start signals that this client is typing.
func (t *Typing) Start(ctx context.Context) error {
	t.hbMu.Lock()
	if time.Since(t.lastSent) < t.heartbeat {
		t.hbMu.Unlock()
		return nil
	}
	t.lastSent = time.Now()
	t.hbMu.Unlock()
	return t.publish(ctx, eventTypingStarted)
}

// Stop signals that this client stopped typing.
func (t *Typing) Stop(ctx context.Context) error {
	t.hbMu.Lock()
	t.lastSent = time.Time{}
	t.hbMu.Unlock()
	return t.publish(ctx, eventTypingStopped)
}

// Subscribe delivers typing events to fn and returns the disposer.
func (t *Typing) Subscribe(fn func(TypingEvent)) (off func()) {
	return t.ch.Subscribe(func(raw transport.Message) {
		if raw.Name != eventTypingStarted && raw.Name != eventTypingStopped {
			return
		}
		var ev TypingEvent
		if err := json.Unmarshal(raw.Data, &ev); err != nil {
			t.log.Warn().Str("module", "chat").Str("feature", "typing").Err(err).Msg("bad typing payload")
			return
		}
		ev.Started = raw.Name == eventTypingStarted
		fn(ev)
	})
}

func (t *Typing) publish(ctx context.Context, name string) error {
	data, err := json.Marshal(TypingEvent{ClientID: t.clientID})
	if err != nil {
		return err
	}
	return t.ch.Publish(ctx, name, data)
}
