package chat

import (
	"reflect"
	"time"

	"github.com/rs/zerolog"
)

// ClientOptions tunes a Client. The zero value is usable; nil means all
// defaults.
type ClientOptions struct {
	// ClientID identifies this client in presence and typing events.
	ClientID string
	// Logger receives SDK logs; defaults to a no-op logger.
	Logger *zerolog.Logger
	// RetryDelay is the fixed delay between lifecycle retry passes.
	RetryDelay time.Duration
	// TransientDetachWindow bounds how long a channel may sit in a
	// reattaching state before the room status reflects it.
	TransientDetachWindow time.Duration
}

const (
	defaultRetryDelay            = 250 * time.Millisecond
	defaultTransientDetachWindow = 5 * time.Second
	defaultTypingHeartbeat       = 10 * time.Second
)

// PresenceOptions enables the presence feature.
type PresenceOptions struct {
	// EnterData is attached to this client's presence entry.
	EnterData []byte
}

// TypingOptions enables the typing feature.
type TypingOptions struct {
	// Heartbeat is how long a typing.started stays fresh before Start
	// publishes again. Zero means the default.
	Heartbeat time.Duration
}

// ReactionsOptions enables the room reactions feature.
type ReactionsOptions struct{}

// OccupancyOptions enables occupancy metric events.
type OccupancyOptions struct{}

// RoomOptions selects which features a room carries. Messages are always
// enabled; the other features are enabled by a non-nil options pointer.
// Two Get calls for the same room id must carry structurally equal options.
type RoomOptions struct {
	Presence  *PresenceOptions
	Typing    *TypingOptions
	Reactions *ReactionsOptions
	Occupancy *OccupancyOptions
}

// AllFeatures returns options with every feature enabled at defaults.
func AllFeatures() *RoomOptions {
	return &RoomOptions{
		Presence:  &PresenceOptions{},
		Typing:    &TypingOptions{},
		Reactions: &ReactionsOptions{},
		Occupancy: &OccupancyOptions{},
	}
}

func (o *RoomOptions) normalized() *RoomOptions {
	if o == nil {
		return &RoomOptions{}
	}
	return o
}

// equalRoomOptions is the structural equality the registry uses to decide
// between deduplication and a conflict.
func equalRoomOptions(a, b *RoomOptions) bool {
	return reflect.DeepEqual(a.normalized(), b.normalized())
}
