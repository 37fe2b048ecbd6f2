package chat

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/transport"
)

const eventOccupancy = "chat.occupancy"

// OccupancyEvent carries the room's occupancy metrics.
type OccupancyEvent struct {
	Connections int `json:"connections"`
	Members     int `json:"members"`
}

// Occupancy surfaces occupancy metric events for a room. The channel is
// configured with the occupancy metrics param before its first attach.
type Occupancy struct {
	feature
}

func newOccupancy(roomID string, ch transport.Channel, log zerolog.Logger) *Occupancy {
	return &Occupancy{
		feature: newFeature("occupancy", occupancyChannelName(roomID), ch, CodeOccupancyAttachmentFailed, CodeOccupancyDetachmentFailed, log),
	}
}

func occupancyChannelName(roomID string) string { return roomID + "::$occupancy" }

// Subscribe delivers occupancy updates to fn and returns the disposer.
func (o *Occupancy) Subscribe(fn func(OccupancyEvent)) (off func()) {
	return o.ch.Subscribe(func(raw transport.Message) {
		if raw.Name != eventOccupancy {
			return
		}
		var ev OccupancyEvent
		if err := json.Unmarshal(raw.Data, &ev); err != nil {
			o.log.Warn().Str("module", "chat").Str("feature", "occupancy").Err(err).Msg("bad occupancy payload")
			return
		}
		fn(ev)
	})
}
