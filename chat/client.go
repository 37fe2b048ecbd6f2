// Package chat is a client-side chat SDK layered on a realtime pub/sub
// transport. A Client owns a room registry; each Room aggregates its
// feature channels (messages, presence, typing, reactions, occupancy)
// behind a single lifecycle and a single observable status.
package chat

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halyard-im/halyard-go/channels"
	"github.com/halyard-im/halyard-go/transport"
)

// Client is the SDK entry point. One Client per transport connection.
type Client struct {
	conn     transport.Conn
	log      zerolog.Logger
	channels *channels.Registry
	rooms    *Rooms
	clientID string
}

// NewClient wraps an established transport connection. A nil opts uses
// defaults and a generated client id.
func NewClient(conn transport.Conn, opts *ClientOptions) *Client {
	if opts == nil {
		opts = &ClientOptions{}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	retry := opts.RetryDelay
	if retry <= 0 {
		retry = defaultRetryDelay
	}
	window := opts.TransientDetachWindow
	if window <= 0 {
		window = defaultTransientDetachWindow
	}

	reg := channels.New(conn, log)
	c := &Client{
		conn:     conn,
		log:      log,
		channels: reg,
		clientID: clientID,
	}
	c.rooms = newRooms(reg, clientID, log, retry, window)
	c.log.Debug().Str("module", "chat").Str("clientId", clientID).Msg("client created")
	return c
}

// Rooms is the room registry for this client.
func (c *Client) Rooms() *Rooms { return c.rooms }

// ClientID identifies this client in presence and typing events.
func (c *Client) ClientID() string { return c.clientID }

// Close releases the underlying transport connection. Rooms should be
// released first; Close does not run their teardown.
func (c *Client) Close() {
	c.conn.Close()
	c.log.Debug().Str("module", "chat").Str("clientId", c.clientID).Msg("client closed")
}
